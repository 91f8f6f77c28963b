// Package events provides a NATS client wrapper for publishing gateway events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subjects and event types.
const (
	SubjectUserLogin = "kakao.user.login"
	TypeUserLogin    = "user.login"

	StreamName = "KAKAO_EVENTS"
)

// ErrNotConnected is returned when publishing on a closed or disconnected client.
var ErrNotConnected = errors.New("not connected to NATS")

// Config holds NATS client configuration.
type Config struct {
	URL             string        `mapstructure:"url"`
	Name            string        `mapstructure:"name"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	EnableJetStream bool          `mapstructure:"enable_jetstream"`
}

// Event represents a generic event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with the given type and source.
func NewEvent(eventType, source string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher publishes events to a subject.
type Publisher interface {
	PublishEvent(ctx context.Context, subject string, event Event) error
}

// Client wraps the NATS connection.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config Config
	log    *slog.Logger
}

// New connects to NATS. With JetStream enabled, the event stream is created
// or updated so login events are persisted.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "kakao-gateway"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", "error", err)
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &Client{
		conn:   conn,
		config: cfg,
		log:    log,
	}

	if cfg.EnableJetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     StreamName,
			Subjects: []string{"kakao.>"},
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", StreamName, err)
		}
		client.js = js
	}

	return client, nil
}

// Close drains and closes the NATS connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Ping flushes the connection, failing if the server does not answer.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.conn.FlushWithContext(ctx)
}

// PublishEvent publishes an event to a subject, through JetStream when enabled.
func (c *Client) PublishEvent(ctx context.Context, subject string, event Event) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if c.js != nil {
		_, err = c.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
		return err
	}
	return c.conn.Publish(subject, data)
}

// LoginEventData builds the payload of a user.login event.
func LoginEventData(userID int64, hasEmail bool, scope string) map[string]any {
	data := map[string]any{
		"kakao_user_id": userID,
		"has_email":     hasEmail,
	}
	if scope != "" {
		data["scope"] = scope
	}
	return data
}
