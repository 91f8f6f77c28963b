// Package probe periodically checks that the Kakao endpoints are reachable.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/carlossalguero/kakao-gateway/services/shared/health"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
	"github.com/carlossalguero/kakao-gateway/services/shared/metrics"
)

// Config holds probe configuration.
type Config struct {
	// Schedule is a cron spec with seconds, or a descriptor such as
	// "@every 30s". Empty disables the probe.
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Target is an endpoint to probe.
type Target struct {
	Name string
	URL  string
}

// Result is the outcome of the latest probe of one target.
type Result struct {
	Target     string        `json:"target"`
	Reachable  bool          `json:"reachable"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// Prober probes a fixed set of targets on a schedule.
type Prober struct {
	config  Config
	targets []Target
	client  *http.Client
	metrics *metrics.Metrics
	log     *logger.Logger

	cron    *cron.Cron
	entryID cron.EntryID
	initial sync.WaitGroup

	mu      sync.RWMutex
	results map[string]Result
}

// Option configures a Prober.
type Option func(*Prober)

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) {
		p.client = c
	}
}

// WithMetrics reports reachability as the upstream health gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Prober) {
		p.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Prober) {
		p.log = l
	}
}

// New creates a prober. It does nothing until Start is called.
func New(cfg Config, targets []Target, opts ...Option) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	p := &Prober{
		config:  cfg,
		targets: targets,
		client:  http.DefaultClient,
		log:     logger.Default(),
		cron:    cron.New(cron.WithSeconds()),
		results: make(map[string]Result, len(targets)),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start schedules the probe and runs it once immediately.
// An empty schedule leaves the prober idle.
func (p *Prober) Start(ctx context.Context) error {
	if p.config.Schedule == "" {
		return nil
	}

	id, err := p.cron.AddFunc(p.config.Schedule, func() { p.RunOnce(ctx) })
	if err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", p.config.Schedule, err)
	}
	p.entryID = id

	p.initial.Add(1)
	go func() {
		defer p.initial.Done()
		p.RunOnce(ctx)
	}()
	p.cron.Start()

	return nil
}

// Stop stops the schedule and waits for running probes to finish,
// including the one started by Start.
func (p *Prober) Stop() {
	<-p.cron.Stop().Done()
	p.initial.Wait()
}

// NextRun returns the next scheduled probe time.
func (p *Prober) NextRun() (time.Time, bool) {
	if p.entryID == 0 {
		return time.Time{}, false
	}
	return p.cron.Entry(p.entryID).Next, true
}

// RunOnce probes every target concurrently and records the results.
func (p *Prober) RunOnce(ctx context.Context) {
	var g errgroup.Group
	for _, t := range p.targets {
		g.Go(func() error {
			p.record(p.probe(ctx, t))
			return nil
		})
	}
	_ = g.Wait()
}

// probe treats any HTTP response as reachable. Only a transport failure
// marks the target down: the endpoints reject unauthenticated requests.
func (p *Prober) probe(ctx context.Context, t Target) Result {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	res := Result{Target: t.Name, CheckedAt: time.Now().UTC()}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.URL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	resp, err := p.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	res.Reachable = true
	res.StatusCode = resp.StatusCode
	return res
}

func (p *Prober) record(res Result) {
	p.mu.Lock()
	prev, seen := p.results[res.Target]
	p.results[res.Target] = res
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SetUpstreamHealthy(res.Target, res.Reachable)
	}

	if !res.Reachable {
		p.log.Warn("upstream unreachable", "endpoint", res.Target, "error", res.Error)
	} else if seen && !prev.Reachable {
		p.log.Info("upstream reachable again", "endpoint", res.Target)
	}
}

// Results returns the latest result per target, sorted by target name.
func (p *Prober) Results() []Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Result, 0, len(p.results))
	for _, r := range p.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Check reports the probe results as a health check. An unreachable
// upstream degrades the service but does not take it out of rotation.
func (p *Prober) Check() health.Check {
	return func(context.Context) health.ComponentHealth {
		results := p.Results()
		if len(results) == 0 {
			return health.ComponentHealth{Status: health.StatusUp, Message: "not probed yet"}
		}

		details := make(map[string]any, len(results))
		status := health.StatusUp
		for _, r := range results {
			details[r.Target] = r.Reachable
			if !r.Reachable {
				status = health.StatusDegraded
			}
		}

		return health.ComponentHealth{Status: status, Details: details}
	}
}
