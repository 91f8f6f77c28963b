// Package dashboard provides read-only status endpoints for operators.
package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/circuitbreaker"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/probe"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
)

// ProbeResults reports the latest upstream probe results.
type ProbeResults interface {
	Results() []probe.Result
}

// Endpoint names a Kakao endpoint shown on the dashboard.
type Endpoint struct {
	Name string
	URL  string
}

// Config holds dashboard configuration.
type Config struct {
	Endpoints           []Endpoint
	CircuitBreaker      *circuitbreaker.Registry
	Probe               ProbeResults
	Version             string
	FailOnIdentityError bool
	Logger              *logger.Logger
}

// Dashboard serves the status API.
type Dashboard struct {
	cfg       Config
	startTime time.Time
	log       *logger.Logger
}

// New creates a new Dashboard instance.
func New(cfg Config) *Dashboard {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Dashboard{
		cfg:       cfg,
		startTime: time.Now(),
		log:       log,
	}
}

// RegisterRoutes registers dashboard API routes on the provided mux.
func (d *Dashboard) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/dashboard", d.handleOverview)
	mux.HandleFunc("GET /api/dashboard/upstreams", d.handleUpstreams)
}

func (d *Dashboard) handleOverview(w http.ResponseWriter, _ *http.Request) {
	upstreams := d.upstreams()
	summary := summarize(upstreams)

	unreachable := 0
	for _, u := range upstreams {
		if u.Probe != nil && !u.Probe.Reachable {
			unreachable++
		}
	}

	status := "healthy"
	if summary.Open > 0 || summary.HalfOpen > 0 || unreachable > 0 {
		status = "degraded"
	}

	d.writeJSON(w, OverviewResponse{
		Status:              status,
		UptimeSeconds:       int64(time.Since(d.startTime).Seconds()),
		Version:             d.cfg.Version,
		FailOnIdentityError: d.cfg.FailOnIdentityError,
		CircuitBreakers:     summary,
		UnreachableCount:    unreachable,
	})
}

func (d *Dashboard) handleUpstreams(w http.ResponseWriter, _ *http.Request) {
	d.writeJSON(w, UpstreamsResponse{Upstreams: d.upstreams()})
}

func (d *Dashboard) upstreams() []UpstreamInfo {
	probes := make(map[string]probe.Result)
	if d.cfg.Probe != nil {
		for _, r := range d.cfg.Probe.Results() {
			probes[r.Target] = r
		}
	}

	infos := make([]UpstreamInfo, 0, len(d.cfg.Endpoints))
	for _, ep := range d.cfg.Endpoints {
		info := UpstreamInfo{Name: ep.Name, URL: ep.URL}

		if d.cfg.CircuitBreaker != nil {
			stats := d.cfg.CircuitBreaker.Get(ep.Name).Stats()
			info.CircuitBreakerState = stats.State.String()
			info.ConsecutiveFailures = stats.Failures
			if !stats.LastFailure.IsZero() {
				last := stats.LastFailure
				info.LastFailure = &last
			}
		}

		if r, ok := probes[ep.Name]; ok {
			info.Probe = &ProbeInfo{
				Reachable:  r.Reachable,
				StatusCode: r.StatusCode,
				LatencyMS:  r.Latency.Milliseconds(),
				Error:      r.Error,
				CheckedAt:  r.CheckedAt,
			}
		}

		infos = append(infos, info)
	}
	return infos
}

func summarize(upstreams []UpstreamInfo) CircuitBreakersSummary {
	var summary CircuitBreakersSummary
	for _, u := range upstreams {
		switch u.CircuitBreakerState {
		case circuitbreaker.StateClosed.String():
			summary.Closed++
		case circuitbreaker.StateOpen.String():
			summary.Open++
		case circuitbreaker.StateHalfOpen.String():
			summary.HalfOpen++
		}
	}
	return summary
}

// writeJSON writes a JSON response.
func (d *Dashboard) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		d.log.Error("failed to encode JSON response", "error", err)
	}
}
