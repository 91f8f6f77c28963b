package dashboard

import "time"

// OverviewResponse represents the overall gateway status.
type OverviewResponse struct {
	Status              string                 `json:"status"`
	UptimeSeconds       int64                  `json:"uptime_seconds"`
	Version             string                 `json:"version"`
	FailOnIdentityError bool                   `json:"fail_on_identity_error"`
	CircuitBreakers     CircuitBreakersSummary `json:"circuit_breakers"`
	UnreachableCount    int                    `json:"unreachable_upstreams"`
}

// CircuitBreakersSummary summarizes circuit breaker states.
type CircuitBreakersSummary struct {
	Open     int `json:"open"`
	HalfOpen int `json:"half_open"`
	Closed   int `json:"closed"`
}

// UpstreamsResponse represents the Kakao endpoints list.
type UpstreamsResponse struct {
	Upstreams []UpstreamInfo `json:"upstreams"`
}

// UpstreamInfo is the state of one Kakao endpoint.
type UpstreamInfo struct {
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	CircuitBreakerState string     `json:"circuit_breaker_state,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	Probe               *ProbeInfo `json:"probe,omitempty"`
}

// ProbeInfo is the latest reachability probe of an endpoint.
type ProbeInfo struct {
	Reachable  bool      `json:"reachable"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}
