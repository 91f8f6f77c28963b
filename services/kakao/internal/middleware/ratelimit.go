package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/carlossalguero/kakao-gateway/services/shared/cache"
	apperrors "github.com/carlossalguero/kakao-gateway/services/shared/errors"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
	"github.com/carlossalguero/kakao-gateway/services/shared/metrics"
)

// RateLimitConfig holds per-client rate limit settings.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// TrustProxy makes X-Forwarded-For and X-Real-IP identify the client.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// Limiter decides whether a client may make another request.
type Limiter interface {
	// Allow reports whether key may proceed and, if not, how long to wait.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// LocalLimiter is an in-process token bucket per client.
type LocalLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*clientLimiter
	rate         rate.Limit
	burst        int
	cleanupEvery time.Duration
	stopCleanup  chan struct{}
	stopOnce     sync.Once
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates a token bucket limiter and starts its cleanup loop.
func NewLocalLimiter(requestsPerSecond float64, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = int(math.Ceil(requestsPerSecond))
	}
	l := &LocalLimiter{
		limiters:     make(map[string]*clientLimiter),
		rate:         rate.Limit(requestsPerSecond),
		burst:        burst,
		cleanupEvery: time.Minute,
		stopCleanup:  make(chan struct{}),
	}

	go l.cleanup()

	return l
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	cl, ok := l.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	l.mu.Unlock()

	res := cl.limiter.Reserve()
	if !res.OK() {
		return false, time.Second, nil
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

func (l *LocalLimiter) cleanup() {
	ticker := time.NewTicker(l.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for key, cl := range l.limiters {
				if time.Since(cl.lastSeen) > 3*time.Minute {
					delete(l.limiters, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *LocalLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// RedisLimiter shares a sliding window across replicas through Redis.
type RedisLimiter struct {
	client *cache.Client
	limit  int64
	window time.Duration
}

// NewRedisLimiter allows limit requests per window for each client.
func NewRedisLimiter(client *cache.Client, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	allowed, _, resetAt, err := l.client.CheckRateLimit(ctx, cache.RateLimitConfig{
		Key:    key,
		Limit:  l.limit,
		Window: l.window,
	})
	if err != nil {
		return false, 0, err
	}
	if !allowed {
		return false, time.Until(resetAt), nil
	}
	return true, 0, nil
}

// FallbackLimiter uses primary and switches to fallback when primary errors.
type FallbackLimiter struct {
	Primary  Limiter
	Fallback Limiter
	Log      *logger.Logger
}

// Allow implements Limiter.
func (l *FallbackLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	ok, wait, err := l.Primary.Allow(ctx, key)
	if err == nil {
		return ok, wait, nil
	}
	if l.Log != nil {
		l.Log.WarnContext(ctx, "rate limiter backend failed, using local limiter", "error", err.Error())
	}
	return l.Fallback.Allow(ctx, key)
}

// RateLimit returns middleware that rejects clients over their limit with 429.
// A limiter error lets the request through.
func RateLimit(limiter Limiter, trustProxy bool, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if m != nil {
				m.RecordRateLimitHit(path)
			}

			allowed, wait, err := limiter.Allow(r.Context(), ClientIP(r, trustProxy))
			if err == nil && !allowed {
				if m != nil {
					m.RecordRateLimitDrop(path)
				}
				seconds := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
				WriteError(w, apperrors.RateLimited("too many requests"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the client address, honoring proxy headers when trusted.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
