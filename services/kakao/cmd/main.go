// Package main is the entry point for the Kakao authentication gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/circuitbreaker"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/config"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/dashboard"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/middleware"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/oauth"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/probe"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/server"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/service"
	"github.com/carlossalguero/kakao-gateway/services/shared/cache"
	"github.com/carlossalguero/kakao-gateway/services/shared/discovery"
	"github.com/carlossalguero/kakao-gateway/services/shared/events"
	"github.com/carlossalguero/kakao-gateway/services/shared/health"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
	"github.com/carlossalguero/kakao-gateway/services/shared/metrics"
	gatewaytls "github.com/carlossalguero/kakao-gateway/services/shared/tls"
	"github.com/carlossalguero/kakao-gateway/services/shared/tracing"
)

const serviceName = "kakao-gateway"

func main() {
	configPath := flag.String("config", "", "path to config file (default: kakao.yaml in ., ./configs, /etc/kakao-gateway)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		Environment: cfg.Environment,
	})
	log := logger.Default()

	// Required settings are checked before any listener opens.
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	log.Info("starting kakao gateway",
		"address", cfg.Address(),
		"admin_address", cfg.AdminAddress(),
		"tls_enabled", cfg.TLS.Enabled,
		"fail_on_identity_error", cfg.Kakao.FailOnIdentityError,
		"version", cfg.Version,
	)

	// Initialize tracing
	tracingCfg := cfg.Tracing
	tracingCfg.ServiceVersion = cfg.Version
	tracingCfg.Environment = cfg.Environment
	tracingCleanup, err := tracing.InitGlobal(tracingCfg)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
	} else if tracingCfg.Enabled {
		log.Info("tracing initialized", "endpoint", tracingCfg.Endpoint)
	}

	// Initialize metrics
	m := metrics.New(metrics.Config{ServiceName: serviceName})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis client (optional - falls back to the local rate limiter)
	var cacheClient *cache.Client
	if cfg.Redis.Address != "" {
		cacheClient, err = cache.New(cfg.Redis)
		if err != nil {
			log.Warn("failed to connect to Redis, continuing with local rate limiting", "error", err)
			cacheClient = nil
		} else {
			log.Info("connected to Redis", "address", cfg.Redis.Address)
		}
	}

	// Initialize NATS client (optional - login events are skipped without it)
	var eventsClient *events.Client
	if cfg.NATS.URL != "" {
		eventsClient, err = events.New(cfg.NATS, log.Logger)
		if err != nil {
			log.Warn("failed to connect to NATS, continuing without events", "error", err)
			eventsClient = nil
		} else {
			log.Info("connected to NATS", "url", cfg.NATS.URL)
		}
	}

	// Outbound client for the Kakao endpoints
	clientTLS, err := gatewaytls.ClientTLSConfig(cfg.TLS)
	if err != nil {
		log.Error("failed to configure outbound TLS", "error", err)
		os.Exit(1)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = clientTLS
	httpClient := &http.Client{Transport: transport}

	// Initialize the Kakao provider with per-endpoint circuit breakers
	breakerCfg := cfg.CircuitBreaker
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetCircuitBreakerState(name, int(to))
		if to == circuitbreaker.StateOpen {
			m.RecordCircuitBreakerTrip(name)
		}
		log.Warn("circuit breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
	}

	provider, err := oauth.NewKakaoProvider(cfg.Kakao.Config,
		oauth.WithHTTPClient(httpClient),
		oauth.WithCircuitBreaker(breakerCfg),
		oauth.WithMetrics(m),
		oauth.WithLogger(log),
	)
	if err != nil {
		log.Error("failed to initialize kakao provider", "error", err)
		os.Exit(1)
	}

	// Initialize gateway service
	svcCfg := service.Config{
		Provider:            provider,
		FailOnIdentityError: cfg.Kakao.FailOnIdentityError,
		Metrics:             m,
		Logger:              log,
		Source:              serviceName,
	}
	if eventsClient != nil {
		svcCfg.Events = eventsClient
	}
	svc := service.New(svcCfg)

	// Rate limiting
	var limiter middleware.Limiter
	var localLimiter *middleware.LocalLimiter
	if cfg.RateLimit.Enabled {
		localLimiter = middleware.NewLocalLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		limiter = localLimiter
		if cacheClient != nil {
			limiter = &middleware.FallbackLimiter{
				Primary:  redisLimiter(cacheClient, cfg.RateLimit),
				Fallback: localLimiter,
				Log:      log,
			}
		}
	}

	// Upstream reachability probe
	prober := probe.New(cfg.Probe, []probe.Target{
		{Name: oauth.EndpointToken, URL: cfg.Kakao.TokenURL},
		{Name: oauth.EndpointUserInfo, URL: cfg.Kakao.UserInfoURL},
	}, probe.WithHTTPClient(httpClient), probe.WithMetrics(m), probe.WithLogger(log))
	if err := prober.Start(ctx); err != nil {
		log.Error("failed to start upstream probe", "error", err)
		os.Exit(1)
	}

	// Initialize health checker
	healthChecker := health.NewChecker(
		health.WithVersion(cfg.Version),
		health.WithTimeout(5*time.Second),
	)
	healthChecker.Register("kakao", prober.Check())
	healthChecker.Register("circuit_breakers", breakerCheck(provider.Breakers()))
	if cacheClient != nil {
		healthChecker.Register("redis", health.PingCheck("redis", cacheClient.Ping, true))
	}
	if eventsClient != nil {
		healthChecker.Register("nats", health.PingCheck("nats", eventsClient.Ping, true))
	}

	// Public server
	handler := server.New(svc, server.Options{
		Logger:     log,
		Metrics:    m,
		Limiter:    limiter,
		TrustProxy: cfg.RateLimit.TrustProxy,
	}).Handler()

	httpServer := &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	if cfg.TLS.Enabled {
		serverTLS, err := gatewaytls.ServerTLSConfig(cfg.TLS)
		if err != nil {
			log.Error("failed to configure TLS", "error", err)
			os.Exit(1)
		}
		httpServer.TLSConfig = serverTLS
	}

	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		log.Error("failed to listen", "address", cfg.Address(), "error", err)
		os.Exit(1)
	}

	go func() {
		log.Info("starting HTTP server", "address", cfg.Address())
		var err error
		if cfg.TLS.Enabled {
			err = httpServer.ServeTLS(listener, "", "")
		} else {
			err = httpServer.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()

	// Health and metrics server
	adminMux := http.NewServeMux()
	adminMux.Handle("/health", healthChecker.Handler())
	adminMux.Handle("/health/", healthChecker.Handler())
	adminMux.Handle("/metrics", m.Handler())
	dashboard.New(dashboard.Config{
		Endpoints: []dashboard.Endpoint{
			{Name: oauth.EndpointToken, URL: cfg.Kakao.TokenURL},
			{Name: oauth.EndpointUserInfo, URL: cfg.Kakao.UserInfoURL},
		},
		CircuitBreaker:      provider.Breakers(),
		Probe:               prober,
		Version:             cfg.Version,
		FailOnIdentityError: cfg.Kakao.FailOnIdentityError,
		Logger:              log,
	}).RegisterRoutes(adminMux)

	adminServer := &http.Server{
		Addr:              cfg.AdminAddress(),
		Handler:           adminMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("starting health/metrics server", "address", cfg.AdminAddress())
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server error", "error", err)
		}
	}()

	// Service registration (optional)
	var consulClient *discovery.Client
	var serviceID string
	if cfg.Consul.Address != "" {
		consulClient, serviceID = register(ctx, cfg, log)
		if consulClient != nil {
			healthChecker.Register("consul", health.PingCheck("consul", consulClient.Ping, true))
		}
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down servers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if consulClient != nil {
		if err := consulClient.Deregister(shutdownCtx, serviceID); err != nil {
			log.Error("consul deregistration error", "error", err)
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	prober.Stop()
	cancel()

	// Let in-flight login events finish before closing NATS.
	svc.Close()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("health server shutdown error", "error", err)
	}

	if localLimiter != nil {
		localLimiter.Stop()
	}

	if eventsClient != nil {
		if err := eventsClient.Close(); err != nil {
			log.Error("NATS client close error", "error", err)
		}
	}

	if cacheClient != nil {
		if err := cacheClient.Close(); err != nil {
			log.Error("Redis client close error", "error", err)
		}
	}

	if tracingCleanup != nil {
		if err := tracingCleanup(shutdownCtx); err != nil {
			log.Error("tracing shutdown error", "error", err)
		}
	}

	log.Info("server stopped")
}

// redisLimiter converts the token bucket settings into a sliding window of
// burst requests per the time the bucket takes to refill.
func redisLimiter(client *cache.Client, cfg middleware.RateLimitConfig) *middleware.RedisLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond)
	}
	window := time.Duration(float64(burst) / cfg.RequestsPerSecond * float64(time.Second))
	if window < time.Second {
		window = time.Second
	}
	return middleware.NewRedisLimiter(client, int64(burst), window)
}

// breakerCheck reports the service degraded while any endpoint breaker is
// not closed.
func breakerCheck(breakers *circuitbreaker.Registry) health.Check {
	return func(context.Context) health.ComponentHealth {
		if breakers == nil {
			return health.ComponentHealth{Status: health.StatusUp, Message: "disabled"}
		}

		status := health.StatusUp
		details := make(map[string]any)
		for _, s := range breakers.AllStats() {
			details[s.Name] = s.State.String()
			if s.State != circuitbreaker.StateClosed {
				status = health.StatusDegraded
			}
		}
		return health.ComponentHealth{Status: status, Details: details}
	}
}

func register(ctx context.Context, cfg *config.Config, log *logger.Logger) (*discovery.Client, string) {
	client, err := discovery.NewClient(cfg.Consul)
	if err != nil {
		log.Warn("failed to connect to Consul, continuing without registration", "error", err)
		return nil, ""
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	id := cfg.Consul.ServiceID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%d", serviceName, host, cfg.HTTP.Port)
	}

	err = client.Register(ctx, discovery.Registration{
		ID:        id,
		Name:      serviceName,
		Address:   host,
		Port:      cfg.HTTP.Port,
		Tags:      cfg.Consul.Tags,
		HealthURL: fmt.Sprintf("http://%s:%d/health/ready", host, cfg.Admin.Port),
	})
	if err != nil {
		log.Warn("failed to register with Consul", "error", err)
		return nil, ""
	}

	log.Info("registered with Consul", "service_id", id)
	return client, id
}
