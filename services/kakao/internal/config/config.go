// Package config loads the gateway configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/circuitbreaker"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/middleware"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/oauth"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/probe"
	"github.com/carlossalguero/kakao-gateway/services/shared/cache"
	"github.com/carlossalguero/kakao-gateway/services/shared/discovery"
	apperrors "github.com/carlossalguero/kakao-gateway/services/shared/errors"
	"github.com/carlossalguero/kakao-gateway/services/shared/events"
	"github.com/carlossalguero/kakao-gateway/services/shared/tls"
	"github.com/carlossalguero/kakao-gateway/services/shared/tracing"
)

// EnvPrefix prefixes every environment override, e.g. KAKAO_GATEWAY_HTTP_PORT.
const EnvPrefix = "KAKAO_GATEWAY"

// Config holds the gateway configuration.
type Config struct {
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`

	HTTP struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Admin struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"admin"`

	Kakao Kakao `mapstructure:"kakao"`

	CircuitBreaker circuitbreaker.Config       `mapstructure:"circuit_breaker"`
	RateLimit      middleware.RateLimitConfig `mapstructure:"rate_limit"`
	Probe          probe.Config               `mapstructure:"probe"`
	TLS            tls.Config                 `mapstructure:"tls"`
	Tracing        tracing.Config             `mapstructure:"tracing"`
	Redis          cache.Config               `mapstructure:"redis"`
	NATS           events.Config              `mapstructure:"nats"`
	Consul         discovery.Config           `mapstructure:"consul"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Kakao holds the OAuth client settings and the identity failure policy.
type Kakao struct {
	oauth.Config `mapstructure:",squash"`

	// FailOnIdentityError makes an identity lookup failure fail the whole
	// exchange. When false the token is returned without a user.
	FailOnIdentityError bool `mapstructure:"fail_on_identity_error"`
}

// Load reads configuration from path, or from kakao.yaml in the default
// search paths when path is empty, then applies environment overrides.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kakao")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/kakao-gateway")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The Kakao credentials keep their conventional unprefixed names.
	bindings := map[string][]string{
		"kakao.client_id":     {"KAKAO_CLIENT_ID", "KAKAO_REST_API_KEY"},
		"kakao.redirect_uri":  {"KAKAO_REDIRECT_URI"},
		"kakao.client_secret": {"KAKAO_CLIENT_SECRET"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Kakao.Config = cfg.Kakao.Config.WithDefaults()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("version", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "120s")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("admin.port", 9000)

	// Kakao defaults
	v.SetDefault("kakao.client_id", "")
	v.SetDefault("kakao.redirect_uri", "")
	v.SetDefault("kakao.client_secret", "")
	v.SetDefault("kakao.authorize_url", oauth.DefaultAuthorizeURL)
	v.SetDefault("kakao.token_url", oauth.DefaultTokenURL)
	v.SetDefault("kakao.user_info_url", oauth.DefaultUserInfoURL)
	v.SetDefault("kakao.timeout", oauth.DefaultTimeout.String())
	v.SetDefault("kakao.fail_on_identity_error", true)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("circuit_breaker.timeout", "30s")
	v.SetDefault("circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.trust_proxy", false)

	v.SetDefault("probe.schedule", "@every 30s")
	v.SetDefault("probe.timeout", "5s")

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.min_version", "1.2")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "kakao-gateway")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	// Redis defaults
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.key_prefix", "kakao-gateway:")

	// NATS defaults
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "kakao-gateway")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.drain_timeout", "10s")
	v.SetDefault("nats.enable_jetstream", false)

	// Consul defaults
	v.SetDefault("consul.address", "")
	v.SetDefault("consul.token", "")
	v.SetDefault("consul.datacenter", "")
	v.SetDefault("consul.service_id", "")
	v.SetDefault("consul.tags", []string{"kakao", "oauth"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings the gateway cannot start without.
func (c *Config) Validate() error {
	if err := c.Kakao.Validate(); err != nil {
		return err
	}

	var problems []string
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		problems = append(problems, fmt.Sprintf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		problems = append(problems, fmt.Sprintf("admin.port %d out of range", c.Admin.Port))
	}
	if c.Admin.Port == c.HTTP.Port {
		problems = append(problems, "admin.port must differ from http.port")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		problems = append(problems, "rate_limit.requests_per_second must be positive")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		problems = append(problems, "tls.cert_file and tls.key_file are required when tls is enabled")
	}

	if len(problems) > 0 {
		return apperrors.Configuration(strings.Join(problems, "; "))
	}
	return nil
}

// Address returns the public listener address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// AdminAddress returns the health and metrics listener address.
func (c *Config) AdminAddress() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.Admin.Port)
}
