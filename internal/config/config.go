// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Deployments   DeploymentsConfig   `yaml:"deployments"`
	Flows         FlowsConfig         `yaml:"flows"`
	Store         StoreConfig         `yaml:"store"`
	Challenges    ChallengeConfig     `yaml:"challenges"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Notifier      NotifierConfig      `yaml:"notifier"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification for API callers.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
}

// DeploymentsConfig describes where per-deployment auth settings live,
// and where the in-memory directory loads its users from when the store
// driver is "memory".
type DeploymentsConfig struct {
	SettingsFile string `yaml:"settings_file"`
	UsersFile    string `yaml:"users_file"`
}

// FlowsConfig describes flow lifetimes and engine retry behavior.
type FlowsConfig struct {
	SignUpTTL time.Duration `yaml:"sign_up_ttl"`
	SignInTTL time.Duration `yaml:"sign_in_ttl"`

	// SubmitRetryBudget bounds the engine's transparent reload-and-retry
	// on version conflicts before the conflict is surfaced to the caller.
	SubmitRetryBudget int `yaml:"submit_retry_budget"`
}

// StoreConfig describes attempt and session persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // "memory" or "postgres"
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ChallengeConfig describes the OTP and link-token challenge store.
type ChallengeConfig struct {
	Driver      string        `yaml:"driver"` // "memory" or "redis"
	AddrEnv     string        `yaml:"addr_env"`
	DB          int           `yaml:"db"`
	TTL         time.Duration `yaml:"ttl"`
	OTPDigits   int           `yaml:"otp_digits"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// SessionsConfig describes session promotion policy.
type SessionsConfig struct {
	// Policy is "multi_session" or "single_session".
	Policy string `yaml:"policy"`
}

// NotifierConfig describes the outbound notification webhook.
type NotifierConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for the notifier.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SweepConfig describes the optional stale-attempt sweep. The sweep bounds
// storage growth; correctness never depends on it because expiry is checked
// on every read.
type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Deployment-Id", "X-Correlation-Id"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
		},
		Deployments: DeploymentsConfig{
			SettingsFile: "/etc/authflow/deployments.yaml",
			UsersFile:    "/etc/authflow/users.yaml",
		},
		Flows: FlowsConfig{
			SignUpTTL:         24 * time.Hour,
			SignInTTL:         15 * time.Minute,
			SubmitRetryBudget: 3,
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Challenges: ChallengeConfig{
			Driver:      "memory",
			TTL:         10 * time.Minute,
			OTPDigits:   6,
			MaxAttempts: 5,
		},
		Sessions: SessionsConfig{
			Policy: "multi_session",
		},
		Notifier: NotifierConfig{
			Timeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Flows.SignUpTTL <= 0 {
		errs = append(errs, "flows.sign_up_ttl must be positive")
	}
	if c.Flows.SignInTTL <= 0 {
		errs = append(errs, "flows.sign_in_ttl must be positive")
	}
	if c.Flows.SubmitRetryBudget < 1 {
		errs = append(errs, "flows.submit_retry_budget must be at least 1")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	switch c.Challenges.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("challenges.driver %q is not supported (memory, redis)", c.Challenges.Driver))
	}
	if c.Challenges.OTPDigits < 4 || c.Challenges.OTPDigits > 10 {
		errs = append(errs, "challenges.otp_digits must be between 4 and 10")
	}
	switch c.Sessions.Policy {
	case "multi_session", "single_session":
	default:
		errs = append(errs, fmt.Sprintf("sessions.policy %q is not supported (multi_session, single_session)", c.Sessions.Policy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads AUTHFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTHFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AUTHFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("AUTHFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("AUTHFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("AUTHFLOW_DEPLOYMENTS_SETTINGS_FILE"); v != "" {
		cfg.Deployments.SettingsFile = v
	}
	if v := os.Getenv("AUTHFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("AUTHFLOW_CHALLENGES_DRIVER"); v != "" {
		cfg.Challenges.Driver = v
	}
	if v := os.Getenv("AUTHFLOW_SESSIONS_POLICY"); v != "" {
		cfg.Sessions.Policy = v
	}
	if v := os.Getenv("AUTHFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
