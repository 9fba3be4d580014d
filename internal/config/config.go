// Package config loads and validates application configuration from YAML files,
// an optional .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Auth          AuthConfig              `yaml:"auth"`
	Templates     TemplatesConfig         `yaml:"templates"`
	Store         StoreConfig             `yaml:"store"`
	Effects       EffectsConfig           `yaml:"effects"`
	Pruner        PrunerConfig            `yaml:"pruner"`
	Actions       map[string]ActionConfig `yaml:"actions"`
	Observability ObservabilityConfig     `yaml:"observability"`
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

// AuthConfig describes bearer token verification. Tokens are verified
// against a JWKS endpoint, or against a shared secret read from SecretEnv
// for HMAC algorithms.
type AuthConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	SecretEnv    string            `yaml:"secret_env"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// TemplatesConfig describes where to find template YAML files.
type TemplatesConfig struct {
	Directories []string `yaml:"directories"`
}

// StoreConfig describes application persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// EffectsConfig describes side effect execution.
type EffectsConfig struct {
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
}

// IdempotencyConfig describes where side effect idempotency records live.
type IdempotencyConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Path    string        `yaml:"path"`
	TTL     time.Duration `yaml:"ttl"`
}

// DispatcherConfig describes the asynchronous outbox worker.
type DispatcherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout"`
	Retry        RetryConfig   `yaml:"retry"`
}

// PrunerConfig describes the scheduled prune job.
type PrunerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`
}

// ActionConfig describes a webhook-backed template action.
type ActionConfig struct {
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Headers        map[string]string    `yaml:"headers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per action.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
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

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverDisk     = "disk"
)

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
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Auth: AuthConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Templates: TemplatesConfig{
			Directories: []string{"/templates"},
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "CASEFLOW_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Effects: EffectsConfig{
			Idempotency: IdempotencyConfig{
				Driver:  DriverMemory,
				AddrEnv: "CASEFLOW_REDIS_ADDR",
				TTL:     30 * 24 * time.Hour,
			},
			Dispatcher: DispatcherConfig{
				Enabled:      true,
				Workers:      8,
				PollInterval: 2 * time.Second,
				BatchSize:    100,
				MaxAttempts:  10,
				Timeout:      30 * time.Second,
				Retry: RetryConfig{
					BackoffInitial:    time.Second,
					BackoffMultiplier: 2,
					BackoffMax:        10 * time.Minute,
				},
			},
		},
		Pruner: PrunerConfig{
			Enabled:   true,
			Schedule:  "0 */10 * * * *",
			Timeout:   time.Minute,
			BatchSize: 500,
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

// Load reads a YAML config file, loads a .env file next to it when present,
// applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	expandActionHeaders(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// loadDotEnv exports the variables of an optional .env file. Variables that
// are already set in the process environment win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}

// Validate checks that all required fields are present and valid. Every
// problem is reported.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Auth.JWKSURL == "" && c.Auth.SecretEnv == "" {
		errs = append(errs, errors.New("auth.jwks_url or auth.secret_env is required"))
	}
	if len(c.Templates.Directories) == 0 {
		errs = append(errs, errors.New("templates.directories must not be empty"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, errors.New("store.dsn_env is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	idem := c.Effects.Idempotency
	switch idem.Driver {
	case DriverMemory:
	case DriverRedis:
		if idem.AddrEnv == "" {
			errs = append(errs, errors.New("effects.idempotency.addr_env is required for the redis driver"))
		}
	case DriverDisk:
		if idem.Path == "" {
			errs = append(errs, errors.New("effects.idempotency.path is required for the disk driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("effects.idempotency.driver %q must be memory, redis or disk", idem.Driver))
	}

	if c.Effects.Dispatcher.Workers < 1 {
		errs = append(errs, errors.New("effects.dispatcher.workers must be at least 1"))
	}
	if c.Effects.Dispatcher.MaxAttempts < 1 {
		errs = append(errs, errors.New("effects.dispatcher.max_attempts must be at least 1"))
	}
	if c.Pruner.Enabled && c.Pruner.Schedule == "" {
		errs = append(errs, errors.New("pruner.schedule is required when the pruner is enabled"))
	}

	for name, a := range c.Actions {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("actions.%s.url is required", name))
		}
	}

	return errors.Join(errs...)
}

// expandActionHeaders substitutes ${VAR} references in action header values
// so that API keys stay out of the YAML file.
func expandActionHeaders(cfg *Config) {
	for name, a := range cfg.Actions {
		for k, v := range a.Headers {
			a.Headers[k] = os.ExpandEnv(v)
		}
		cfg.Actions[name] = a
	}
}

// applyEnvOverrides reads CASEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEFLOW_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("CASEFLOW_AUTH_JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}
	if v := os.Getenv("CASEFLOW_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("CASEFLOW_TEMPLATES_DIRECTORIES"); v != "" {
		cfg.Templates.Directories = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("CASEFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CASEFLOW_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Effects.Idempotency.Driver = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
