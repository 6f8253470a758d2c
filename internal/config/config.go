// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	API           APIConfig           `yaml:"api"`
	Save          SaveConfig          `yaml:"save"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Journal       JournalConfig       `yaml:"journal"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"gte=0"`
}

// IdentityConfig describes how callers of the save service are authenticated.
// Tokens are HMAC-signed; the secret is read from SecretEnv at startup.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer" validate:"required"`
	Audience   string            `yaml:"audience" validate:"required"`
	SecretEnv  string            `yaml:"secret_env" validate:"required"`
	Algorithms []string          `yaml:"algorithms" validate:"min=1,dive,oneof=HS256 HS384 HS512"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// APIConfig describes the Open Forms REST API the pipeline writes to.
type APIConfig struct {
	BaseURL          string               `yaml:"base_url" validate:"required,url"`
	Timeout          time.Duration        `yaml:"timeout" validate:"gte=0"`
	CSRFHeader       string               `yaml:"csrf_header" validate:"required"`
	TokenEnv         string               `yaml:"token_env"`
	SchemaFile       string               `yaml:"schema_file"`
	StrictValidation bool                 `yaml:"strict_validation"`
	Retry            RetryConfig          `yaml:"retry"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig describes retry settings for backend calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" validate:"gte=0"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=0"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// CircuitBreakerConfig describes circuit breaker settings for the backend.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold" validate:"gte=0"`
	SuccessThreshold   int           `yaml:"success_threshold" validate:"gte=0"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold" validate:"gte=0,lte=1"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// SaveConfig tunes the save pipeline.
type SaveConfig struct {
	StepConcurrency   int  `yaml:"step_concurrency" validate:"gte=0"`
	DeleteConcurrency int  `yaml:"delete_concurrency" validate:"gte=0"`
	SkipVersion       bool `yaml:"skip_version"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver" validate:"omitempty,oneof=memory redis"`
	AddrEnv    string        `yaml:"addr_env" validate:"required_if=Driver redis"`
	DB         int           `yaml:"db" validate:"gte=0"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// JournalConfig describes the save journal.
type JournalConfig struct {
	Enabled bool               `yaml:"enabled"`
	Store   JournalStoreConfig `yaml:"store"`
}

// JournalStoreConfig describes journal persistence settings.
type JournalStoreConfig struct {
	Driver          string        `yaml:"driver" validate:"omitempty,oneof=memory postgres"`
	DSNEnv          string        `yaml:"dsn_env" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Retention       time.Duration `yaml:"retention"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
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
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Identity: IdentityConfig{
			SecretEnv:  "FORMSYNC_JWT_SECRET",
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		API: APIConfig{
			Timeout:    15 * time.Second,
			CSRFHeader: "X-CSRFToken",
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Save: SaveConfig{
			StepConcurrency:   4,
			DeleteConcurrency: 4,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Journal: JournalConfig{
			Store: JournalStoreConfig{
				Driver:          "memory",
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
				Retention:       30 * 24 * time.Hour,
			},
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

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that all required fields are present and valid. Field
// errors are reported by their YAML path, e.g. "api.base_url".
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", yamlPath(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// yamlPath turns a validator namespace ("Config.API.BaseURL") into the
// snake_case key path used in config files ("api.base_url").
func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// applyEnvOverrides reads FORMSYNC_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORMSYNC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FORMSYNC_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("FORMSYNC_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("FORMSYNC_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("FORMSYNC_SAVE_STEP_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Save.StepConcurrency = n
		}
	}
	if v := os.Getenv("FORMSYNC_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
