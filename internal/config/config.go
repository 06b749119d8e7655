// Package config loads gateway configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Registry    RegistryConfig    `yaml:"registry"`
	Submission  SubmissionConfig  `yaml:"submission"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         LogConfig         `yaml:"log"`
}

// HTTPConfig configures the caller-facing HTTP server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RatePerParty    float64       `yaml:"rate_per_party"`
	RateBurst       int           `yaml:"rate_burst"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig configures the Canton JSON API endpoint.
type LedgerConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	OperatorParty string        `yaml:"operator_party"`
	TestParty     string        `yaml:"test_party"`
}

// RegistryConfig configures the token-registry endpoint.
type RegistryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SubmissionConfig configures submission attempts and retry behavior.
type SubmissionConfig struct {
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            float64       `yaml:"jitter"`
}

// IdempotencyConfig configures idempotency record tracking.
type IdempotencyConfig struct {
	Backend   string        `yaml:"backend"` // memory or redis
	Retention time.Duration `yaml:"retention"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
}

// ReconcilerConfig configures active-contract-set reconciliation.
type ReconcilerConfig struct {
	Schedule    string        `yaml:"schedule"` // cron expression
	GracePeriod time.Duration `yaml:"grace_period"`
}

// AuthConfig configures bearer credential validation and minting.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// StaticToken is a fixed bearer token for the ledger, used against
	// local sandboxes that accept unsafe shared secrets. It takes
	// precedence over HMAC minting when set.
	StaticToken string        `yaml:"static_token"`
	Audience    string        `yaml:"audience"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// DatabaseConfig configures the Postgres idempotency-record store.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from the given path, applying env overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	// .env is optional; ignore absence
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RequestTimeout:  30 * time.Second,
			RatePerParty:    5,
			RateBurst:       10,
			ShutdownTimeout: 10 * time.Second,
		},
		Ledger: LedgerConfig{
			BaseURL: "http://localhost:7575",
			Timeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			BaseURL: "http://localhost:5012",
			Timeout: 10 * time.Second,
		},
		Submission: SubmissionConfig{
			AttemptTimeout:    5 * time.Second,
			MaxAttempts:       3,
			BaseDelay:         200 * time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxDelay:          5 * time.Second,
			Jitter:            0.2,
		},
		Idempotency: IdempotencyConfig{
			Backend:   "memory",
			Retention: time.Hour,
		},
		Reconciler: ReconcilerConfig{
			Schedule:    "@every 30s",
			GracePeriod: 30 * time.Second,
		},
		Auth: AuthConfig{
			Audience: "https://canton.network.global",
			TokenTTL: time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Idempotency.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("idempotency backend %q: must be memory or redis", c.Idempotency.Backend)
	}
	if c.Idempotency.Backend == "redis" && c.Idempotency.RedisAddr == "" {
		return fmt.Errorf("idempotency backend redis requires redis_addr")
	}
	if c.Submission.MaxAttempts < 1 {
		return fmt.Errorf("submission max_attempts must be >= 1, got %d", c.Submission.MaxAttempts)
	}
	if c.Submission.BackoffMultiplier < 1 {
		return fmt.Errorf("submission backoff_multiplier must be >= 1, got %v", c.Submission.BackoffMultiplier)
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database enabled but dsn empty")
	}
	return nil
}

// applyEnv overrides select fields from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LEDGER_BASE_URL"); v != "" {
		cfg.Ledger.BaseURL = v
	}
	if v := os.Getenv("LEDGER_OPERATOR_PARTY"); v != "" {
		cfg.Ledger.OperatorParty = v
	}
	if v := os.Getenv("REGISTRY_BASE_URL"); v != "" {
		cfg.Registry.BaseURL = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
		cfg.Database.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Idempotency.RedisAddr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LEDGER_STATIC_TOKEN"); v != "" {
		cfg.Auth.StaticToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.Pretty = b
		}
	}
}
