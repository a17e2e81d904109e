// Package config loads and validates the gateway's runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway.
type Config struct {
	Listen     string           `yaml:"listen"`
	Database   DatabaseConfig   `yaml:"database"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	ScriptHost ScriptHostConfig `yaml:"script_host"`
	Defaults   UpstreamDefaults `yaml:"defaults"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

// DatabaseConfig points at the persistent store backing internal/storage.
type DatabaseConfig struct {
	URL           string `yaml:"url"`             // e.g. "sqlite:///data/aiproxy.db"
	RetentionDays int    `yaml:"retention_days"`  // log pruning cutoff
}

// AdminConfig configures the admin REST + WebSocket surface.
type AdminConfig struct {
	Listen      string            `yaml:"listen"`
	Enabled     bool              `yaml:"enabled"`
	Auth        AdminAuthConfig   `yaml:"auth"`
	CORSOrigins []string          `yaml:"cors_origins"`
}

// AdminAuthConfig gates the admin surface behind a bearer token / API key.
type AdminAuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	APIKey          string `yaml:"api_key"`
	AccessTokenTTL  int    `yaml:"access_token_ttl_minutes"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// RateLimitConfig configures the sliding-window limiter and its backend.
type RateLimitConfig struct {
	Enabled         bool        `yaml:"enabled"`
	Backend         string      `yaml:"backend"` // "memory" or "redis"
	Redis           RedisConfig `yaml:"redis"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// RedisConfig holds Redis connection settings, shared by the rate limiter's
// distributed backend and the reconciler's leader lock.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ScriptHostConfig configures HeaderConfig script evaluation. Only
// EnablePythonDialect reaches the ScriptHost; MaxTimeoutMS is defaulted and
// validated but not applied, so each HeaderConfig's own timeout is used
// uncapped.
type ScriptHostConfig struct {
	MaxTimeoutMS       int  `yaml:"max_script_timeout_ms"`
	EnablePythonDialect bool `yaml:"enable_python_scripts"`
}

// UpstreamDefaults holds default Upstream settings. They are defaulted and
// validated but not read by the admin API, so a field omitted when an
// Upstream is created is stored as its zero value.
type UpstreamDefaults struct {
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	RetryCount          int           `yaml:"retry_count"`
	ConnectionPoolSize  int           `yaml:"connection_pool_size"`
}

// ReconcilerConfig controls the periodic background tasks.
type ReconcilerConfig struct {
	Enabled            bool   `yaml:"enabled"`
	LeaderLockEnabled  bool   `yaml:"leader_lock_enabled"` // use Redis to elect a single runner
}

// Load reads and parses the configuration file, applying defaults, env
// overrides, and validation, in that order.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if verr := cfg.validate(); verr != nil {
				return nil, fmt.Errorf("validating config: %w", verr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Database: DatabaseConfig{
			URL:           "sqlite://data/aiproxy.db",
			RetentionDays: 30,
		},
		Admin: AdminConfig{
			Listen:      ":9090",
			Enabled:     true,
			CORSOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			Auth: AdminAuthConfig{
				Enabled:        false,
				AccessTokenTTL: 60 * 24 * 7,
			},
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "aiproxy",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Backend:       "memory",
			SweepInterval: time.Hour,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "aiproxy:ratelimit:",
			},
		},
		ScriptHost: ScriptHostConfig{
			MaxTimeoutMS:        1000,
			EnablePythonDialect: false,
		},
		Defaults: UpstreamDefaults{
			RequestTimeout:     30 * time.Second,
			RetryCount:         1,
			ConnectionPoolSize: 10,
		},
		Reconciler: ReconcilerConfig{
			Enabled:           true,
			LeaderLockEnabled: false,
		},
	}
}

// applyEnvOverrides applies AIPROXY_* (and a handful of standard OTEL_*)
// environment variable overrides on top of whatever was loaded from YAML.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AIPROXY_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("AIPROXY_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("AIPROXY_LOG_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Database.RetentionDays = n
		}
	}
	if v := os.Getenv("AIPROXY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("AIPROXY_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}
	if os.Getenv("AIPROXY_ENABLE_AUTH") == "true" {
		c.Admin.Auth.Enabled = true
	}
	if v := os.Getenv("AIPROXY_ADMIN_API_KEY"); v != "" {
		c.Admin.Auth.APIKey = v
		c.Admin.Auth.Enabled = true
	}
	if v := os.Getenv("AIPROXY_ACCESS_TOKEN_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Admin.Auth.AccessTokenTTL = n
		}
	}

	// Telemetry overrides
	if os.Getenv("AIPROXY_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("AIPROXY_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("AIPROXY_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	// Rate limiter overrides
	if v := os.Getenv("AIPROXY_RATE_LIMIT_BACKEND"); v != "" {
		c.RateLimit.Backend = v // "memory" or "redis"
	}
	if v := os.Getenv("AIPROXY_REDIS_ADDR"); v != "" {
		c.RateLimit.Redis.Addr = v
	}
	if v := os.Getenv("AIPROXY_REDIS_PASSWORD"); v != "" {
		c.RateLimit.Redis.Password = v
	}

	// ScriptHost overrides
	if v := os.Getenv("AIPROXY_MAX_SCRIPT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ScriptHost.MaxTimeoutMS = n
		}
	}
	if os.Getenv("AIPROXY_ENABLE_PYTHON_SCRIPTS") == "true" {
		c.ScriptHost.EnablePythonDialect = true
	}

	// Reconciler overrides
	if os.Getenv("AIPROXY_RECONCILER_LEADER_LOCK") == "true" {
		c.Reconciler.LeaderLockEnabled = true
	}
}

// validate checks that the configuration is internally consistent.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Database.RetentionDays <= 0 {
		return fmt.Errorf("log retention_days must be positive")
	}
	if c.ScriptHost.MaxTimeoutMS <= 0 {
		return fmt.Errorf("script_host.max_script_timeout_ms must be positive")
	}
	if c.RateLimit.Backend != "memory" && c.RateLimit.Backend != "redis" {
		return fmt.Errorf("rate_limit.backend must be \"memory\" or \"redis\", got %q", c.RateLimit.Backend)
	}
	if c.Defaults.RequestTimeout <= 0 {
		return fmt.Errorf("defaults.request_timeout must be positive")
	}
	if c.Defaults.ConnectionPoolSize <= 0 {
		return fmt.Errorf("defaults.connection_pool_size must be positive")
	}
	return nil
}
