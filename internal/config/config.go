// Package config loads the service configuration. Values are layered: built-in
// defaults, then an optional config file, then AGENTRUNS_* environment
// variables (AGENTRUNS_STORE_DRIVER for store.driver).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTRUNS"

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      JWTConfig       `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigin        string        `mapstructure:"cors_origin"`
}

// StoreConfig selects and configures the run store.
type StoreConfig struct {
	Driver       string `mapstructure:"driver"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	DatabaseURL  string `mapstructure:"database_url"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// QueueConfig selects and configures the job queue.
type QueueConfig struct {
	Driver        string        `mapstructure:"driver"`
	Capacity      int           `mapstructure:"capacity"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
}

// WorkerConfig configures executor workers, both the embedded pool and the
// standalone worker process.
type WorkerConfig struct {
	Embedded      bool          `mapstructure:"embedded"`
	Concurrency   int           `mapstructure:"concurrency"`
	APIURL        string        `mapstructure:"api_url"`
	Token         string        `mapstructure:"token"`
	TokenHash     string        `mapstructure:"token_hash"`
	BcryptCost    int           `mapstructure:"bcrypt_cost"`
	Simulate      bool          `mapstructure:"simulate"`
	SimulateItems int           `mapstructure:"simulate_items"`
	SimulateDelay time.Duration `mapstructure:"simulate_delay"`
	// SimulateCategories lists the step categories served by the simulated
	// runner when Simulate is set.
	SimulateCategories []string `mapstructure:"simulate_categories"`
}

// StreamConfig tunes the SSE gateway.
type StreamConfig struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Retry     time.Duration `mapstructure:"retry"`
	Buffer    int           `mapstructure:"buffer"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DefaultLimit    int           `mapstructure:"default_limit"`
	DefaultWindow   time.Duration `mapstructure:"default_window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Whitelist       []string      `mapstructure:"whitelist"`
	Blacklist       []string      `mapstructure:"blacklist"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			CORSOrigin:        "*",
		},
		Store: StoreConfig{
			Driver:       DriverMemory,
			SQLitePath:   "agentruns.db",
			EnsureSchema: true,
		},
		Queue: QueueConfig{
			Driver:        DriverMemory,
			Capacity:      256,
			MaxAttempts:   3,
			PollInterval:  time.Second,
			LeaseDuration: 10 * time.Minute,
		},
		Worker: WorkerConfig{
			Embedded:      true,
			Concurrency:   4,
			APIURL:        "http://localhost:8080",
			BcryptCost:    12,
			SimulateItems: 5,
			SimulateDelay: 500 * time.Millisecond,
			SimulateCategories: []string{
				"sourcing", "enrichment", "outreach", "messaging", "other",
			},
		},
		Stream: StreamConfig{
			Heartbeat: 15 * time.Second,
			Retry:     2 * time.Second,
			Buffer:    64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: JWTConfig{
			ExpirationHours: 24,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			DefaultLimit:    1000,
			DefaultWindow:   time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// SetDefaults registers the defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origin", d.Server.CORSOrigin)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("store.database_url", d.Store.DatabaseURL)
	v.SetDefault("store.ensure_schema", d.Store.EnsureSchema)

	v.SetDefault("queue.driver", d.Queue.Driver)
	v.SetDefault("queue.capacity", d.Queue.Capacity)
	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("queue.lease_duration", d.Queue.LeaseDuration)

	v.SetDefault("worker.embedded", d.Worker.Embedded)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.api_url", d.Worker.APIURL)
	v.SetDefault("worker.token", d.Worker.Token)
	v.SetDefault("worker.token_hash", d.Worker.TokenHash)
	v.SetDefault("worker.bcrypt_cost", d.Worker.BcryptCost)
	v.SetDefault("worker.simulate", d.Worker.Simulate)
	v.SetDefault("worker.simulate_items", d.Worker.SimulateItems)
	v.SetDefault("worker.simulate_delay", d.Worker.SimulateDelay)
	v.SetDefault("worker.simulate_categories", d.Worker.SimulateCategories)

	v.SetDefault("stream.heartbeat", d.Stream.Heartbeat)
	v.SetDefault("stream.retry", d.Stream.Retry)
	v.SetDefault("stream.buffer", d.Stream.Buffer)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.expiration_hours", d.Auth.ExpirationHours)

	v.SetDefault("ratelimit.enabled", d.RateLimit.Enabled)
	v.SetDefault("ratelimit.default_limit", d.RateLimit.DefaultLimit)
	v.SetDefault("ratelimit.default_window", d.RateLimit.DefaultWindow)
	v.SetDefault("ratelimit.cleanup_interval", d.RateLimit.CleanupInterval)
	v.SetDefault("ratelimit.whitelist", d.RateLimit.Whitelist)
	v.SetDefault("ratelimit.blacklist", d.RateLimit.Blacklist)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by deployment tooling, kept as fallbacks.
	_ = v.BindEnv("store.database_url", EnvPrefix+"_STORE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("auth.secret", EnvPrefix+"_AUTH_SECRET", "JWT_SECRET")
	_ = v.BindEnv("auth.expiration_hours", EnvPrefix+"_AUTH_EXPIRATION_HOURS", "JWT_EXPIRATION_HOURS")
}

// ReadFile reads an explicit config file into v. An empty path is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config error: '%s' %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d config errors:", len(e))
	for _, err := range e {
		sb.WriteString("\n  ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate checks the settings that every command relies on. Secrets that only
// some commands need are checked by RequireAuth and RequireWorkerToken.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			add("store.database_url", "is required for the postgres store")
		}
	default:
		add("store.driver", "must be one of memory, sqlite, postgres")
	}
	if c.Store.Driver == DriverSQLite && c.Store.SQLitePath == "" {
		add("store.sqlite_path", "is required for the sqlite store")
	}

	switch c.Queue.Driver {
	case DriverMemory:
		if c.Queue.Capacity < 1 {
			add("queue.capacity", "must be at least 1")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			add("store.database_url", "is required for the postgres queue")
		}
		if c.Queue.PollInterval <= 0 {
			add("queue.poll_interval", "must be positive")
		}
		if c.Queue.LeaseDuration <= 0 {
			add("queue.lease_duration", "must be positive")
		}
	default:
		add("queue.driver", "must be one of memory, postgres")
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue.max_attempts", "must be at least 1")
	}

	if c.Worker.Concurrency < 1 {
		add("worker.concurrency", "must be at least 1")
	}
	if c.Stream.Heartbeat <= 0 {
		add("stream.heartbeat", "must be positive")
	}
	if c.Stream.Buffer < 1 {
		add("stream.buffer", "must be at least 1")
	}
	if c.Auth.ExpirationHours < 1 {
		add("auth.expiration_hours", fmt.Sprintf("must be at least 1 hour, got: %d", c.Auth.ExpirationHours))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format", "must be text or json")
	}

	return errs
}

// ErrMissingSecret is returned when a command needs a secret that is not set.
var ErrMissingSecret = errors.New("missing secret")

// RequireAuth checks that bearer tokens can be signed and verified.
func (c *Config) RequireAuth() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("%w: auth.secret (JWT_SECRET) is required", ErrMissingSecret)
	}
	return nil
}

// RequireWorkerToken checks that executor callbacks can be authenticated.
func (c *Config) RequireWorkerToken() error {
	if c.Worker.Token == "" && c.Worker.TokenHash == "" {
		return fmt.Errorf("%w: worker.token or worker.token_hash is required", ErrMissingSecret)
	}
	return nil
}
