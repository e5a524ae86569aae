package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"coupon-finder/internal/events"
	"coupon-finder/internal/storage"
	"coupon-finder/internal/tracing"
	"coupon-finder/internal/upstream"
)

// Config holds all application configuration.
type Config struct {
	Environment string             `json:"environment" yaml:"environment"`
	Server      ServerConfig       `json:"server" yaml:"server"`
	Logging     LoggingConfig      `json:"logging" yaml:"logging"`
	Storage     storage.Config     `json:"storage" yaml:"storage"`
	Backend     upstream.Config    `json:"backend" yaml:"backend"`
	Cache       CacheConfig        `json:"cache" yaml:"cache"`
	RateLimit   RateLimitConfig    `json:"rate_limit" yaml:"rate_limit"`
	Scheduler   SchedulerConfig    `json:"scheduler" yaml:"scheduler"`
	Tracing     tracing.Config     `json:"tracing" yaml:"tracing"`
	Kafka       events.KafkaConfig `json:"kafka" yaml:"kafka"`
	Features    map[string]bool    `json:"features" yaml:"features"`
}

// ServerConfig holds the local API listener settings.
type ServerConfig struct {
	Port string `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins  string        `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json or console
}

// CacheConfig tunes the list query cache.
type CacheConfig struct {
	StaleTime time.Duration `json:"stale_time" yaml:"stale_time"` // 0 keeps entries until invalidated
}

// RateLimitConfig throttles the reveal route per client.
type RateLimitConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Rate    int           `json:"rate" yaml:"rate"`
	Window  time.Duration `json:"window" yaml:"window"`
	Burst   int           `json:"burst" yaml:"burst"`
}

// SchedulerConfig controls the built-in daily counter reset.
type SchedulerConfig struct {
	ResetInterval time.Duration `json:"reset_interval" yaml:"reset_interval"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:               "8080",
			Host:               "127.0.0.1",
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     "http://localhost:3000",
			ShutdownTimeout:    10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Storage: storage.Config{
			Driver: "sqlite",
			Path:   "./couponfinder.db",
			Postgres: storage.PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				User:    "postgres",
				DBName:  "couponfinder",
				SSLMode: "disable",
			},
			Redis: storage.RedisConfig{URL: "redis://localhost:6379/0"},
		},
		Backend: upstream.Config{
			BaseURL: "http://localhost:8000",
			Timeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    30,
			Window:  time.Minute,
			Burst:   10,
		},
		Scheduler: SchedulerConfig{ResetInterval: 24 * time.Hour},
		Tracing: tracing.Config{
			Endpoint:    "http://localhost:14268/api/traces",
			ServiceName: tracing.DefaultServiceName,
		},
		Kafka: events.KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "coupon-reveals",
		},
		Features: map[string]bool{},
	}
}

// LoadConfig builds the configuration from defaults, an optional JSON or
// YAML file, a .env file in the working directory and the environment.
// Environment variables take precedence over file values.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Tracing.Environment == "" {
		cfg.Tracing.Environment = cfg.Environment
	}

	return cfg, nil
}

// loadFromFile decodes path by extension: .yaml/.yml as YAML, anything else
// as JSON. Durations in JSON are nanoseconds; YAML accepts "30s" style.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) error {
	var errs []error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.ToLower(v) == "true" || v == "1"
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString("ENVIRONMENT", &cfg.Environment)

	setString("SERVER_PORT", &cfg.Server.Port)
	setString("SERVER_HOST", &cfg.Server.Host)
	setString("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	setDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if v := os.Getenv("MAX_REQUEST_BODY_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_REQUEST_BODY_SIZE: %w", err))
		} else {
			cfg.Server.MaxRequestBodySize = size
		}
	}

	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("LOG_FORMAT", &cfg.Logging.Format)

	setString("STORAGE_DRIVER", &cfg.Storage.Driver)
	setString("DATABASE_PATH", &cfg.Storage.Path)
	setString("POSTGRES_HOST", &cfg.Storage.Postgres.Host)
	setInt("POSTGRES_PORT", &cfg.Storage.Postgres.Port)
	setString("POSTGRES_USER", &cfg.Storage.Postgres.User)
	setString("POSTGRES_PASSWORD", &cfg.Storage.Postgres.Password)
	setString("POSTGRES_DB", &cfg.Storage.Postgres.DBName)
	setString("POSTGRES_SSLMODE", &cfg.Storage.Postgres.SSLMode)
	setString("REDIS_URL", &cfg.Storage.Redis.URL)
	setString("REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	setInt("REDIS_DB", &cfg.Storage.Redis.DB)
	setString("REDIS_KEY_PREFIX", &cfg.Storage.Redis.KeyPrefix)

	setString("BACKEND_URL", &cfg.Backend.BaseURL)
	setDuration("BACKEND_TIMEOUT", &cfg.Backend.Timeout)

	setDuration("CACHE_STALE_TIME", &cfg.Cache.StaleTime)

	setBool("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	setInt("RATE_LIMIT_RATE", &cfg.RateLimit.Rate)
	setDuration("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	setInt("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	setDuration("DAILY_RESET_INTERVAL", &cfg.Scheduler.ResetInterval)

	setBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	setString("JAEGER_ENDPOINT", &cfg.Tracing.Endpoint)
	setString("TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)
	if v := os.Getenv("TRACING_SAMPLE_RATIO"); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATIO: %w", err))
		} else {
			cfg.Tracing.SampleRatio = ratio
		}
	}

	setBool("KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	setString("KAFKA_TOPIC", &cfg.Kafka.Topic)

	// FEATURES=fetch_cache=false,event_hooks=true
	if v := os.Getenv("FEATURES"); v != "" {
		if cfg.Features == nil {
			cfg.Features = map[string]bool{}
		}
		for _, pair := range splitList(v) {
			name, value, ok := strings.Cut(pair, "=")
			if !ok {
				errs = append(errs, fmt.Errorf("FEATURES: %q is not name=bool", pair))
				continue
			}
			enabled, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				errs = append(errs, fmt.Errorf("FEATURES: %s: %w", name, err))
				continue
			}
			cfg.Features[strings.TrimSpace(name)] = enabled
		}
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Origins returns the allowed CORS origins.
func (c *Config) Origins() []string {
	return splitList(c.Server.AllowedOrigins)
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxRequestBodySize <= 0 {
		return fmt.Errorf("max request body size must be positive")
	}

	switch c.Storage.Driver {
	case "", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("database path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.DBName == "" {
			return fmt.Errorf("postgres host and database name are required")
		}
	case "redis":
		if c.Storage.Redis.URL == "" {
			return fmt.Errorf("redis url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend url must be an absolute http(s) URL, got %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend timeout cannot be negative")
	}
	if c.Cache.StaleTime < 0 {
		return fmt.Errorf("cache stale time cannot be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Scheduler.ResetInterval < 0 {
		return fmt.Errorf("reset interval cannot be negative")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka brokers and topic are required when kafka is enabled")
	}
	return nil
}
