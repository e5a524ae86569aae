// Package storage holds the durable key-value backends the session uses to
// survive restarts. Each record is an opaque byte slice under a string key.
package storage

import (
	"context"
	"errors"
	"fmt"

	"coupon-finder/internal/logger"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable key-value record store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // sqlite, postgres, redis, memory
	Path     string         `json:"path" yaml:"path"`     // sqlite file
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.Postgres)
	case "redis":
		return NewRedis(ctx, cfg.Redis)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// OpenOrMemory is Open for callers that must not fail: when the configured
// backend cannot be opened it logs a warning and returns an in-memory store,
// so the session starts from defaults and lives for the process only.
func OpenOrMemory(ctx context.Context, cfg Config) Store {
	s, err := Open(ctx, cfg)
	if err != nil {
		logger.Warn("session storage unavailable, keeping state in memory",
			logger.String("driver", cfg.Driver), logger.Err(err))
		return NewMemory()
	}
	return s
}
