package storage

import (
	"strings"
	"time"
)

const (
	defaultPostgresAcquireTimeout = 5 * time.Second
	defaultPostgresApplication    = "vidhub"
)

// PostgresConfig holds the pool settings applied by NewPostgresRepository.
// Zero values leave the pgxpool defaults in place.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

// Option adjusts repository construction. Both implementations accept the
// same options; the in-memory repository reads only the clock.
type Option func(*PostgresConfig)

func resolveOptions(dsn string, opts []Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             strings.TrimSpace(dsn),
		MinConnections:  -1,
		AcquireTimeout:  defaultPostgresAcquireTimeout,
		ApplicationName: defaultPostgresApplication,
		Clock:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithClock overrides the source of record timestamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *PostgresConfig) {
		if now != nil {
			cfg.Clock = now
		}
	}
}

// WithPostgresPoolLimits caps the pool; a negative minConns keeps the default.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds how long a call waits for a pooled
// connection. The same deadline covers the statement run on it.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}
