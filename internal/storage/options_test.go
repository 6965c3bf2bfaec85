package storage

import (
	"context"
	"testing"
	"time"
)

func TestResolveOptions(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := resolveOptions(" postgres://db ", []Option{
		nil,
		WithClock(func() time.Time { return fixed }),
		WithPostgresPoolLimits(8, 0),
		WithPostgresAcquireTimeout(0),
		WithPostgresPoolDurations(time.Hour, 0, time.Minute),
		WithPostgresApplicationName("  "),
	})

	if cfg.DSN != "postgres://db" {
		t.Fatalf("DSN = %q", cfg.DSN)
	}
	if !cfg.Clock().Equal(fixed) {
		t.Fatalf("clock not applied")
	}
	if cfg.MaxConnections != 8 || cfg.MinConnections != 0 {
		t.Fatalf("pool limits = %d/%d", cfg.MaxConnections, cfg.MinConnections)
	}
	if cfg.AcquireTimeout != defaultPostgresAcquireTimeout {
		t.Fatalf("zero acquire timeout should keep default, got %v", cfg.AcquireTimeout)
	}
	if cfg.MaxConnLifetime != time.Hour || cfg.MaxConnIdleTime != 0 || cfg.HealthCheckInterval != time.Minute {
		t.Fatalf("durations = %+v", cfg)
	}
	if cfg.ApplicationName != defaultPostgresApplication {
		t.Fatalf("blank application name should keep default, got %q", cfg.ApplicationName)
	}
}

func TestResolveOptionsDefaults(t *testing.T) {
	cfg := resolveOptions("dsn", nil)
	if cfg.MinConnections != -1 {
		t.Fatalf("expected pool default min connections, got %d", cfg.MinConnections)
	}
	if cfg.Clock == nil || cfg.Clock().Location() != time.UTC {
		t.Fatal("default clock should report UTC")
	}
}

func TestMemoryRepositoryUsesClockOption(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository(WithClock(func() time.Time { return fixed }), WithPostgresPoolLimits(4, 1))
	user, err := repo.CreateUser(context.Background(), "carol")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if !user.CreatedAt.Equal(fixed) {
		t.Fatalf("CreatedAt = %v", user.CreatedAt)
	}
}
