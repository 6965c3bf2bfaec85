package mediastore

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Driver    string
	LocalRoot string
	S3        S3Config
}

// Open builds the backend named by cfg.Driver. An empty driver selects the
// local filesystem.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverLocal:
		return NewLocalBackend(cfg.LocalRoot)
	case DriverS3:
		return NewS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Driver)
	}
}
