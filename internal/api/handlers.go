// Package api exposes the media endpoints: uploads, presigned upload
// confirmation, streaming and view counting.
package api

import (
	"context"
	"errors"
	"log/slog"

	"vidhub/internal/ingest"
	"vidhub/internal/observability/logging"
	"vidhub/internal/playback"
	"vidhub/internal/views"
)

// Pinger is anything whose reachability the health endpoint reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler groups the HTTP handlers. Every dependency is shared across
// requests and must be safe for concurrent use.
type Handler struct {
	Pipeline *ingest.Pipeline
	Playback *playback.Responder
	Views    views.Counter
	Logger   *slog.Logger

	// Components are pinged by Health, keyed by the name they report under.
	Components map[string]Pinger
}

// HandlerConfig carries the collaborators for NewHandler.
type HandlerConfig struct {
	Pipeline   *ingest.Pipeline
	Playback   *playback.Responder
	Views      views.Counter
	Logger     *slog.Logger
	Components map[string]Pinger
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("api: ingest pipeline is required")
	}
	if cfg.Playback == nil {
		return nil, errors.New("api: playback responder is required")
	}
	if cfg.Views == nil {
		return nil, errors.New("api: view counter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		Pipeline:   cfg.Pipeline,
		Playback:   cfg.Playback,
		Views:      cfg.Views,
		Logger:     logging.WithComponent(logger, "api"),
		Components: cfg.Components,
	}, nil
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.Logger)
}
