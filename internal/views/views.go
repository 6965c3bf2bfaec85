// Package views counts video views. Counts are plain counters: every call
// adds one, there is no per-viewer deduplication.
package views

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vidhub/internal/models"
	"vidhub/internal/observability/logging"
	"vidhub/internal/observability/metrics"
	"vidhub/internal/storage"
)

// ErrVideoNotFound is returned for an unknown or deleted video.
var ErrVideoNotFound = errors.New("video not found")

// Counter records one view of the video with the given public id.
type Counter interface {
	Increment(ctx context.Context, uuid string) error
}

// Store is the slice of storage.Repository view accounting needs.
type Store interface {
	GetVideo(ctx context.Context, uuid string) (models.Video, error)
	IncrementViewCount(ctx context.Context, uuid string, delta int64) (int64, error)
}

// StoreCounter increments the counter directly in the metadata store, which
// performs the addition atomically.
type StoreCounter struct {
	store   Store
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func NewStoreCounter(store Store, logger *slog.Logger, recorder *metrics.Recorder) *StoreCounter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StoreCounter{store: store, metrics: recorder, logger: logging.WithComponent(logger, "views")}
}

func (c *StoreCounter) Increment(ctx context.Context, uuid string) error {
	_, err := c.store.IncrementViewCount(ctx, uuid, 1)
	err = mapStoreErr(uuid, err)
	observe(c.metrics, err)
	return err
}

func mapStoreErr(uuid string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrVideoNotFound
	}
	return fmt.Errorf("increment views for %s: %w", uuid, err)
}

func observe(recorder *metrics.Recorder, err error) {
	if recorder == nil {
		return
	}
	switch {
	case err == nil:
		recorder.ObserveViewIncrement("ok")
	case errors.Is(err, ErrVideoNotFound):
		recorder.ObserveViewIncrement("not_found")
	default:
		recorder.ObserveViewIncrement("error")
	}
}
