// Package gc removes media bytes that no live record points at: objects of
// soft-deleted videos and of presigned uploads that were never confirmed.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vidhub/internal/mediastore"
	"vidhub/internal/models"
	"vidhub/internal/observability/logging"
	"vidhub/internal/observability/metrics"
	"vidhub/internal/storage"
)

const defaultBatchSize = 100

// Store is the slice of storage.Repository the collector needs.
type Store interface {
	ListPurgeableVideos(ctx context.Context, limit int) ([]models.Video, error)
	ListStalePendingVideos(ctx context.Context, cutoff time.Time, limit int) ([]models.Video, error)
	MarkVideoPurged(ctx context.Context, uuid string, status models.VideoStatus) error
}

// Report summarises one pass.
type Report struct {
	Purged  int `json:"purged"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
	// Skipped counts stale uploads confirmed while the pass was running.
	Skipped int `json:"skipped"`
}

// Config controls a Collector.
type Config struct {
	// PendingTTL is how long a pending upload may wait for confirmation.
	PendingTTL time.Duration
	// BatchSize caps how many records of each kind one pass handles.
	BatchSize int
	Clock     func() time.Time
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Collector struct {
	store      Store
	backend    mediastore.Backend
	pendingTTL time.Duration
	batch      int
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

func NewCollector(store Store, backend mediastore.Backend, cfg Config) (*Collector, error) {
	if store == nil || backend == nil {
		return nil, errors.New("gc: store and backend are required")
	}
	if cfg.PendingTTL <= 0 {
		return nil, errors.New("gc: pending TTL must be positive")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Collector{
		store:      store,
		backend:    backend,
		pendingTTL: cfg.PendingTTL,
		batch:      batch,
		now:        now,
		logger:     logging.WithComponent(logger, "gc"),
		metrics:    cfg.Metrics,
	}, nil
}

// RunOnce purges soft-deleted videos and expires stale pending uploads. A
// failure on one record is counted and the pass continues; the error return
// is reserved for listing failures.
func (c *Collector) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	purgeable, err := c.store.ListPurgeableVideos(ctx, c.batch)
	if err != nil {
		return report, fmt.Errorf("list purgeable videos: %w", err)
	}
	for _, video := range purgeable {
		if err := c.collect(ctx, video); err != nil {
			report.Failed++
			c.logger.Error("failed to purge video", "video_id", video.UUID, "error", err)
			continue
		}
		report.Purged++
	}

	cutoff := c.now().Add(-c.pendingTTL)
	stale, err := c.store.ListStalePendingVideos(ctx, cutoff, c.batch)
	if err != nil {
		c.record(report)
		return report, fmt.Errorf("list stale uploads: %w", err)
	}
	for _, video := range stale {
		if err := c.expire(ctx, video); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				report.Skipped++
				c.logger.Info("pending upload confirmed before expiry", "video_id", video.UUID)
				continue
			}
			report.Failed++
			c.logger.Error("failed to expire pending upload", "video_id", video.UUID, "error", err)
			continue
		}
		report.Expired++
	}

	c.record(report)
	if report.Purged+report.Expired+report.Failed+report.Skipped > 0 {
		c.logger.Info("media gc pass finished", "purged", report.Purged, "expired", report.Expired, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report, nil
}

// collect deletes both objects, then marks the record.
func (c *Collector) collect(ctx context.Context, video models.Video) error {
	if err := c.deleteObjects(ctx, video); err != nil {
		return err
	}
	if err := c.store.MarkVideoPurged(ctx, video.UUID, ""); err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	return nil
}

// expire claims a stale pending record before touching its objects so a
// confirm that wins the race keeps its bytes.
func (c *Collector) expire(ctx context.Context, video models.Video) error {
	if err := c.store.MarkVideoPurged(ctx, video.UUID, models.VideoStatusExpired); err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return c.deleteObjects(ctx, video)
}

// deleteObjects removes the video and thumbnail objects. Objects that are
// already gone count as deleted.
func (c *Collector) deleteObjects(ctx context.Context, video models.Video) error {
	for _, key := range []string{video.VideoPath, video.ThumbnailPath} {
		if key == "" {
			continue
		}
		if err := c.backend.Delete(ctx, key); err != nil && !errors.Is(err, mediastore.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

func (c *Collector) record(report Report) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveGC("purged", report.Purged)
	c.metrics.ObserveGC("expired", report.Expired)
	c.metrics.ObserveGC("failed", report.Failed)
	c.metrics.ObserveGC("skipped", report.Skipped)
}
