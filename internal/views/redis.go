package views

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"vidhub/internal/observability/logging"
	"vidhub/internal/observability/metrics"
	"vidhub/internal/storage"
)

const (
	defaultKeyPrefix  = "vidhub:views:"
	defaultFlushBatch = 100
)

// RedisConfig describes how buffered counts are kept in Redis.
type RedisConfig struct {
	// KeyPrefix namespaces the per-video counters and the dirty set.
	KeyPrefix string
	// FlushBatch caps how many dirty ids one SPOP returns.
	FlushBatch int
}

// RedisCounter buffers increments in Redis and applies them to the store in
// batches through Flush. The read path never waits on the metadata store's
// write lock.
type RedisCounter struct {
	client  redis.UniversalClient
	store   Store
	prefix  string
	batch   int
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func NewRedisCounter(client redis.UniversalClient, store Store, cfg RedisConfig, logger *slog.Logger, recorder *metrics.Recorder) *RedisCounter {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	batch := cfg.FlushBatch
	if batch <= 0 {
		batch = defaultFlushBatch
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisCounter{
		client:  client,
		store:   store,
		prefix:  prefix,
		batch:   batch,
		metrics: recorder,
		logger:  logging.WithComponent(logger, "views"),
	}
}

func (c *RedisCounter) counterKey(uuid string) string { return c.prefix + "count:" + uuid }

func (c *RedisCounter) dirtyKey() string { return c.prefix + "dirty" }

// Increment checks the video exists, then bumps its buffered counter and
// marks it dirty in a single round trip.
func (c *RedisCounter) Increment(ctx context.Context, uuid string) error {
	err := c.increment(ctx, uuid)
	observe(c.metrics, err)
	return err
}

func (c *RedisCounter) increment(ctx context.Context, uuid string) error {
	if _, err := c.store.GetVideo(ctx, uuid); err != nil {
		return mapStoreErr(uuid, err)
	}
	pipe := c.client.Pipeline()
	pipe.Incr(ctx, c.counterKey(uuid))
	pipe.SAdd(ctx, c.dirtyKey(), uuid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer view for %s: %w", uuid, err)
	}
	return nil
}

// Pending returns the buffered count for uuid that has not been flushed.
func (c *RedisCounter) Pending(ctx context.Context, uuid string) (int64, error) {
	n, err := c.client.Get(ctx, c.counterKey(uuid)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Flush drains the dirty set, moving each buffered count into the store with
// its atomic increment. A count the store rejects is put back for the next
// flush unless the video no longer exists. It returns the number of views
// applied.
func (c *RedisCounter) Flush(ctx context.Context) (int64, error) {
	type delta struct {
		uuid  string
		count int64
	}
	var (
		applied  int64
		requeue  []delta
		firstErr error
	)
	for {
		ids, err := c.client.SPopN(ctx, c.dirtyKey(), int64(c.batch)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			firstErr = fmt.Errorf("pop dirty views: %w", err)
			break
		}
		for _, uuid := range ids {
			raw, err := c.client.GetDel(ctx, c.counterKey(uuid)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				// The counter is still in Redis; mark it dirty again.
				requeue = append(requeue, delta{uuid: uuid})
				if firstErr == nil {
					firstErr = fmt.Errorf("read buffered views for %s: %w", uuid, err)
				}
				continue
			}
			count, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || count <= 0 {
				c.logger.Warn("dropping malformed buffered view count", "video_id", uuid, "value", raw)
				continue
			}
			if _, err := c.store.IncrementViewCount(ctx, uuid, count); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					c.logger.Info("dropping views for missing video", "video_id", uuid, "count", count)
					continue
				}
				requeue = append(requeue, delta{uuid: uuid, count: count})
				if firstErr == nil {
					firstErr = fmt.Errorf("apply %d views to %s: %w", count, uuid, err)
				}
				continue
			}
			applied += count
		}
		if len(ids) < c.batch {
			break
		}
	}

	for _, d := range requeue {
		pipe := c.client.Pipeline()
		if d.count > 0 {
			pipe.IncrBy(ctx, c.counterKey(d.uuid), d.count)
		}
		pipe.SAdd(ctx, c.dirtyKey(), d.uuid)
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.Error("failed to requeue buffered views", "video_id", d.uuid, "count", d.count, "error", err)
		}
	}
	if c.metrics != nil {
		c.metrics.ObserveViewsFlushed(applied)
	}
	return applied, firstErr
}
