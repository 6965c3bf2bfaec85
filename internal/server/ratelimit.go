package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const defaultRateLimitPrefix = "vidhub:ratelimit:"

// RateLimitConfig bounds request throughput. The global bucket applies to
// every request; the upload limit is counted per client IP over
// UploadWindow and applies only to the upload routes.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	UploadLimit  int
	UploadWindow time.Duration

	// Redis, when set, holds upload counters so the limit is shared by every
	// replica.
	Redis        redis.UniversalClient
	RedisTimeout time.Duration
	KeyPrefix    string

	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global       *rate.Limiter
	uploadLimit  int
	uploadWindow time.Duration
	store        tokenStore
	prefix       string

	mu      sync.Mutex
	clients map[string]*clientLimiter
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	if cfg.GlobalRPS < 0 || cfg.GlobalBurst < 0 {
		return nil, fmt.Errorf("global rate limit must not be negative")
	}
	if cfg.UploadLimit < 0 {
		return nil, fmt.Errorf("upload limit must not be negative")
	}
	rl := &rateLimiter{
		uploadLimit:  cfg.UploadLimit,
		uploadWindow: cfg.UploadWindow,
		prefix:       cfg.KeyPrefix,
		clients:      make(map[string]*clientLimiter),
		now:          time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if rl.prefix == "" {
		rl.prefix = defaultRateLimitPrefix
	}
	if cfg.Redis != nil && rl.uploadLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.Redis, timeout)
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowUpload reports whether key may start another upload and, if not, how
// long it should wait.
func (r *rateLimiter) AllowUpload(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, r.prefix+"upload:"+key, r.uploadLimit, r.uploadWindow)
	}

	now := r.now()
	limiter := r.clientLimiter(key, now)
	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}
	reservation.CancelAt(now)
	return false, roundUpToSecond(delay), nil
}

// clientLimiter refills uploadLimit tokens per uploadWindow. Limiters idle for
// two windows are dropped.
func (r *rateLimiter) clientLimiter(key string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-2 * r.uploadWindow)
	for k, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, k)
		}
	}
	c, ok := r.clients[key]
	if !ok {
		every := r.uploadWindow / time.Duration(r.uploadLimit)
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(every), r.uploadLimit)}
		r.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// roundUpToSecond rounds d up to whole seconds for Retry-After.
func roundUpToSecond(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	rounded := d.Truncate(time.Second)
	if rounded < d {
		rounded += time.Second
	}
	return rounded
}
