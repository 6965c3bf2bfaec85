package main

import (
	"context"
	"log/slog"
	"time"
)

type workTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) workTicker

func newTimeTicker(d time.Duration) workTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// periodicTask is one unit of background work. Errors are logged and the
// next tick runs regardless.
type periodicTask func(ctx context.Context) error

// runPeriodic runs task on every tick until ctx is done. When final is set
// the task runs once more after cancellation with a detached context, so
// buffered state is not lost on shutdown.
func runPeriodic(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, task periodicTask, final bool, newTicker tickerFactory) error {
	if task == nil || interval <= 0 {
		return nil
	}
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	ticker := newTicker(interval)
	defer ticker.Stop()
	logger.Info("background worker started", "worker", name, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			if final {
				finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				if err := task(finalCtx); err != nil {
					logger.Error("final background run failed", "worker", name, "error", err)
				}
				cancel()
			}
			logger.Info("background worker stopped", "worker", name)
			return nil
		case <-ticker.C():
			if err := task(ctx); err != nil && ctx.Err() == nil {
				logger.Error("background run failed", "worker", name, "error", err)
			}
		}
	}
}
