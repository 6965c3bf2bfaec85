package ingest

import (
	"context"
	"log/slog"
)

type compensation struct {
	name string
	undo func(context.Context) error
}

// rollback collects compensating actions for durable writes and runs them
// newest first.
type rollback struct {
	steps []compensation
}

func (r *rollback) add(name string, undo func(context.Context) error) {
	r.steps = append(r.steps, compensation{name: name, undo: undo})
}

// run executes every compensation even when some fail. It detaches from the
// caller's cancellation so an aborted request still cleans up.
func (r *rollback) run(ctx context.Context, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.undo(ctx); err != nil {
			logger.ErrorContext(ctx, "rollback step failed", "step", step.name, "error", err)
		}
	}
	r.steps = nil
}
