package invocationlog

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/loggingutil"
)

// RetryConfig bounds how hard WithRetry tries before giving up.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// WithRetry wraps inner so each call is attempted up to MaxAttempts times
// with doubling delays. The final error is logged and returned.
func WithRetry(inner Logger, cfg RetryConfig, clk clock.Clock, logger pslog.Logger) Logger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	return &retrying{
		inner:  inner,
		cfg:    cfg,
		clock:  clock.Ensure(clk),
		logger: loggingutil.WithSubsystem(logger, "invocationlog"),
	}
}

type retrying struct {
	inner  Logger
	cfg    RetryConfig
	clock  clock.Clock
	logger pslog.Logger
}

func (r *retrying) LogStarted(ctx context.Context, instance *FunctionInstance) (string, error) {
	var id string
	err := r.do(ctx, "log_started", instance.ID, func(ctx context.Context) error {
		var err error
		id, err = r.inner.LogStarted(ctx, instance)
		return err
	})
	return id, err
}

func (r *retrying) LogCompleted(ctx context.Context, instance *FunctionInstance) error {
	return r.do(ctx, "log_completed", instance.ID, func(ctx context.Context) error {
		return r.inner.LogCompleted(ctx, instance)
	})
}

func (r *retrying) DeleteStarted(ctx context.Context, logID string) error {
	return r.do(ctx, "delete_started", logID, func(ctx context.Context) error {
		return r.inner.DeleteStarted(ctx, logID)
	})
}

// Query forwards to inner when it is a Querier.
func (r *retrying) Query(ctx context.Context, filter Filter) ([]*FunctionInstance, error) {
	if q, ok := r.inner.(Querier); ok {
		return q.Query(ctx, filter)
	}
	return nil, nil
}

// Running forwards to inner when it is a Querier.
func (r *retrying) Running(ctx context.Context) ([]*FunctionInstance, error) {
	if q, ok := r.inner.(Querier); ok {
		return q.Running(ctx)
	}
	return nil, nil
}

func (r *retrying) do(ctx context.Context, op, id string, fn func(context.Context) error) error {
	delay := r.cfg.BaseDelay
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == r.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		r.logger.Debug("invocationlog.retry", "operation", op, "id", id, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			r.logger.Warn("invocationlog.write_failed", "operation", op, "id", id, "error", err)
			return err
		case <-r.clock.After(delay):
		}
		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	r.logger.Warn("invocationlog.write_failed", "operation", op, "id", id, "error", err)
	return err
}
