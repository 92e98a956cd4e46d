// Package retry repeats storage calls that failed with a transient error.
package retry

import (
	"context"
	"time"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/poll"
	"pkt.systems/fnhost/internal/storage"
	"pkt.systems/pslog"
)

// Config bounds the attempts. Delays double from BaseDelay up to MaxDelay.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backend wraps another backend. Errors not marked storage.Transient are
// returned on the first attempt.
type Backend struct {
	next   storage.Backend
	log    pslog.Logger
	clock  clock.Clock
	policy Config
}

// Wrap returns next with retries applied, or nil when next is nil.
func Wrap(next storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if next == nil {
		return nil
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Backend{next: next, log: logger, clock: clock.Ensure(clk), policy: cfg}
}

func (b *Backend) List(ctx context.Context, prefix, after string, limit int) (page storage.Page, err error) {
	err = b.do(ctx, "list", prefix, func() error {
		page, err = b.next.List(ctx, prefix, after, limit)
		return err
	})
	return page, err
}

func (b *Backend) Get(ctx context.Context, key string) (obj storage.Object, err error) {
	err = b.do(ctx, "get", key, func() error {
		obj, err = b.next.Get(ctx, key)
		return err
	})
	return obj, err
}

// Put resends data unchanged. A retried conditional write that already
// landed on the first try reports ErrConflict, which callers treat as a lost
// race and reload.
func (b *Backend) Put(ctx context.Context, key string, data []byte, pre storage.Precondition) (obj storage.Object, err error) {
	err = b.do(ctx, "put", key, func() error {
		obj, err = b.next.Put(ctx, key, data, pre)
		return err
	})
	return obj, err
}

func (b *Backend) Delete(ctx context.Context, key string, pre storage.Precondition) error {
	return b.do(ctx, "delete", key, func() error {
		return b.next.Delete(ctx, key, pre)
	})
}

func (b *Backend) Close() error { return b.next.Close() }

// Watch passes through to the wrapped backend.
func (b *Backend) Watch(prefix string) (storage.Subscription, error) {
	return storage.Watch(b.next, prefix)
}

func (b *Backend) do(ctx context.Context, op, key string, call func() error) error {
	delays := poll.NewBackoff(b.policy.BaseDelay, b.policy.MaxDelay)
	for attempt := 1; ; attempt++ {
		err := call()
		if err == nil || attempt >= b.policy.MaxAttempts || !storage.IsTransient(err) {
			return err
		}
		wait := delays.Current()
		b.log.Warn("storage.retry", "op", op, "key", key, "attempt", attempt, "of", b.policy.MaxAttempts, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(wait):
		}
		delays.Next(false)
	}
}
