package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/loggingutil"
)

// GuardConfig configures Hold.
type GuardConfig struct {
	TTL    time.Duration
	Clock  clock.Clock
	Logger pslog.Logger
}

// Guard holds a lease and renews it at half its TTL until released or lost.
type Guard struct {
	store  Store
	ttl    time.Duration
	clock  clock.Clock
	logger pslog.Logger

	mu      sync.Mutex
	current Lease
	err     error

	lost     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Hold acquires resource for owner and starts renewing it in the background.
// It returns ErrLeaseHeld without blocking when another owner holds it.
func Hold(ctx context.Context, store Store, resource, owner string, cfg GuardConfig) (*Guard, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("lease: ttl must be positive")
	}
	l, err := store.Acquire(ctx, resource, owner, cfg.TTL)
	if err != nil {
		return nil, err
	}
	g := &Guard{
		store:   store,
		ttl:     cfg.TTL,
		clock:   clock.Ensure(cfg.Clock),
		logger:  loggingutil.WithSubsystem(cfg.Logger, "lease", "guard").With("resource", resource, "owner", owner),
		current: l,
		lost:    make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	g.logger.Info("lease.acquired", "fencing", l.Fencing, "expires_at", l.ExpiresAt)
	go g.renewLoop()
	return g, nil
}

// Lease returns the most recently granted lease.
func (g *Guard) Lease() Lease {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Lost is closed when renewal fails for good.
func (g *Guard) Lost() <-chan struct{} {
	return g.lost
}

// Err reports why the lease was lost.
func (g *Guard) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Release stops renewal and gives the lease back.
func (g *Guard) Release(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stop) })
	select {
	case <-g.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-g.lost:
		return nil
	default:
	}
	err := g.store.Release(ctx, g.Lease())
	if err != nil && !errors.Is(err, ErrLeaseLost) {
		return err
	}
	g.logger.Info("lease.released")
	return nil
}

func (g *Guard) renewLoop() {
	defer close(g.done)
	for {
		select {
		case <-g.stop:
			return
		case <-g.clock.After(g.ttl / 2):
		}
		current := g.Lease()
		ctx, cancel := context.WithTimeout(context.Background(), g.ttl/2)
		next, err := g.store.Renew(ctx, current, g.ttl)
		cancel()
		if err == nil {
			g.mu.Lock()
			g.current = next
			g.mu.Unlock()
			g.logger.Trace("lease.renewed", "expires_at", next.ExpiresAt)
			continue
		}
		if errors.Is(err, ErrLeaseLost) || current.Expired(g.clock.Now()) {
			g.markLost(err)
			return
		}
		g.logger.Warn("lease.renew.error", "error", err)
	}
}

func (g *Guard) markLost(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
	g.logger.Warn("lease.lost", "error", err)
	close(g.lost)
}
