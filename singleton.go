package fnhost

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/lease"
	"pkt.systems/fnhost/internal/lifecycle"
	"pkt.systems/fnhost/internal/loggingutil"
)

type singletonConfig struct {
	Name     string
	Resource string
	Owner    string
	Store    lease.Store
	TTL      time.Duration
	// NewListener builds a fresh inner listener for every lease term.
	NewListener func() (lifecycle.Listener, error)
	Clock       clock.Clock
	Logger      pslog.Logger
}

// singletonListener runs its inner listener only while holding a lease.
// Start returns immediately; acquisition is retried every TTL/2 until Stop.
type singletonListener struct {
	cfg    singletonConfig
	clock  clock.Clock
	logger pslog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopCtx context.Context
	stopErr error
	active  bool
}

func newSingletonListener(cfg singletonConfig) *singletonListener {
	return &singletonListener{
		cfg:    cfg,
		clock:  clock.Ensure(cfg.Clock),
		logger: loggingutil.WithSubsystem(cfg.Logger, "host", "singleton").With("function", cfg.Name, "resource", cfg.Resource),
	}
}

func (s *singletonListener) Name() string { return s.cfg.Name }

// Active reports whether this host currently holds the lease and runs the
// inner listener.
func (s *singletonListener) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *singletonListener) Start(ctx context.Context) error {
	if err := lease.ValidateResource(s.cfg.Resource); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return lifecycle.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	return nil
}

func (s *singletonListener) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCtx = ctx
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()
	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *singletonListener) run(ctx context.Context) {
	defer close(s.done)
	retry := s.cfg.TTL / 2
	for {
		guard, err := lease.Hold(ctx, s.cfg.Store, s.cfg.Resource, s.cfg.Owner, lease.GuardConfig{
			TTL:    s.cfg.TTL,
			Clock:  s.clock,
			Logger: s.cfg.Logger,
		})
		switch {
		case err == nil:
			if !s.term(ctx, guard) {
				return
			}
		case errors.Is(err, lease.ErrLeaseHeld):
			s.logger.Debug("singleton.lease.held")
		case ctx.Err() != nil:
			return
		default:
			s.logger.Warn("singleton.lease.acquire_error", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(retry):
		}
	}
}

// term runs the inner listener for one lease term. It returns false once
// the singleton is stopping.
func (s *singletonListener) term(ctx context.Context, guard *lease.Guard) bool {
	release := func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := guard.Release(relCtx); err != nil && !errors.Is(err, lease.ErrLeaseLost) {
			s.logger.Warn("singleton.lease.release_error", "error", err)
		}
	}
	inner, err := s.cfg.NewListener()
	if err == nil {
		err = inner.Start(ctx)
	}
	if err != nil {
		s.logger.Error("singleton.listener.start_error", "error", err)
		release()
		return ctx.Err() == nil
	}
	s.setActive(true)
	s.logger.Info("singleton.active", "fencing", guard.Lease().Fencing)
	select {
	case <-ctx.Done():
		err := inner.Stop(s.stopContext())
		s.setActive(false)
		release()
		s.mu.Lock()
		s.stopErr = err
		s.mu.Unlock()
		return false
	case <-guard.Lost():
		s.logger.Warn("singleton.lease.lost", "error", guard.Err())
		stopCtx, cancel := context.WithTimeout(ctx, s.cfg.TTL)
		defer cancel()
		if err := inner.Stop(stopCtx); err != nil {
			s.logger.Warn("singleton.listener.stop_error", "error", err)
		}
		s.setActive(false)
		return ctx.Err() == nil
	}
}

func (s *singletonListener) setActive(v bool) {
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
}

func (s *singletonListener) stopContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCtx != nil {
		return s.stopCtx
	}
	return context.Background()
}
