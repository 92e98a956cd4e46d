// Package lifecycle starts and stops every function listener of a host
// together, isolating start failures per listener and bounding shutdown by a
// grace period.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/loggingutil"
)

// DefaultGrace bounds StopAll when the caller passes no positive grace.
const DefaultGrace = 10 * time.Second

// ErrAlreadyStarted is returned by StartAll and Add after StartAll ran.
var ErrAlreadyStarted = errors.New("lifecycle: already started")

// Listener is one startable trigger source.
type Listener interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// FunctionListenerError wraps a listener start or stop failure.
type FunctionListenerError struct {
	Function string
	Op       string
	Err      error
}

func (e *FunctionListenerError) Error() string {
	return fmt.Sprintf("lifecycle: listener for function %s failed to %s: %v", e.Function, e.Op, e.Err)
}

func (e *FunctionListenerError) Unwrap() error { return e.Err }

// StartFailureHandler decides whether a listener start failure is fatal.
// Returning false records the failure and keeps the host running.
type StartFailureHandler func(ctx context.Context, err *FunctionListenerError) (fatal bool)

// Config configures a Coordinator.
type Config struct {
	OnStartFailure StartFailureHandler
	// DefaultGrace replaces a non-positive grace passed to StopAll. Zero
	// means DefaultGrace.
	DefaultGrace time.Duration
	Logger       pslog.Logger
}

// Coordinator owns the set of listeners.
type Coordinator struct {
	onStartFailure StartFailureHandler
	defaultGrace   time.Duration
	logger         pslog.Logger

	mu        sync.Mutex
	listeners []Listener
	running   []Listener
	failed    []*FunctionListenerError
	started   bool
}

// New returns an empty Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.DefaultGrace <= 0 {
		cfg.DefaultGrace = DefaultGrace
	}
	return &Coordinator{
		onStartFailure: cfg.OnStartFailure,
		defaultGrace:   cfg.DefaultGrace,
		logger:         loggingutil.WithSubsystem(cfg.Logger, "host", "lifecycle"),
	}
}

// Add registers l. Listeners must be added before StartAll.
func (c *Coordinator) Add(l Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.listeners = append(c.listeners, l)
	return nil
}

// Running lists the names of listeners that started successfully.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.running))
	for _, l := range c.running {
		names = append(names, l.Name())
	}
	return names
}

// Failed returns the start failures that were not fatal.
func (c *Coordinator) Failed() []*FunctionListenerError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FunctionListenerError(nil), c.failed...)
}

// StartAll starts every listener concurrently. A failing listener never
// prevents the others from starting. The returned error aggregates only the
// failures the StartFailureHandler marked fatal.
func (c *Coordinator) StartAll(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	var (
		mu    sync.Mutex
		fatal *multierror.Error
	)
	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			err := l.Start(ctx)
			if err == nil {
				c.mu.Lock()
				c.running = append(c.running, l)
				c.mu.Unlock()
				c.logger.Info("listener.start.success", "function", l.Name())
				return nil
			}
			lerr := &FunctionListenerError{Function: l.Name(), Op: "start", Err: err}
			if c.onStartFailure != nil && c.onStartFailure(ctx, lerr) {
				c.logger.Error("listener.start.fatal", "function", l.Name(), "error", err)
				mu.Lock()
				fatal = multierror.Append(fatal, lerr)
				mu.Unlock()
				return nil
			}
			c.logger.Error("listener.start.failed", "function", l.Name(), "error", err)
			c.mu.Lock()
			c.failed = append(c.failed, lerr)
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return fatal.ErrorOrNil()
}

// StopAll stops every running listener concurrently. Each listener cancels
// its in-flight work immediately; StopAll then waits up to grace before
// abandoning the stragglers and reporting them. A non-positive grace falls
// back to the configured default so shutdown is always bounded.
func (c *Coordinator) StopAll(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = c.defaultGrace
	}
	c.mu.Lock()
	running := append([]Listener(nil), c.running...)
	c.running = nil
	c.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	var g errgroup.Group
	for _, l := range running {
		l := l
		g.Go(func() error {
			if err := l.Stop(stopCtx); err != nil {
				if stopCtx.Err() != nil {
					c.logger.Warn("listener.stop.abandoned", "function", l.Name(), "grace", grace, "error", err)
				} else {
					c.logger.Error("listener.stop.failed", "function", l.Name(), "error", err)
				}
				mu.Lock()
				errs = multierror.Append(errs, &FunctionListenerError{Function: l.Name(), Op: "stop", Err: err})
				mu.Unlock()
				return nil
			}
			c.logger.Info("listener.stop.success", "function", l.Name())
			return nil
		})
	}
	_ = g.Wait()
	return errs.ErrorOrNil()
}
