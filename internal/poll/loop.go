// Package poll runs a recurring command on an adaptive schedule.
package poll

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/loggingutil"
)

// ErrInvalidState is returned when Start or Stop is called in a state that
// does not allow it.
var ErrInvalidState = errors.New("poll: invalid state")

// State is the lifecycle position of a Loop.
type State int32

// Loop states.
const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Command is one unit of recurring work. It returns the wait before the next
// execution.
type Command interface {
	Execute(ctx context.Context) (time.Duration, error)
}

// CommandFunc adapts a function to Command.
type CommandFunc func(ctx context.Context) (time.Duration, error)

// Execute calls f.
func (f CommandFunc) Execute(ctx context.Context) (time.Duration, error) { return f(ctx) }

// ExceptionHandler receives failures that escape a command.
type ExceptionHandler interface {
	OnUnhandledException(ctx context.Context, err error)
}

// ExceptionHandlerFunc adapts a function to ExceptionHandler.
type ExceptionHandlerFunc func(ctx context.Context, err error)

// OnUnhandledException calls f.
func (f ExceptionHandlerFunc) OnUnhandledException(ctx context.Context, err error) { f(ctx, err) }

// Config configures a Loop.
type Config struct {
	Name    string
	Command Command
	// Handler receives non-cancellation errors immediately. Defaults to
	// logging them.
	Handler ExceptionHandler
	// ErrorBackoff supplies the wait after a failed execution that returned
	// no interval of its own.
	ErrorBackoff *Backoff
	InitialDelay time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

// Loop executes a Command repeatedly until stopped. It moves through
// Created, Running, Stopping and Stopped.
type Loop struct {
	name     string
	cmd      Command
	handler  ExceptionHandler
	errors   *Backoff
	initial  time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	state    atomic.Int32
	disposed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// New constructs a Loop in the Created state.
func New(cfg Config) (*Loop, error) {
	if cfg.Command == nil {
		return nil, fmt.Errorf("poll: command required")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "poll", cfg.Name)
	if cfg.ErrorBackoff == nil {
		cfg.ErrorBackoff = NewBackoff(time.Second, time.Minute)
	}
	l := &Loop{
		name:    cfg.Name,
		cmd:     cfg.Command,
		handler: cfg.Handler,
		errors:  cfg.ErrorBackoff,
		initial: cfg.InitialDelay,
		clock:   clock.Ensure(cfg.Clock),
		logger:  logger,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	if l.handler == nil {
		l.handler = ExceptionHandlerFunc(func(_ context.Context, err error) {
			logger.Error("poll.command.unhandled", "error", err)
		})
	}
	return l, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Done is closed once the command sequence has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Start launches the command sequence without blocking.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed.Load() || !l.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return fmt.Errorf("%w: start in %s", ErrInvalidState, l.State())
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
	l.logger.Debug("poll.loop.started")
	return nil
}

// Notify ends the current wait early so the command runs now.
func (l *Loop) Notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the command sequence and waits for the in-flight execution or
// ctx, whichever comes first. The loop is Stopped afterwards either way; the
// returned error reports an abandoned execution.
func (l *Loop) Stop(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("%w: stop in %s", ErrInvalidState, l.State())
	}
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	cancel()
	defer l.state.Store(int32(StateStopped))
	select {
	case <-l.done:
		l.logger.Debug("poll.loop.stopped")
		return nil
	case <-ctx.Done():
		l.logger.Warn("poll.loop.stop_abandoned", "error", ctx.Err())
		return fmt.Errorf("poll: stop %s: %w", l.name, ctx.Err())
	}
}

// Close cancels any running sequence and prevents future starts. It is
// idempotent and safe while a command is executing.
func (l *Loop) Close() error {
	if !l.disposed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	l.state.CompareAndSwap(int32(StateCreated), int32(StateStopped))
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	wait := l.initial
	for {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			case <-l.clock.After(wait):
			}
		} else if ctx.Err() != nil {
			return
		}
		next, err := l.execute(ctx)
		switch {
		case err == nil:
			l.errors.Reset()
		case IsCancellation(err):
			if ctx.Err() != nil {
				return
			}
			l.logger.Debug("poll.command.canceled", "error", err)
		default:
			l.handler.OnUnhandledException(ctx, err)
			if next <= 0 {
				next = l.errors.Next(false)
			}
		}
		wait = next
	}
}

func (l *Loop) execute(ctx context.Context) (next time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll: command %s panic: %v\n%s", l.name, r, debug.Stack())
		}
	}()
	return l.cmd.Execute(ctx)
}

// IsCancellation reports whether err stems from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
