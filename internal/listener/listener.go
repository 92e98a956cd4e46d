package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/poll"
	"pkt.systems/fnhost/internal/queue"
	"pkt.systems/fnhost/internal/storage"
)

// Config wires a QueueListener.
type Config struct {
	Options  Options
	Provider queue.Provider
	Executor Dispatcher
	Sink     poll.ExceptionHandler
	Clock    clock.Clock
	Logger   pslog.Logger
}

// QueueListener binds one function to one queue. It owns the poll loop, the
// processor and the optional change-feed subscription.
type QueueListener struct {
	cfg    Config
	logger pslog.Logger

	mu        sync.Mutex
	loop      *poll.Loop
	processor *Processor
	sub       storage.Subscription
	watchDone chan struct{}
}

// New validates cfg. Nothing is opened until Start.
func New(cfg Config) (*QueueListener, error) {
	opts, err := cfg.Options.withDefaults()
	if err != nil {
		return nil, err
	}
	if cfg.Provider == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("listener: provider and executor required")
	}
	cfg.Options = opts
	return &QueueListener{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "listener", "queue").With("function", opts.Function, "queue", opts.Queue),
	}, nil
}

// Name identifies the listener by function.
func (l *QueueListener) Name() string { return l.cfg.Options.Function }

// Processor returns the running processor, or nil before Start.
func (l *QueueListener) Processor() *Processor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processor
}

// State reports the poll loop state.
func (l *QueueListener) State() poll.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loop == nil {
		return poll.StateCreated
	}
	return l.loop.State()
}

// Start opens the queue and starts polling. It does not block on polling.
func (l *QueueListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loop != nil {
		return fmt.Errorf("listener %s: %w", l.Name(), poll.ErrInvalidState)
	}
	opts := l.cfg.Options
	source, err := l.cfg.Provider.Open(ctx, opts.Queue, opts.CreateQueue)
	if err != nil {
		return fmt.Errorf("listener %s: open queue %s: %w", l.Name(), opts.Queue, err)
	}
	processor, err := NewProcessor(ProcessorConfig{
		Options:  opts,
		Source:   source,
		Provider: l.cfg.Provider,
		Executor: l.cfg.Executor,
		Sink:     l.cfg.Sink,
		Clock:    l.cfg.Clock,
		Logger:   l.cfg.Logger,
	})
	if err != nil {
		return err
	}
	loop, err := poll.New(poll.Config{
		Name:    opts.Function,
		Command: processor,
		Handler: l.cfg.Sink,
		Clock:   l.cfg.Clock,
		Logger:  l.cfg.Logger,
	})
	if err != nil {
		return err
	}
	processor.SetWake(loop.Notify)
	if err := loop.Start(); err != nil {
		return err
	}
	if notifier, ok := source.(queue.Notifier); ok {
		sub, err := notifier.SubscribeMessages()
		switch {
		case err == nil:
			l.sub = sub
			l.watchDone = make(chan struct{})
			go l.watch(sub, loop, l.watchDone)
		case errors.Is(err, storage.ErrNotImplemented):
		default:
			l.logger.Warn("listener.watch.error", "error", err)
		}
	}
	l.loop = loop
	l.processor = processor
	l.logger.Info("listener.started", "batch_size", opts.BatchSize, "max_dequeue_count", opts.MaxDequeueCount, "visibility", opts.Visibility)
	return nil
}

// watch wakes the loop when the backend reports queue changes.
func (l *QueueListener) watch(sub storage.Subscription, loop *poll.Loop, done chan struct{}) {
	defer close(done)
	for range sub.Events() {
		loop.Notify()
	}
}

// Stop cancels polling and in-flight invocations, then waits for them or ctx.
func (l *QueueListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	loop, processor := l.loop, l.processor
	l.mu.Unlock()
	if loop == nil {
		return fmt.Errorf("listener %s: %w", l.Name(), poll.ErrInvalidState)
	}
	l.closeWatch()
	var errs []error
	if err := loop.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := processor.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	loop.Close()
	if len(errs) > 0 {
		l.logger.Warn("listener.stop.abandoned", "in_flight", processor.InFlight())
		return errors.Join(errs...)
	}
	l.logger.Info("listener.stopped")
	return nil
}

func (l *QueueListener) closeWatch() {
	l.mu.Lock()
	sub, done := l.sub, l.watchDone
	l.sub = nil
	l.mu.Unlock()
	if sub == nil {
		return
	}
	_ = sub.Close()
	if done != nil {
		<-done
	}
}
