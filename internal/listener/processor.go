// Package listener drives queue-triggered functions: it dequeues batches,
// dispatches them to the executor, keeps leases alive while functions run
// and decides each message's disposition.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/correlation"
	"pkt.systems/fnhost/internal/executor"
	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/poll"
	"pkt.systems/fnhost/internal/queue"
)

const dispositionTimeout = 30 * time.Second

// Dispatcher runs one invocation. *executor.Executor satisfies it.
type Dispatcher interface {
	Execute(ctx context.Context, inv *executor.Invocation) executor.Result
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Options  Options
	Source   queue.Source
	Provider queue.Provider
	Executor Dispatcher
	// Sink receives failures that must not be swallowed, such as a failed
	// poison enqueue.
	Sink   poll.ExceptionHandler
	Clock  clock.Clock
	Logger pslog.Logger
}

// Processor is the poll.Command behind a queue listener.
type Processor struct {
	opts     Options
	source   queue.Source
	provider queue.Provider
	exec     Dispatcher
	sink     poll.ExceptionHandler
	backoff  *poll.Backoff
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *processorMetrics
	attrs    []attribute.KeyValue

	inFlight atomic.Int64
	wg       sync.WaitGroup
	wake     atomic.Pointer[func()]

	mu       sync.Mutex
	draining bool

	poisonMu sync.Mutex
	poison   queue.Source
}

// NewProcessor validates cfg and returns a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	opts, err := cfg.Options.withDefaults()
	if err != nil {
		return nil, err
	}
	if cfg.Source == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("listener: source and executor required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("listener: queue provider required for poison routing")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "listener", "queue", "processor").With("function", opts.Function, "queue", opts.Queue)
	p := &Processor{
		opts:     opts,
		source:   cfg.Source,
		provider: cfg.Provider,
		exec:     cfg.Executor,
		sink:     cfg.Sink,
		backoff:  poll.NewBackoff(opts.MinPollInterval, opts.MaxPollInterval),
		clock:    clock.Ensure(cfg.Clock),
		logger:   logger,
		metrics:  newProcessorMetrics(logger),
		attrs: []attribute.KeyValue{
			attribute.String("fnhost.function", opts.Function),
			attribute.String("fnhost.queue", opts.Queue),
		},
	}
	if p.sink == nil {
		p.sink = poll.ExceptionHandlerFunc(func(_ context.Context, err error) {
			logger.Error("listener.unhandled", "error", err)
		})
	}
	return p, nil
}

// Options returns the configuration snapshot.
func (p *Processor) Options() Options { return p.opts }

// InFlight reports how many messages are being processed.
func (p *Processor) InFlight() int { return int(p.inFlight.Load()) }

// Backoff exposes the empty-poll backoff.
func (p *Processor) Backoff() *poll.Backoff { return p.backoff }

// SetWake registers fn to be called when in-flight work drops below the
// new batch threshold.
func (p *Processor) SetWake(fn func()) {
	p.wake.Store(&fn)
}

// Execute runs one dequeue-dispatch cycle and returns the wait before the
// next one. Dispatched messages keep running after Execute returns; Drain
// waits for them.
func (p *Processor) Execute(ctx context.Context) (time.Duration, error) {
	if p.InFlight() >= p.opts.NewBatchThreshold {
		p.logger.Trace("queue.dequeue.saturated", "in_flight", p.InFlight())
		if p.wake.Load() != nil {
			return p.opts.MaxPollInterval, nil
		}
		return p.opts.MinPollInterval, nil
	}
	msgs, err := p.source.Dequeue(ctx, p.opts.BatchSize, p.opts.Visibility)
	if err != nil && len(msgs) == 0 {
		if poll.IsCancellation(err) {
			return 0, err
		}
		p.logger.Warn("queue.dequeue.error", "error", err)
		return 0, fmt.Errorf("listener: dequeue %s: %w", p.opts.Queue, err)
	}
	if err != nil {
		p.logger.Warn("queue.dequeue.partial", "claimed", len(msgs), "error", err)
	}
	if len(msgs) == 0 {
		next := p.backoff.Next(false)
		p.logger.Trace("queue.dequeue.empty", "next", next, "empty_polls", p.backoff.EmptyPolls())
		return next, nil
	}
	if !p.dispatch(ctx, msgs) {
		return 0, context.Canceled
	}
	return p.backoff.Next(true), nil
}

// dispatch hands msgs to workers. It returns false, after releasing msgs back
// to the queue, once Drain has started.
func (p *Processor) dispatch(ctx context.Context, msgs []*queue.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		p.release(ctx, msgs)
		return false
	}
	p.metrics.add(ctx, p.metrics.dequeued, int64(len(msgs)), p.attrs...)
	p.logger.Debug("queue.dequeue.batch", "count", len(msgs))

	workers := pool.New().WithMaxGoroutines(p.opts.BatchSize)
	for _, msg := range msgs {
		msg := msg
		p.inFlight.Add(1)
		p.metrics.track(ctx, 1, p.attrs...)
		p.wg.Add(1)
		workers.Go(func() {
			defer p.finish(ctx)
			p.process(ctx, msg)
		})
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		workers.Wait()
	}()
	return true
}

// release makes msgs visible again without counting the dequeue as a failure
// of any invocation.
func (p *Processor) release(ctx context.Context, msgs []*queue.Message) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispositionTimeout)
	defer cancel()
	for _, msg := range msgs {
		if err := p.source.ExtendVisibility(rctx, msg, 0); err != nil {
			p.logger.Warn("queue.message.release.error", "message_id", msg.ID, "error", err)
			continue
		}
		p.logger.Debug("queue.message.released", "message_id", msg.ID)
	}
}

// Drain waits for dispatched messages to finish or ctx to end. Batches
// dequeued after Drain starts are released instead of dispatched.
func (p *Processor) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	return p.wait(ctx)
}

func (p *Processor) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listener: drain %s: %w (%d in flight)", p.opts.Queue, ctx.Err(), p.InFlight())
	}
}

func (p *Processor) finish(ctx context.Context) {
	remaining := p.inFlight.Add(-1)
	p.metrics.track(context.WithoutCancel(ctx), -1, p.attrs...)
	p.wg.Done()
	if remaining == int64(p.opts.NewBatchThreshold-1) {
		if fn := p.wake.Load(); fn != nil {
			(*fn)()
		}
	}
}

func (p *Processor) process(ctx context.Context, msg *queue.Message) {
	ctx = correlation.Ensure(ctx)
	logger := correlation.Logger(ctx, p.logger).With("message_id", msg.ID, "dequeue_count", msg.DequeueCount)

	stopRenewal := p.startRenewal(ctx, msg, logger)
	parentID, _ := msg.ParentID()
	result := p.exec.Execute(ctx, &executor.Invocation{
		Function:      p.opts.Function,
		TriggerValue:  msg,
		ParentID:      parentID,
		TriggerReason: fmt.Sprintf("New queue message detected on '%s'.", p.opts.Queue),
	})
	stopRenewal()
	p.dispose(ctx, msg, result, logger)
}

// dispose decides the fate of msg once its invocation finished. Renewal is
// already stopped, so no extension can race the delete.
func (p *Processor) dispose(ctx context.Context, msg *queue.Message, result executor.Result, logger pslog.Logger) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispositionTimeout)
	defer cancel()

	switch {
	case result.Succeeded:
		p.delete(dctx, msg, logger)
	case result.Canceled():
		logger.Debug("queue.message.canceled", "instance_id", result.InstanceID)
	case msg.DequeueCount < p.opts.MaxDequeueCount:
		logger.Info("queue.message.retry", "instance_id", result.InstanceID, "kind", result.Kind.String(), "max_dequeue_count", p.opts.MaxDequeueCount)
	default:
		if err := p.routeToPoison(dctx, msg, logger); err != nil {
			p.sink.OnUnhandledException(dctx, err)
			return
		}
		p.delete(dctx, msg, logger)
	}
}

func (p *Processor) delete(ctx context.Context, msg *queue.Message, logger pslog.Logger) {
	if err := p.source.Delete(ctx, msg); err != nil {
		logger.Error("queue.message.delete.error", "error", err)
		return
	}
	p.metrics.add(ctx, p.metrics.deleted, 1, p.attrs...)
	logger.Debug("queue.message.deleted")
}

func (p *Processor) routeToPoison(ctx context.Context, msg *queue.Message, logger pslog.Logger) error {
	poison, err := p.poisonQueue(ctx)
	if err != nil {
		return fmt.Errorf("listener: open poison queue for %s: %w", p.opts.Queue, err)
	}
	if _, err := poison.Enqueue(ctx, msg.Body); err != nil {
		return fmt.Errorf("listener: poison message %s from %s: %w", msg.ID, p.opts.Queue, err)
	}
	p.metrics.add(ctx, p.metrics.poisoned, 1, p.attrs...)
	logger.Warn("queue.message.poisoned", "poison_queue", poison.Name())
	return nil
}

func (p *Processor) poisonQueue(ctx context.Context) (queue.Source, error) {
	p.poisonMu.Lock()
	defer p.poisonMu.Unlock()
	if p.poison != nil {
		return p.poison, nil
	}
	src, err := p.provider.Open(ctx, queue.PoisonName(p.opts.Queue), true)
	if err != nil {
		return nil, err
	}
	p.poison = src
	return src, nil
}

// startRenewal extends msg's visibility every RenewalInterval until the
// returned function is called. The returned function blocks until the
// renewal goroutine has exited.
func (p *Processor) startRenewal(ctx context.Context, msg *queue.Message, logger pslog.Logger) func() {
	interval := p.opts.RenewalInterval()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-p.clock.After(interval):
			}
			err := p.source.ExtendVisibility(ctx, msg, p.opts.Visibility)
			if err == nil {
				p.metrics.add(ctx, p.metrics.renewals, 1, append(p.attrs, attribute.String("fnhost.result", "ok"))...)
				logger.Trace("queue.message.renewed", "visible_at", msg.NextVisibleAt())
				continue
			}
			if poll.IsCancellation(err) {
				return
			}
			p.metrics.add(ctx, p.metrics.renewals, 1, append(p.attrs, attribute.String("fnhost.result", "error"))...)
			logger.Warn("queue.message.renew.error", "error", err)
			if errors.Is(err, queue.ErrPopReceiptMismatch) || errors.Is(err, queue.ErrQueueNotFound) {
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}
