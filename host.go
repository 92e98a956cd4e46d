package fnhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/binding"
	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/executor"
	"pkt.systems/fnhost/internal/ids"
	"pkt.systems/fnhost/internal/invocationlog"
	"pkt.systems/fnhost/internal/invocationlog/sqlitelog"
	"pkt.systems/fnhost/internal/lease"
	"pkt.systems/fnhost/internal/lease/redislease"
	"pkt.systems/fnhost/internal/lifecycle"
	"pkt.systems/fnhost/internal/listener"
	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/poll"
	"pkt.systems/fnhost/internal/queue"
	"pkt.systems/fnhost/internal/queue/sqsqueue"
	"pkt.systems/fnhost/internal/storage"
)

// Re-exported so callers outside the module can write function bodies.
type (
	// Body is the user code of a function.
	Body = executor.Body
	// InvocationContext is the per-invocation scope handed to a Body.
	InvocationContext = executor.InvocationContext
	// Message is a dequeued queue message.
	Message = queue.Message
	// Parameter declares an extra input or output binding.
	Parameter = binding.Parameter
	// QueueOutput collects messages a function emits to an output queue.
	QueueOutput = binding.QueueOutput
)

// TriggerParameter is the argument name the trigger message is bound to.
const TriggerParameter = "message"

// QueueFunction declares a queue-triggered function.
type QueueFunction struct {
	Name  string
	Queue string
	Body  Body
	// Inputs declares extra bindings, such as an output queue or a blob.
	Inputs []Parameter
	// Timeout overrides Config.FunctionTimeout when positive.
	Timeout time.Duration
	// Singleton runs the listener only while this host holds the
	// singleton/<name> lease.
	Singleton bool
	// BatchSize, MaxDequeueCount and Visibility override the Config
	// listener defaults when positive.
	BatchSize       int
	MaxDequeueCount int
	Visibility      time.Duration
}

// Host runs queue-triggered functions. Build it with New, register functions
// with AddQueueFunction, then call Start and eventually Stop.
type Host struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	owner  string

	backend     storage.Backend
	queues      queue.Provider
	leases      lease.Store
	invocations invocationlog.Querier
	executor    *executor.Executor
	coordinator *lifecycle.Coordinator
	sink        poll.ExceptionHandler

	closers   []func() error
	telemetry *telemetry

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and opens the configured storage, queue, lease and
// invocation log backends. Functions declared in cfg.Functions are
// registered with their built-in actions.
func New(cfg Config, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	h := &Host{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "host"),
		clock:  clock.Ensure(o.Clock),
		owner:  o.Owner,
	}
	if h.owner == "" {
		h.owner = ids.Owner()
	}
	ctx := context.Background()
	if err := h.open(ctx, o, logger); err != nil {
		_ = h.closeResources()
		return nil, err
	}
	for _, fc := range cfg.Functions {
		fn, err := h.builtinFunction(fc)
		if err != nil {
			_ = h.closeResources()
			return nil, err
		}
		if err := h.AddQueueFunction(fn); err != nil {
			_ = h.closeResources()
			return nil, err
		}
	}
	return h, nil
}

func (h *Host) open(ctx context.Context, o options, logger pslog.Logger) error {
	cfg := h.cfg
	h.backend = o.Backend
	if h.backend == nil {
		backend, err := OpenBackend(ctx, cfg, h.clock, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		h.backend = backend
		h.closers = append(h.closers, backend.Close)
	}

	h.queues = o.Queues
	if h.queues == nil {
		switch cfg.QueueBackend {
		case QueueBackendSQS:
			provider, err := sqsqueue.New(ctx, sqsqueue.Config{
				Region:      cfg.AWSRegion,
				Endpoint:    cfg.SQSEndpoint,
				Insecure:    strings.HasPrefix(cfg.SQSEndpoint, "http://"),
				QueuePrefix: cfg.SQSQueuePrefix,
				WaitTime:    cfg.SQSWaitTime,
				Clock:       h.clock,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			h.queues = provider
		default:
			store, err := queue.NewStore(h.backend, queue.StoreConfig{
				MaxMessageBytes: cfg.MaxMessageBytes,
				Clock:           h.clock,
				Logger:          logger,
			})
			if err != nil {
				return err
			}
			h.queues = store
		}
	}

	h.leases = o.Leases
	if h.leases == nil {
		switch cfg.LeaseBackend {
		case LeaseBackendRedis:
			store, closeFn, err := redislease.Dial(cfg.RedisAddrs, redislease.Config{Clock: h.clock})
			if err != nil {
				return err
			}
			h.leases = store
			h.closers = append(h.closers, func() error { closeFn(); return nil })
		default:
			h.leases = lease.NewObjectStore(h.backend, h.clock)
		}
	}

	invLog := o.InvocationLog
	if invLog == nil {
		switch cfg.InvocationLog {
		case InvocationLogSQLite:
			if err := os.MkdirAll(filepath.Dir(cfg.InvocationLogPath), 0o755); err != nil {
				return fmt.Errorf("invocation log dir: %w", err)
			}
			store, err := sqlitelog.Open(ctx, cfg.InvocationLogPath)
			if err != nil {
				return err
			}
			invLog = store
			h.closers = append(h.closers, store.Close)
		case InvocationLogNone:
			invLog = invocationlog.Noop()
		default:
			invLog = invocationlog.NewObjectStore(h.backend)
		}
	}
	if q, ok := invLog.(invocationlog.Querier); ok {
		h.invocations = q
	}
	retrying := invocationlog.WithRetry(invLog, invocationlog.RetryConfig{MaxAttempts: cfg.InvocationLogRetryAttempts}, h.clock, logger)

	registry := binding.NewRegistry().
		Register(binding.TagQueueTrigger, binding.QueueTriggerProvider()).
		Register(binding.TagQueueOutput, binding.QueueOutputProvider(ctx, h.queues)).
		Register(binding.TagBlob, binding.BlobInputProvider(h.backend))
	exec, err := executor.New(executor.Config{
		Registry:       registry,
		Log:            retrying,
		Filters:        o.Filters,
		DefaultTimeout: cfg.FunctionTimeout,
		Clock:          h.clock,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	h.executor = exec

	h.sink = o.Sink
	if h.sink == nil {
		sinkLogger := loggingutil.WithSubsystem(logger, "host", "sink")
		h.sink = poll.ExceptionHandlerFunc(func(_ context.Context, err error) {
			sinkLogger.Error("host.unhandled_exception", "error", err)
		})
	}
	h.coordinator = lifecycle.New(lifecycle.Config{OnStartFailure: o.OnStartFailure, Logger: logger})
	return nil
}

// AddQueueFunction registers fn and its queue listener. Functions must be
// added before Start.
func (h *Host) AddQueueFunction(fn QueueFunction) error {
	if fn.Body == nil {
		return fmt.Errorf("fnhost: function %s: body required", fn.Name)
	}
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if started {
		return lifecycle.ErrAlreadyStarted
	}
	opts := listener.Options{
		Function:          fn.Name,
		Queue:             fn.Queue,
		BatchSize:         firstPositive(fn.BatchSize, h.cfg.BatchSize),
		NewBatchThreshold: h.cfg.NewBatchThreshold,
		MaxDequeueCount:   firstPositive(fn.MaxDequeueCount, h.cfg.MaxDequeueCount),
		Visibility:        firstPositive(fn.Visibility, h.cfg.VisibilityTimeout),
		MinPollInterval:   h.cfg.MinPollInterval,
		MaxPollInterval:   h.cfg.MaxPollInterval,
		CreateQueue:       true,
	}
	if fn.BatchSize > 0 {
		opts.NewBatchThreshold = 0
	}
	newListener := func() (lifecycle.Listener, error) {
		return listener.New(listener.Config{
			Options:  opts,
			Provider: h.queues,
			Executor: h.executor,
			Sink:     h.sink,
			Clock:    h.clock,
			Logger:   h.logger,
		})
	}
	l, err := newListener()
	if err != nil {
		return err
	}
	if fn.Singleton {
		l = newSingletonListener(singletonConfig{
			Name:        fn.Name,
			Resource:    "singleton/" + fn.Name,
			Owner:       h.owner,
			Store:       h.leases,
			TTL:         h.cfg.LeaseTTL,
			NewListener: newListener,
			Clock:       h.clock,
			Logger:      h.logger,
		})
	}
	if err := h.executor.Register(executor.Function{
		Name:    fn.Name,
		Trigger: binding.Parameter{Name: TriggerParameter, Tag: binding.TagQueueTrigger},
		Inputs:  fn.Inputs,
		Body:    fn.Body,
		Timeout: fn.Timeout,
	}); err != nil {
		return err
	}
	if err := h.coordinator.Add(l); err != nil {
		return err
	}
	h.logger.Info("host.function.registered", "function", fn.Name, "queue", fn.Queue, "singleton", fn.Singleton)
	return nil
}

func firstPositive[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}

// Start starts telemetry and every function listener. Listener failures
// are isolated; only those the start failure handler marks fatal are
// returned.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return lifecycle.ErrAlreadyStarted
	}
	h.started = true
	h.mu.Unlock()

	tel, err := startTelemetry(ctx, h.cfg, h.logger)
	if err != nil {
		return err
	}
	h.telemetry = tel
	if err := h.coordinator.StartAll(ctx); err != nil {
		return err
	}
	h.logger.Info("host.started",
		"owner", h.owner,
		"functions", len(h.executor.Functions()),
		"running", len(h.coordinator.Running()),
		"failed", len(h.coordinator.Failed()),
	)
	return nil
}

// Stop stops every listener, waiting up to Config.ShutdownGrace for
// in-flight invocations, then releases the host's resources.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	var result *multierror.Error
	if err := h.coordinator.StopAll(ctx, h.cfg.ShutdownGrace); err != nil {
		result = multierror.Append(result, err)
	}
	telCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.telemetry.Shutdown(telCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := h.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		h.logger.Warn("host.stopped", "error", err)
		return err
	}
	h.logger.Info("host.stopped")
	return nil
}

// Close releases backends without stopping listeners. Use it for hosts that
// were never started, such as admin commands.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.started && !h.stopped {
		h.mu.Unlock()
		return errors.New("fnhost: host running; use Stop")
	}
	h.stopped = true
	h.mu.Unlock()
	return h.closeResources()
}

func (h *Host) closeResources() error {
	var result *multierror.Error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	h.closers = nil
	return result.ErrorOrNil()
}

// Config returns the validated configuration.
func (h *Host) Config() Config { return h.cfg }

// Owner is the token this host uses for leases.
func (h *Host) Owner() string { return h.owner }

// Backend returns the storage backend.
func (h *Host) Backend() storage.Backend { return h.backend }

// Queues returns the queue provider.
func (h *Host) Queues() queue.Provider { return h.queues }

// Invocations returns the invocation log query surface, or nil when the
// configured log cannot be queried.
func (h *Host) Invocations() invocationlog.Querier { return h.invocations }

// Executor returns the function executor.
func (h *Host) Executor() *executor.Executor { return h.executor }

// Running lists functions whose listeners started.
func (h *Host) Running() []string { return h.coordinator.Running() }

// Failed returns listener start failures that did not abort Start.
func (h *Host) Failed() []*lifecycle.FunctionListenerError { return h.coordinator.Failed() }
