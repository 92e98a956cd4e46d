// Package executor runs registered functions through the invocation
// pipeline: binding, pre-filters, the body under an optional timeout,
// post-filters and invocation logging.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/binding"
	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/correlation"
	"pkt.systems/fnhost/internal/ids"
	"pkt.systems/fnhost/internal/invocationlog"
	"pkt.systems/fnhost/internal/loggingutil"
)

const unboundDisplay = "(unbound)"

// Config wires an Executor.
type Config struct {
	Registry *binding.Registry
	// Log receives started and completed records. Defaults to a no-op.
	Log     invocationlog.Logger
	Filters []Filter
	// DefaultTimeout applies to functions without their own timeout.
	DefaultTimeout time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
}

// Executor invokes registered functions. It is safe for concurrent use.
type Executor struct {
	registry       *binding.Registry
	log            invocationlog.Logger
	defaultTimeout time.Duration
	clock          clock.Clock
	logger         pslog.Logger
	tracer         trace.Tracer
	metrics        *executorMetrics

	mu        sync.RWMutex
	filters   []Filter
	functions map[string]*registered
}

type boundParam struct {
	param   binding.Parameter
	binding binding.Binding
}

type registered struct {
	fn      Function
	trigger boundParam
	inputs  []boundParam
}

// New constructs an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("executor: binding registry required")
	}
	if cfg.Log == nil {
		cfg.Log = invocationlog.Noop()
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "executor", "pipeline")
	return &Executor{
		registry:       cfg.Registry,
		log:            cfg.Log,
		defaultTimeout: cfg.DefaultTimeout,
		clock:          clock.Ensure(cfg.Clock),
		logger:         logger,
		tracer:         otel.Tracer("pkt.systems/fnhost/executor"),
		metrics:        newExecutorMetrics(logger),
		filters:        append([]Filter(nil), cfg.Filters...),
		functions:      make(map[string]*registered),
	}, nil
}

// AddFilter appends f to the filter chain.
func (e *Executor) AddFilter(f Filter) {
	e.mu.Lock()
	e.filters = append(e.filters, f)
	e.mu.Unlock()
}

// Register resolves the bindings of fn through the registry.
func (e *Executor) Register(fn Function) error {
	if fn.Name == "" {
		return fmt.Errorf("executor: function name required")
	}
	if fn.Body == nil {
		return fmt.Errorf("executor: function %s: body required", fn.Name)
	}
	reg := &registered{fn: fn}
	b, err := e.registry.TryBind(fn.Trigger)
	if err != nil {
		return fmt.Errorf("executor: function %s trigger: %w", fn.Name, err)
	}
	reg.trigger = boundParam{param: fn.Trigger, binding: b}
	for _, param := range fn.Inputs {
		b, err := e.registry.TryBind(param)
		if err != nil {
			return fmt.Errorf("executor: function %s: %w", fn.Name, err)
		}
		reg.inputs = append(reg.inputs, boundParam{param: param, binding: b})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.functions[fn.Name]; exists {
		return fmt.Errorf("executor: function %s already registered", fn.Name)
	}
	e.functions[fn.Name] = reg
	return nil
}

// Functions lists registered function names.
func (e *Executor) Functions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.functions))
	for name := range e.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one invocation to completion and returns its structured
// result. Panics and errors from user code never escape.
func (e *Executor) Execute(ctx context.Context, inv *Invocation) Result {
	e.mu.RLock()
	reg, ok := e.functions[inv.Function]
	filters := append([]Filter(nil), e.filters...)
	e.mu.RUnlock()
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownFunction, inv.Function), Kind: FailureBinding}
	}

	instanceID := ids.NewString()
	start := e.clock.Now()
	ctx = correlation.Ensure(ctx)
	logger := correlation.Logger(ctx, e.logger).With("function", reg.fn.Name, "instance_id", instanceID)
	ctx, span := e.tracer.Start(ctx, "fnhost.invocation", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("fnhost.function", reg.fn.Name),
		attribute.String("fnhost.instance_id", instanceID),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)

	ic := &InvocationContext{
		InstanceID:    instanceID,
		FunctionName:  reg.fn.Name,
		ParentID:      inv.ParentID,
		TriggerValue:  inv.TriggerValue,
		TriggerReason: inv.TriggerReason,
		StartTime:     start,
		Logger:        logger,
		args:          make(map[string]any),
	}
	instance := &invocationlog.FunctionInstance{
		ID:           instanceID,
		FunctionName: reg.fn.Name,
		StartTime:    start,
		ParentID:     inv.ParentID,
		Trigger:      inv.TriggerReason,
		Arguments:    map[string]string{reg.trigger.param.Name: unboundDisplay},
	}
	for _, in := range reg.inputs {
		instance.Arguments[in.param.Name] = unboundDisplay
	}

	logCtx := context.WithoutCancel(ctx)
	logID, err := e.log.LogStarted(logCtx, instance.Clone())
	if err != nil {
		logger.Warn("invocation.log_started.error", "error", err)
	}
	logger.Debug("invocation.started", "parent_id", inv.ParentID)

	result := e.run(ctx, reg, ic, instance, filters)
	result.InstanceID = instanceID
	result.Duration = clock.Since(e.clock, start)
	ic.result = result

	var failure *invocationlog.Failure
	if !result.Succeeded {
		failure = failureRecord(result)
	}
	if err := instance.Complete(e.clock.Now(), failure); err != nil {
		logger.Error("invocation.complete.error", "error", err)
	}
	if err := e.log.LogCompleted(logCtx, instance); err != nil {
		logger.Warn("invocation.log_completed.error", "error", err)
	} else if logID != "" {
		if err := e.log.DeleteStarted(logCtx, logID); err != nil {
			logger.Warn("invocation.delete_started.error", "log_id", logID, "error", err)
		}
	}

	e.metrics.record(logCtx, reg.fn.Name, result)
	span.SetAttributes(attribute.String("fnhost.outcome", result.Kind.String()))
	if result.Succeeded {
		span.SetStatus(codes.Ok, "")
		logger.Info("invocation.completed", "duration", result.Duration)
	} else {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Kind.String())
		logger.Warn("invocation.failed", "kind", result.Kind.String(), "error", result.Err, "duration", result.Duration)
	}
	return result
}

func (e *Executor) run(ctx context.Context, reg *registered, ic *InvocationContext, instance *invocationlog.FunctionInstance, filters []Filter) Result {
	ic.stage = StageBinding
	if err := ctx.Err(); err != nil {
		ic.stage = StageCanceled
		return failed(FailureCanceled, fmt.Errorf("executor: canceled before binding: %w", err))
	}

	bc := binding.Context{
		InstanceID:   ic.InstanceID,
		FunctionName: ic.FunctionName,
		ParentID:     ic.ParentID,
		Logger:       ic.Logger,
	}
	var providers []binding.ValueProvider
	defer func() {
		for _, vp := range providers {
			if closer, ok := vp.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					ic.Logger.Warn("invocation.dispose.error", "error", err)
				}
			}
		}
	}()
	bindOne := func(bp boundParam, raw any) error {
		vp, err := bp.binding.Bind(ctx, raw, bc)
		if err != nil {
			return fmt.Errorf("bind %s: %w", bp.param.Name, err)
		}
		providers = append(providers, vp)
		instance.Arguments[bp.param.Name] = vp.InvokeString()
		v, err := vp.Value(ctx)
		if err != nil {
			return fmt.Errorf("bind %s: %w", bp.param.Name, err)
		}
		ic.args[bp.param.Name] = v
		return nil
	}
	if err := bindOne(reg.trigger, ic.TriggerValue); err != nil {
		return e.bindingFailure(ctx, ic, err)
	}
	for _, in := range reg.inputs {
		if err := bindOne(in, nil); err != nil {
			return e.bindingFailure(ctx, ic, err)
		}
	}
	if err := ctx.Err(); err != nil {
		ic.stage = StageCanceled
		return failed(FailureCanceled, fmt.Errorf("executor: canceled during binding: %w", err))
	}

	ic.stage = StagePreFilters
	var result Result
	aborted := false
	for _, f := range filters {
		if err := safeFilter(func() error { return f.OnExecuting(ctx, ic) }); err != nil {
			result = failed(FailureFilter, fmt.Errorf("executor: pre-invocation filter: %w", err))
			aborted = true
			break
		}
	}

	if !aborted {
		ic.stage = StageInvoking
		result = e.invoke(ctx, reg, ic)
		if result.Succeeded {
			for _, vp := range providers {
				committer, ok := vp.(binding.Committer)
				if !ok {
					continue
				}
				if err := committer.Commit(ctx); err != nil {
					result = failed(FailureBinding, fmt.Errorf("executor: commit output: %w", err))
					break
				}
			}
		}
	}

	ic.stage = StagePostFilters
	ic.result = result
	for _, f := range filters {
		if err := safeFilter(func() error { return f.OnExecuted(ctx, ic, result) }); err != nil {
			ic.Logger.Warn("invocation.post_filter.error", "error", err)
		}
	}

	switch {
	case result.Succeeded:
		ic.stage = StageCompleted
	case result.Kind == FailureCanceled:
		ic.stage = StageCanceled
	default:
		ic.stage = StageFailed
	}
	return result
}

func (e *Executor) bindingFailure(ctx context.Context, ic *InvocationContext, err error) Result {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		ic.stage = StageCanceled
		return failed(FailureCanceled, fmt.Errorf("executor: canceled during binding: %w", err))
	}
	ic.stage = StageFailed
	return failed(FailureBinding, fmt.Errorf("executor: %w", err))
}

// invoke runs the body and races it against the timeout. A timeout returns
// immediately with the body's context canceled; external cancellation waits
// for the body to observe it.
func (e *Executor) invoke(ctx context.Context, reg *registered, ic *InvocationContext) Result {
	timeout := reg.fn.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	invokeCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	timedOut := make(chan struct{})
	if timeout > 0 {
		timer := e.clock.AfterFunc(timeout, func() {
			cancel(ErrTimeout)
			close(timedOut)
		})
		defer timer.Stop()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		done <- reg.fn.Body(invokeCtx, ic)
	}()

	select {
	case err := <-done:
		return classify(ctx, invokeCtx, err)
	case <-timedOut:
		return failed(FailureTimeout, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	}
}

func classify(ctx, invokeCtx context.Context, err error) Result {
	if err == nil {
		return Result{Succeeded: true}
	}
	var panicErr *PanicError
	switch {
	case errors.As(err, &panicErr):
		return failed(FailurePanic, err)
	case errors.Is(context.Cause(invokeCtx), ErrTimeout):
		return failed(FailureTimeout, fmt.Errorf("%w: %w", ErrTimeout, err))
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return failed(FailureCanceled, err)
	default:
		return failed(FailureUser, err)
	}
}

func failed(kind FailureKind, err error) Result {
	return Result{Succeeded: false, Kind: kind, Err: err}
}

func safeFilter(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// PanicError carries a recovered panic from user code or a filter.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("executor: panic: %v", p.Value)
}

func failureRecord(result Result) *invocationlog.Failure {
	failure := &invocationlog.Failure{Kind: result.Kind.String()}
	if result.Err != nil {
		failure.Message = result.Err.Error()
		root := result.Err
		for {
			next := errors.Unwrap(root)
			if next == nil {
				break
			}
			root = next
		}
		failure.Type = fmt.Sprintf("%T", root)
	}
	return failure
}
