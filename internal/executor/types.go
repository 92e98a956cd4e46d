package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/binding"
)

// ErrTimeout is the cause recorded when an invocation exceeds its timeout.
var ErrTimeout = errors.New("executor: invocation timed out")

// ErrUnknownFunction is returned for invocations of unregistered functions.
var ErrUnknownFunction = errors.New("executor: unknown function")

// Stage is the position of an invocation in the pipeline.
type Stage int

// Pipeline stages.
const (
	StageBinding Stage = iota
	StagePreFilters
	StageInvoking
	StagePostFilters
	StageCompleted
	StageFailed
	StageCanceled
)

func (s Stage) String() string {
	switch s {
	case StageBinding:
		return "binding"
	case StagePreFilters:
		return "pre_filters"
	case StageInvoking:
		return "invoking"
	case StagePostFilters:
		return "post_filters"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	case StageCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// FailureKind classifies a failed invocation.
type FailureKind int

// Failure kinds. FailureCanceled is the only kind that does not count as an
// attempt against the poison threshold.
const (
	FailureNone FailureKind = iota
	FailureUser
	FailureBinding
	FailureFilter
	FailureTimeout
	FailureCanceled
	FailurePanic
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureUser:
		return "user"
	case FailureBinding:
		return "binding"
	case FailureFilter:
		return "filter"
	case FailureTimeout:
		return "timeout"
	case FailureCanceled:
		return "canceled"
	case FailurePanic:
		return "panic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Body is the user code of a function.
type Body func(ctx context.Context, ic *InvocationContext) error

// Function declares a function and its parameters.
type Function struct {
	Name    string
	Trigger binding.Parameter
	Inputs  []binding.Parameter
	Body    Body
	// Timeout bounds each invocation when positive.
	Timeout time.Duration
}

// Invocation is one request to run a registered function.
type Invocation struct {
	Function     string
	TriggerValue any
	// ParentID links the invocation to the one that produced its trigger.
	ParentID string
	// TriggerReason describes why the function ran, for the invocation log.
	TriggerReason string
}

// Result is the structured outcome of an invocation. It never carries a
// panic or an unclassified failure.
type Result struct {
	InstanceID string
	Succeeded  bool
	Err        error
	Kind       FailureKind
	Duration   time.Duration
}

// Canceled reports whether the invocation was abandoned due to cancellation.
func (r Result) Canceled() bool {
	return r.Kind == FailureCanceled
}

// InvocationContext is the explicit scope of one invocation. Filters and the
// function body receive it instead of relying on ambient state.
type InvocationContext struct {
	InstanceID    string
	FunctionName  string
	ParentID      string
	TriggerValue  any
	TriggerReason string
	StartTime     time.Time
	Logger        pslog.Logger

	stage  Stage
	args   map[string]any
	result Result

	mu    sync.Mutex
	items map[string]any
}

// Stage returns the current pipeline stage.
func (ic *InvocationContext) Stage() Stage { return ic.stage }

// Result returns the outcome once the body has run.
func (ic *InvocationContext) Result() Result { return ic.result }

// Arg returns the bound argument for the named parameter.
func (ic *InvocationContext) Arg(name string) (any, bool) {
	v, ok := ic.args[name]
	return v, ok
}

// Args returns a copy of all bound arguments.
func (ic *InvocationContext) Args() map[string]any {
	out := make(map[string]any, len(ic.args))
	for k, v := range ic.args {
		out[k] = v
	}
	return out
}

// Set stores a value visible to later filters and the body.
func (ic *InvocationContext) Set(key string, v any) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.items == nil {
		ic.items = make(map[string]any)
	}
	ic.items[key] = v
}

// Get returns a value stored with Set.
func (ic *InvocationContext) Get(key string) (any, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	v, ok := ic.items[key]
	return v, ok
}

// Filter wraps every invocation. OnExecuting runs in registration order
// before the body and aborts the invocation on error. OnExecuted runs after
// the body, or after a failed OnExecuting, and its errors are only logged.
type Filter interface {
	OnExecuting(ctx context.Context, ic *InvocationContext) error
	OnExecuted(ctx context.Context, ic *InvocationContext, result Result) error
}

// FilterFuncs adapts optional functions to Filter.
type FilterFuncs struct {
	Executing func(ctx context.Context, ic *InvocationContext) error
	Executed  func(ctx context.Context, ic *InvocationContext, result Result) error
}

// OnExecuting calls Executing when set.
func (f FilterFuncs) OnExecuting(ctx context.Context, ic *InvocationContext) error {
	if f.Executing == nil {
		return nil
	}
	return f.Executing(ctx, ic)
}

// OnExecuted calls Executed when set.
func (f FilterFuncs) OnExecuted(ctx context.Context, ic *InvocationContext, result Result) error {
	if f.Executed == nil {
		return nil
	}
	return f.Executed(ctx, ic, result)
}
