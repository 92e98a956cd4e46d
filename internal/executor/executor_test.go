package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/fnhost/internal/binding"
	"pkt.systems/fnhost/internal/causality"
	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/invocationlog"
	"pkt.systems/fnhost/internal/queue"
	"pkt.systems/fnhost/internal/storage/memory"
)

const tagTest = "test"

func testRegistry() *binding.Registry {
	return binding.NewRegistry().Register(tagTest, func(binding.Parameter) (binding.Binding, error) {
		return binding.BindingFunc(func(_ context.Context, raw any, _ binding.Context) (binding.ValueProvider, error) {
			if s, ok := raw.(string); ok && s == "unbindable" {
				return nil, errors.New("cannot bind")
			}
			return binding.StaticValue{V: raw}, nil
		}), nil
	})
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *invocationlog.ObjectStore) {
	t.Helper()
	logStore := invocationlog.NewObjectStore(memory.New())
	if cfg.Registry == nil {
		cfg.Registry = testRegistry()
	}
	if cfg.Log == nil {
		cfg.Log = logStore
	}
	exec, err := New(cfg)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec, logStore
}

func register(t *testing.T, exec *Executor, name string, body Body, timeout time.Duration) {
	t.Helper()
	err := exec.Register(Function{
		Name:    name,
		Trigger: binding.Parameter{Name: "input", Tag: tagTest},
		Body:    body,
		Timeout: timeout,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestExecuteSuccessLogsCompletion(t *testing.T) {
	exec, logStore := newTestExecutor(t, Config{})
	var seen any
	register(t, exec, "echo", func(_ context.Context, ic *InvocationContext) error {
		seen, _ = ic.Arg("input")
		if ic.Stage() != StageInvoking {
			t.Errorf("expected invoking stage, got %s", ic.Stage())
		}
		return nil
	}, 0)

	res := exec.Execute(context.Background(), &Invocation{Function: "echo", TriggerValue: "hello", ParentID: "p-1", TriggerReason: "test"})
	if !res.Succeeded || res.Kind != FailureNone || res.Err != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if seen != "hello" {
		t.Fatalf("expected bound argument, got %v", seen)
	}
	ctx := context.Background()
	running, err := logStore.Running(ctx)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected started record removed, got %d", len(running))
	}
	done, err := logStore.Query(ctx, invocationlog.Filter{FunctionName: "echo"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("expected one completed record, got %d", len(done))
	}
	rec := done[0]
	if rec.ID != res.InstanceID || !rec.Succeeded || rec.ParentID != "p-1" || rec.Arguments["input"] != "hello" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestExecuteUserFailure(t *testing.T) {
	exec, logStore := newTestExecutor(t, Config{})
	boom := errors.New("boom")
	register(t, exec, "fails", func(context.Context, *InvocationContext) error { return boom }, 0)
	res := exec.Execute(context.Background(), &Invocation{Function: "fails", TriggerValue: "x"})
	if res.Succeeded || res.Kind != FailureUser || !errors.Is(res.Err, boom) {
		t.Fatalf("expected user failure, got %+v", res)
	}
	done, _ := logStore.Query(context.Background(), invocationlog.Filter{})
	if len(done) != 1 || done[0].Failure == nil || done[0].Failure.Kind != "user" || done[0].Failure.Message != "boom" {
		t.Fatalf("unexpected failure record %+v", done)
	}
}

func TestExecutePanicIsContained(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	register(t, exec, "panics", func(context.Context, *InvocationContext) error { panic("kaboom") }, 0)
	res := exec.Execute(context.Background(), &Invocation{Function: "panics", TriggerValue: "x"})
	var pe *PanicError
	if res.Kind != FailurePanic || !errors.As(res.Err, &pe) || pe.Value != "kaboom" {
		t.Fatalf("expected panic failure, got %+v", res)
	}
}

func TestExecuteTimeoutReturnsPromptly(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	exec, _ := newTestExecutor(t, Config{Clock: clk})
	release := make(chan struct{})
	observed := make(chan error, 1)
	register(t, exec, "slow", func(ctx context.Context, _ *InvocationContext) error {
		<-ctx.Done()
		observed <- context.Cause(ctx)
		<-release
		return ctx.Err()
	}, time.Second)

	results := make(chan Result, 1)
	go func() {
		results <- exec.Execute(context.Background(), &Invocation{Function: "slow", TriggerValue: "x"})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout timer never armed")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Second)

	select {
	case res := <-results:
		if res.Kind != FailureTimeout || !errors.Is(res.Err, ErrTimeout) {
			t.Fatalf("expected timeout failure, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after the timeout while the body was still running")
	}
	if cause := <-observed; !errors.Is(cause, ErrTimeout) {
		t.Fatalf("expected body context cause ErrTimeout, got %v", cause)
	}
	close(release)
}

func TestExecuteCanceledBeforeBindingSkipsBody(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	called := false
	register(t, exec, "never", func(context.Context, *InvocationContext) error {
		called = true
		return nil
	}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := exec.Execute(ctx, &Invocation{Function: "never", TriggerValue: "x"})
	if !res.Canceled() || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected canceled result, got %+v", res)
	}
	if called {
		t.Fatal("body ran after cancellation")
	}
}

func TestExecuteCanceledDuringBodyIsCanceled(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	register(t, exec, "waits", func(ctx context.Context, _ *InvocationContext) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}, 0)
	res := exec.Execute(ctx, &Invocation{Function: "waits", TriggerValue: "x"})
	if res.Kind != FailureCanceled {
		t.Fatalf("expected canceled, got %+v", res)
	}
}

func TestExecuteWrappedCancellationFromBodyIsUserFailure(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	register(t, exec, "subctx", func(ctx context.Context, _ *InvocationContext) error {
		sub, cancel := context.WithCancel(ctx)
		cancel()
		<-sub.Done()
		return fmt.Errorf("fetch: %w", sub.Err())
	}, 0)
	res := exec.Execute(context.Background(), &Invocation{Function: "subctx", TriggerValue: "x"})
	if res.Succeeded || res.Kind != FailureUser {
		t.Fatalf("expected user failure while host context is live, got %+v", res)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected wrapped cancellation to be preserved, got %v", res.Err)
	}
}

func TestExecuteBindingFailure(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	called := false
	register(t, exec, "bind", func(context.Context, *InvocationContext) error {
		called = true
		return nil
	}, 0)
	res := exec.Execute(context.Background(), &Invocation{Function: "bind", TriggerValue: "unbindable"})
	if res.Kind != FailureBinding || called {
		t.Fatalf("expected binding failure without invoking, got %+v called=%v", res, called)
	}
	res = exec.Execute(context.Background(), &Invocation{Function: "missing"})
	if res.Kind != FailureBinding || !errors.Is(res.Err, ErrUnknownFunction) {
		t.Fatalf("expected unknown function, got %+v", res)
	}
}

func TestFiltersRunInOrderAndAbort(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	var mu sync.Mutex
	var calls []string
	note := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}
	deny := false
	exec.AddFilter(FilterFuncs{
		Executing: func(_ context.Context, ic *InvocationContext) error {
			note("a.before")
			ic.Set("trace", "a")
			return nil
		},
		Executed: func(_ context.Context, ic *InvocationContext, res Result) error {
			note("a.after:" + res.Kind.String())
			if ic.Stage() != StagePostFilters {
				t.Errorf("expected post filter stage, got %s", ic.Stage())
			}
			return errors.New("logged only")
		},
	})
	exec.AddFilter(FilterFuncs{
		Executing: func(_ context.Context, ic *InvocationContext) error {
			note("b.before")
			if v, _ := ic.Get("trace"); v != "a" {
				t.Errorf("expected value from earlier filter, got %v", v)
			}
			if deny {
				return errors.New("denied")
			}
			return nil
		},
		Executed: func(context.Context, *InvocationContext, Result) error {
			note("b.after")
			return nil
		},
	})
	register(t, exec, "filtered", func(context.Context, *InvocationContext) error {
		note("body")
		return nil
	}, 0)

	res := exec.Execute(context.Background(), &Invocation{Function: "filtered", TriggerValue: "x"})
	if !res.Succeeded {
		t.Fatalf("post filter error must not fail the invocation: %+v", res)
	}
	want := "a.before,b.before,body,a.after:none,b.after"
	if got := strings.Join(calls, ","); got != want {
		t.Fatalf("unexpected order %s", got)
	}

	calls = nil
	deny = true
	res = exec.Execute(context.Background(), &Invocation{Function: "filtered", TriggerValue: "x"})
	if res.Kind != FailureFilter {
		t.Fatalf("expected filter failure, got %+v", res)
	}
	want = "a.before,b.before,a.after:filter,b.after"
	if got := strings.Join(calls, ","); got != want {
		t.Fatalf("unexpected order after abort %s", got)
	}
}

func TestOutputCommittedOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	queues, err := queue.NewStore(memory.New(), queue.StoreConfig{})
	if err != nil {
		t.Fatalf("queue store: %v", err)
	}
	reg := testRegistry().Register(binding.TagQueueOutput, binding.QueueOutputProvider(ctx, queues))
	exec, _ := newTestExecutor(t, Config{Registry: reg})
	fail := false
	err = exec.Register(Function{
		Name:    "fanout",
		Trigger: binding.Parameter{Name: "input", Tag: tagTest},
		Inputs:  []binding.Parameter{{Name: "out", Tag: binding.TagQueueOutput, Attrs: map[string]string{"queue": "next"}}},
		Body: func(_ context.Context, ic *InvocationContext) error {
			v, _ := ic.Arg("out")
			v.(*binding.QueueOutput).Add([]byte(`{"n":1}`))
			if fail {
				return errors.New("nope")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := exec.Register(Function{Name: "fanout", Trigger: binding.Parameter{Name: "input", Tag: tagTest}, Body: func(context.Context, *InvocationContext) error { return nil }}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if got := exec.Functions(); len(got) != 1 || got[0] != "fanout" {
		t.Fatalf("unexpected functions %v", got)
	}

	res := exec.Execute(ctx, &Invocation{Function: "fanout", TriggerValue: "x"})
	if !res.Succeeded {
		t.Fatalf("execute: %+v", res)
	}
	fail = true
	if res := exec.Execute(ctx, &Invocation{Function: "fanout", TriggerValue: "x"}); res.Succeeded {
		t.Fatal("expected failure")
	}

	src, err := queues.Open(ctx, "next", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	msgs, err := src.Dequeue(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected only the successful invocation's output, got %d", len(msgs))
	}
	if parent, ok := causality.GetParent(msgs[0].Body); !ok || parent != res.InstanceID {
		t.Fatalf("expected parent %s, got %q", res.InstanceID, parent)
	}
}

func TestRegisterRejectsUnboundParameters(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	err := exec.Register(Function{
		Name:    "orphan",
		Trigger: binding.Parameter{Name: "t", Tag: "timer"},
		Body:    func(context.Context, *InvocationContext) error { return nil },
	})
	if !errors.Is(err, binding.ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	if err := exec.Register(Function{Name: "nobody", Trigger: binding.Parameter{Name: "t", Tag: tagTest}}); err == nil {
		t.Fatal("expected missing body error")
	}
}
