package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	"pkt.systems/fnhost/internal/binding"
	"pkt.systems/fnhost/internal/executor"
	"pkt.systems/fnhost/internal/listener"
	"pkt.systems/fnhost/internal/poll"
	"pkt.systems/fnhost/internal/queue"
	"pkt.systems/fnhost/internal/storage/memory"
)

type fakeListener struct {
	name     string
	startErr error
	block    chan struct{}
	started  atomic.Bool
	stopped  atomic.Bool
}

func (f *fakeListener) Name() string { return f.name }

func (f *fakeListener) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	return nil
}

func (f *fakeListener) Stop(ctx context.Context) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.stopped.Store(true)
	return nil
}

func TestStartAllIsolatesFailures(t *testing.T) {
	c := New(Config{})
	good := &fakeListener{name: "good"}
	bad := &fakeListener{name: "bad", startErr: errors.New("queue unreachable")}
	other := &fakeListener{name: "other"}
	for _, l := range []Listener{good, bad, other} {
		if err := c.Add(l); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := c.StartAll(context.Background()); err != nil {
		t.Fatalf("non-fatal failure must not fail StartAll: %v", err)
	}
	running := c.Running()
	sort.Strings(running)
	if len(running) != 2 || running[0] != "good" || running[1] != "other" {
		t.Fatalf("unexpected running set %v", running)
	}
	failed := c.Failed()
	if len(failed) != 1 || failed[0].Function != "bad" || failed[0].Op != "start" {
		t.Fatalf("unexpected failures %+v", failed)
	}
	if err := c.StartAll(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := c.Add(&fakeListener{name: "late"}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected late add to fail, got %v", err)
	}
	if err := c.StopAll(context.Background(), time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !good.stopped.Load() || !other.stopped.Load() || bad.stopped.Load() {
		t.Fatal("expected only started listeners to be stopped")
	}
}

func TestStartFailureHandlerMarksFatal(t *testing.T) {
	cause := errors.New("bad config")
	var seen atomic.Int32
	c := New(Config{OnStartFailure: func(_ context.Context, err *FunctionListenerError) bool {
		seen.Add(1)
		return err.Function == "critical"
	}})
	_ = c.Add(&fakeListener{name: "critical", startErr: cause})
	_ = c.Add(&fakeListener{name: "optional", startErr: errors.New("meh")})
	_ = c.Add(&fakeListener{name: "fine"})

	err := c.StartAll(context.Background())
	if err == nil {
		t.Fatal("expected fatal failure")
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) || len(merr.Errors) != 1 {
		t.Fatalf("expected one aggregated failure, got %v", err)
	}
	var lerr *FunctionListenerError
	if !errors.As(merr.Errors[0], &lerr) || lerr.Function != "critical" || !errors.Is(lerr, cause) {
		t.Fatalf("unexpected failure %v", merr.Errors[0])
	}
	if seen.Load() != 2 {
		t.Fatalf("expected handler consulted for each failure, got %d", seen.Load())
	}
	if got := c.Running(); len(got) != 1 || got[0] != "fine" {
		t.Fatalf("expected the healthy listener to keep running, got %v", got)
	}
}

func TestStopAllAbandonsAfterGrace(t *testing.T) {
	c := New(Config{})
	stuck := &fakeListener{name: "stuck", block: make(chan struct{})}
	quick := &fakeListener{name: "quick"}
	_ = c.Add(stuck)
	_ = c.Add(quick)
	if err := c.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	err := c.StopAll(context.Background(), 50*time.Millisecond)
	if time.Since(start) > 2*time.Second {
		t.Fatal("StopAll blocked past the grace period")
	}
	var lerr *FunctionListenerError
	if !errors.As(err, &lerr) || lerr.Function != "stuck" || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the straggler to be reported, got %v", err)
	}
	if !quick.stopped.Load() {
		t.Fatal("expected quick listener stopped")
	}
	close(stuck.block)
}

func TestStopAllWithoutGraceUsesDefault(t *testing.T) {
	c := New(Config{DefaultGrace: 50 * time.Millisecond})
	stuck := &fakeListener{name: "stuck", block: make(chan struct{})}
	defer close(stuck.block)
	_ = c.Add(stuck)
	if err := c.StartAll(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	err := c.StopAll(context.Background(), 0)
	if time.Since(start) > 2*time.Second {
		t.Fatal("StopAll without grace must still be bounded")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the straggler to be abandoned, got %v", err)
	}
	if New(Config{}).defaultGrace != DefaultGrace {
		t.Fatal("expected the package default grace")
	}
}

func TestStopAllCancelsInFlightInvocation(t *testing.T) {
	ctx := context.Background()
	queues, err := queue.NewStore(memory.New(), queue.StoreConfig{})
	if err != nil {
		t.Fatalf("queue store: %v", err)
	}
	reg := binding.NewRegistry().Register(binding.TagQueueTrigger, binding.QueueTriggerProvider())
	exec, err := executor.New(executor.Config{Registry: reg})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	started := make(chan struct{})
	observed := make(chan error, 1)
	err = exec.Register(executor.Function{
		Name:    "long-running",
		Trigger: binding.Parameter{Name: "message", Tag: binding.TagQueueTrigger},
		Body: func(ctx context.Context, _ *executor.InvocationContext) error {
			close(started)
			<-ctx.Done()
			observed <- ctx.Err()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	l, err := listener.New(listener.Config{
		Options: listener.Options{
			Function:        "long-running",
			Queue:           "jobs",
			CreateQueue:     true,
			MaxDequeueCount: 1,
			MinPollInterval: time.Millisecond,
		},
		Provider: queues,
		Executor: exec,
	})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	c := New(Config{})
	_ = c.Add(l)
	if err := c.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	src, err := queues.Open(ctx, "jobs", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := src.Enqueue(ctx, []byte(`{"job":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("invocation never started")
	}

	if err := c.StopAll(ctx, 5*time.Second); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	select {
	case err := <-observed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	default:
		t.Fatal("invocation did not observe cancellation within the grace period")
	}
	if l.State() != poll.StateStopped {
		t.Fatalf("expected loop stopped, got %s", l.State())
	}
	if n, _ := src.ApproximateCount(ctx, 10); n != 1 {
		t.Fatalf("canceled message must stay for redelivery, got %d", n)
	}
	if _, err := queues.Open(ctx, queue.PoisonName("jobs"), false); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("canceled message must not be poisoned, got %v", err)
	}
}
