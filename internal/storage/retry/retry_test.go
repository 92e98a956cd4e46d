package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/storage"
	"pkt.systems/fnhost/internal/storage/memory"
	"pkt.systems/fnhost/internal/storage/retry"
	"pkt.systems/pslog"
)

// instant records requested waits and fires immediately.
type instant struct{ waits []time.Duration }

func (c *instant) Now() time.Time { return time.Unix(0, 0) }

func (c *instant) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func (c *instant) AfterFunc(_ time.Duration, fn func()) clock.Timer { return time.AfterFunc(0, fn) }
func (c *instant) Sleep(d time.Duration)                          { <-c.After(d) }

// scripted fails Get and Put with the queued errors, then defers to memory.
type scripted struct {
	*memory.Store
	failures []error
	calls    int
	bodies   []string
}

func (s *scripted) pop() error {
	s.calls++
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *scripted) Get(ctx context.Context, key string) (storage.Object, error) {
	if err := s.pop(); err != nil {
		return storage.Object{}, err
	}
	return s.Store.Get(ctx, key)
}

func (s *scripted) Put(ctx context.Context, key string, data []byte, pre storage.Precondition) (storage.Object, error) {
	s.bodies = append(s.bodies, string(data))
	if err := s.pop(); err != nil {
		return storage.Object{}, err
	}
	return s.Store.Put(ctx, key, data, pre)
}

func TestWrapNil(t *testing.T) {
	if retry.Wrap(nil, nil, nil, retry.Config{}) != nil {
		t.Fatal("expected nil for a nil backend")
	}
}

func TestTransientGetIsRetried(t *testing.T) {
	t.Parallel()

	inner := &scripted{Store: memory.New(), failures: []error{storage.Transient(errors.New("reset"))}}
	seeded, err := inner.Store.Put(context.Background(), "k", []byte("v"), storage.Precondition{})
	if err != nil {
		t.Fatal(err)
	}
	clk := &instant{}
	b := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond})
	obj, err := b.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if obj.ETag != seeded.ETag || inner.calls != 2 {
		t.Fatalf("unexpected result %+v after %d calls", obj, inner.calls)
	}
	if len(clk.waits) != 1 || clk.waits[0] != 5*time.Millisecond {
		t.Fatalf("unexpected waits %v", clk.waits)
	}
}

func TestWaitsDoubleUpToMax(t *testing.T) {
	t.Parallel()

	boom := storage.Transient(errors.New("unavailable"))
	inner := &scripted{Store: memory.New(), failures: []error{boom, boom, boom, boom}}
	clk := &instant{}
	b := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 4, BaseDelay: 5 * time.Millisecond, MaxDelay: 12 * time.Millisecond})
	if _, err := b.Get(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("expected the last transient error, got %v", err)
	}
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 12 * time.Millisecond}
	if fmt.Sprint(clk.waits) != fmt.Sprint(want) {
		t.Fatalf("waits %v, want %v", clk.waits, want)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	inner := &scripted{Store: memory.New(), failures: []error{storage.ErrConflict}}
	clk := &instant{}
	b := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 5})
	if _, err := b.Put(context.Background(), "k", []byte("v"), storage.Precondition{IfAbsent: true}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if inner.calls != 1 || len(clk.waits) != 0 {
		t.Fatalf("expected one attempt, got %d calls and waits %v", inner.calls, clk.waits)
	}
}

func TestPutResendsSameBody(t *testing.T) {
	t.Parallel()

	inner := &scripted{Store: memory.New(), failures: []error{storage.Transient(errors.New("reset"))}}
	b := retry.Wrap(inner, pslog.NoopLogger(), &instant{}, retry.Config{MaxAttempts: 2})
	obj, err := b.Put(context.Background(), "k", []byte("payload"), storage.Precondition{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj.Size != int64(len("payload")) {
		t.Fatalf("unexpected size %d", obj.Size)
	}
	if fmt.Sprint(inner.bodies) != "[payload payload]" {
		t.Fatalf("unexpected bodies %q", inner.bodies)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	boom := storage.Transient(errors.New("unavailable"))
	inner := &scripted{Store: memory.New(), failures: []error{boom, boom}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := retry.Wrap(inner, pslog.NoopLogger(), clock.Real{}, retry.Config{MaxAttempts: 3, BaseDelay: time.Hour})
	if _, err := b.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestWatchPassesThrough(t *testing.T) {
	t.Parallel()

	sub, err := storage.Watch(retry.Wrap(memory.New(), nil, nil, retry.Config{}), "q/work/")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	sub.Close()

	hidden := memory.NewWithOptions(memory.Options{NoWatch: true})
	if _, err := storage.Watch(retry.Wrap(hidden, nil, nil, retry.Config{}), "q/"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
}
