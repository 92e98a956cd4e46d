package fnhost

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/fnhost/internal/lease"
	"pkt.systems/fnhost/internal/lifecycle"
	"pkt.systems/fnhost/internal/storage/memory"
)

type countingListener struct {
	name    string
	running *atomic.Int32
	starts  *atomic.Int32
}

func (l *countingListener) Name() string { return l.name }

func (l *countingListener) Start(context.Context) error {
	l.running.Add(1)
	l.starts.Add(1)
	return nil
}

func (l *countingListener) Stop(context.Context) error {
	l.running.Add(-1)
	return nil
}

func newCountingSingleton(store lease.Store, owner string, running, starts *atomic.Int32) *singletonListener {
	return newSingletonListener(singletonConfig{
		Name:     "report",
		Resource: "singleton/report",
		Owner:    owner,
		Store:    store,
		TTL:      100 * time.Millisecond,
		NewListener: func() (lifecycle.Listener, error) {
			return &countingListener{name: "report", running: running, starts: starts}, nil
		},
	})
}

func TestSingletonRunsOnOneHost(t *testing.T) {
	store := lease.NewObjectStore(memory.New(), nil)
	var running, starts atomic.Int32
	a := newCountingSingleton(store, "host-a", &running, &starts)
	b := newCountingSingleton(store, "host-b", &running, &starts)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	waitUntil(t, "one active singleton", func() bool { return a.Active() || b.Active() })
	time.Sleep(250 * time.Millisecond)
	if running.Load() != 1 || (a.Active() && b.Active()) {
		t.Fatalf("expected exactly one active listener, running=%d a=%v b=%v", running.Load(), a.Active(), b.Active())
	}

	first, second := a, b
	if b.Active() {
		first, second = b, a
	}
	if err := first.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitUntil(t, "failover", second.Active)
	if running.Load() != 1 {
		t.Fatalf("expected one listener after failover, got %d", running.Load())
	}
	if err := second.Stop(ctx); err != nil {
		t.Fatalf("stop second: %v", err)
	}
	if running.Load() != 0 || starts.Load() != 2 {
		t.Fatalf("running=%d starts=%d", running.Load(), starts.Load())
	}
}

type flakyLeaseStore struct {
	lease.Store
	lose atomic.Bool
}

func (s *flakyLeaseStore) Renew(ctx context.Context, l lease.Lease, ttl time.Duration) (lease.Lease, error) {
	if s.lose.Load() {
		return lease.Lease{}, lease.ErrLeaseLost
	}
	return s.Store.Renew(ctx, l, ttl)
}

func TestSingletonStopsListenerOnLeaseLoss(t *testing.T) {
	store := &flakyLeaseStore{Store: lease.NewObjectStore(memory.New(), nil)}
	var running, starts atomic.Int32
	s := newCountingSingleton(store, "host-a", &running, &starts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())
	waitUntil(t, "active", s.Active)
	store.lose.Store(true)
	waitUntil(t, "listener stopped after loss", func() bool { return !s.Active() && running.Load() == 0 })
	store.lose.Store(false)
	waitUntil(t, "reacquired", func() bool { return s.Active() && starts.Load() == 2 })
}
