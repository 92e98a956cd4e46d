package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/storage/memory"
)

func TestValidateResource(t *testing.T) {
	for _, bad := range []string{"", "/x", "x/", "a//b", "a/../b", "."} {
		if err := ValidateResource(bad); !errors.Is(err, ErrInvalidResource) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if err := ValidateResource("singleton/resize"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestObjectStoreAcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := NewObjectStore(memory.New(), clk)

	a, err := store.Acquire(ctx, "singleton/resize", "owner-a", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a.Fencing != 1 || !a.ExpiresAt.Equal(clk.Now().Add(10*time.Second)) {
		t.Fatalf("unexpected lease %+v", a)
	}
	if _, err := store.Acquire(ctx, "singleton/resize", "owner-b", 10*time.Second); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	again, err := store.Acquire(ctx, "singleton/resize", "owner-a", 10*time.Second)
	if err != nil || again.Fencing != 1 {
		t.Fatalf("re-acquire by owner: %+v %v", again, err)
	}

	clk.Advance(5 * time.Second)
	renewed, err := store.Renew(ctx, a, 10*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.Equal(clk.Now().Add(10 * time.Second)) {
		t.Fatalf("renew did not extend: %+v", renewed)
	}

	clk.Advance(11 * time.Second)
	b, err := store.Acquire(ctx, "singleton/resize", "owner-b", 10*time.Second)
	if err != nil {
		t.Fatalf("takeover after expiry: %v", err)
	}
	if b.Fencing != 2 {
		t.Fatalf("expected fencing to advance, got %d", b.Fencing)
	}
	if _, err := store.Renew(ctx, renewed, 10*time.Second); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale owner, got %v", err)
	}
	if err := store.Release(ctx, renewed); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected stale release to fail, got %v", err)
	}
	if err := store.Release(ctx, b); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Release(ctx, b); err != nil {
		t.Fatalf("second release must be a no-op: %v", err)
	}
	if _, err := store.Acquire(ctx, "singleton/resize", "owner-c", time.Second); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestObjectStoreFencingSurvivesRelease(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := NewObjectStore(memory.New(), clk)

	a, err := store.Acquire(ctx, "singleton/billing", "owner-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Release(ctx, a); err != nil {
		t.Fatalf("release: %v", err)
	}
	b, err := store.Acquire(ctx, "singleton/billing", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if b.Fencing != 2 {
		t.Fatalf("expected fencing 2 after release, got %d", b.Fencing)
	}
	if err := store.Release(ctx, a); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected release of the old term to fail, got %v", err)
	}
	if _, err := store.Renew(ctx, a, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected renew of the old term to fail, got %v", err)
	}
	if err := store.Release(ctx, b); err != nil {
		t.Fatalf("release: %v", err)
	}
	c, err := store.Acquire(ctx, "singleton/billing", "owner-b", time.Minute)
	if err != nil || c.Fencing != 3 {
		t.Fatalf("a new term for the same owner must advance fencing, got %+v %v", c, err)
	}
}

func TestObjectStoreConcurrentAcquireGrantsOne(t *testing.T) {
	ctx := context.Background()
	store := NewObjectStore(memory.New(), nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Acquire(ctx, "race", string(rune('a'+i)), time.Minute)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrLeaseHeld) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func waitPending(t *testing.T, clk *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer never armed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGuardRenewsAndReleases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := NewObjectStore(memory.New(), clk)
	g, err := Hold(ctx, store, "singleton/job", "owner-a", GuardConfig{TTL: 10 * time.Second, Clock: clk})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	first := g.Lease().ExpiresAt
	for i := 0; i < 3; i++ {
		waitPending(t, clk)
		clk.Advance(5 * time.Second)
	}
	waitPending(t, clk)
	if !g.Lease().ExpiresAt.After(first) {
		t.Fatal("expected renewal to extend the lease")
	}
	if _, err := store.Acquire(ctx, "singleton/job", "owner-b", time.Second); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected renewed lease to block others, got %v", err)
	}
	if err := g.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.Acquire(ctx, "singleton/job", "owner-b", time.Second); err != nil {
		t.Fatalf("expected lease free after release, got %v", err)
	}
}

func TestGuardReportsLoss(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	backend := memory.New()
	store := NewObjectStore(backend, clk)
	g, err := Hold(ctx, store, "singleton/job", "owner-a", GuardConfig{TTL: 10 * time.Second, Clock: clk})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := store.Release(ctx, g.Lease()); err != nil {
		t.Fatalf("steal release: %v", err)
	}
	if _, err := store.Acquire(ctx, "singleton/job", "owner-b", time.Minute); err != nil {
		t.Fatalf("steal: %v", err)
	}
	waitPending(t, clk)
	clk.Advance(5 * time.Second)
	select {
	case <-g.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("expected lease loss to be reported")
	}
	if !errors.Is(g.Err(), ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", g.Err())
	}
	if err := g.Release(ctx); err != nil {
		t.Fatalf("release after loss: %v", err)
	}
}
