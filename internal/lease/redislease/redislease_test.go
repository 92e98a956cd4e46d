package redislease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"

	"pkt.systems/fnhost/internal/lease"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	r := miniredis.RunT(t)
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	if err != nil {
		t.Fatalf("rueidis client: %v", err)
	}
	t.Cleanup(client.Close)
	return New(client, Config{}), r
}

func TestAcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	store, r := newTestStore(t)

	a, err := store.Acquire(ctx, "singleton/report", "owner-a", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a.Fencing != 1 {
		t.Fatalf("expected fencing 1, got %d", a.Fencing)
	}
	if ttl := r.TTL(DefaultPrefix + "{singleton/report}"); ttl != 10*time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	if _, err := store.Acquire(ctx, "singleton/report", "owner-b", 10*time.Second); !errors.Is(err, lease.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if again, err := store.Acquire(ctx, "singleton/report", "owner-a", 10*time.Second); err != nil || again.Fencing != 1 {
		t.Fatalf("re-acquire by owner: %+v %v", again, err)
	}

	r.FastForward(5 * time.Second)
	if _, err := store.Renew(ctx, a, 30*time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ttl := r.TTL(DefaultPrefix + "{singleton/report}"); ttl != 30*time.Second {
		t.Fatalf("renew did not reset ttl: %s", ttl)
	}

	r.FastForward(31 * time.Second)
	b, err := store.Acquire(ctx, "singleton/report", "owner-b", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if b.Fencing != 2 {
		t.Fatalf("expected fencing to advance, got %d", b.Fencing)
	}
	if _, err := store.Renew(ctx, a, time.Second); !errors.Is(err, lease.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := store.Release(ctx, a); !errors.Is(err, lease.ErrLeaseLost) {
		t.Fatalf("expected stale release to fail, got %v", err)
	}
	if err := store.Release(ctx, b); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Release(ctx, b); err != nil {
		t.Fatalf("second release must be a no-op: %v", err)
	}
}

func TestGuardOverRedis(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	g, err := lease.Hold(ctx, store, "singleton/sync", "owner-a", lease.GuardConfig{TTL: time.Minute})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := lease.Hold(ctx, store, "singleton/sync", "owner-b", lease.GuardConfig{TTL: time.Minute}); !errors.Is(err, lease.ErrLeaseHeld) {
		t.Fatalf("expected second holder to be rejected, got %v", err)
	}
	if err := g.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.Acquire(ctx, "singleton/sync", "owner-b", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestFencingSurvivesRelease(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
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
}

func TestInvalidResource(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Acquire(context.Background(), "", "x", time.Second); !errors.Is(err, lease.ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
}
