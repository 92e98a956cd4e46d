package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/fnhost/internal/storage"
)

func newStore(t *testing.T, watch bool) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir(), Watch: watch})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetConditional(t *testing.T) {
	t.Parallel()

	store := newStore(t, false)
	ctx := context.Background()
	first, err := store.Put(ctx, "q/orders/msg/1.json", []byte(`{"a":1}`), storage.Precondition{IfAbsent: true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if first.ETag == "" || first.Size != 7 {
		t.Fatalf("unexpected object %+v", first)
	}
	got, err := store.Get(ctx, "q/orders/msg/1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != `{"a":1}` || got.ETag != first.ETag {
		t.Fatalf("unexpected object %+v", got)
	}
	second, err := store.Put(ctx, "q/orders/msg/1.json", []byte(`{"a":1}`), storage.Precondition{IfMatch: first.ETag})
	if err != nil {
		t.Fatalf("conditional put: %v", err)
	}
	if second.ETag == first.ETag {
		t.Fatal("rewriting identical content must change the etag")
	}
	if _, err := store.Put(ctx, "q/orders/msg/1.json", []byte("x"), storage.Precondition{IfMatch: first.ETag}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on a stale etag, got %v", err)
	}
	if _, err := store.Put(ctx, "q/orders/msg/1.json", []byte("x"), storage.Precondition{IfAbsent: true}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on an existing key, got %v", err)
	}
	if _, err := store.Put(ctx, "q/orders/msg/2.json", []byte("x"), storage.Precondition{IfMatch: "gone"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for a missing key, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	t.Parallel()

	store := newStore(t, false)
	ctx := context.Background()
	for _, key := range []string{"q/a/msg/1", "q/a/msg/2", "q/b/msg/1", "leases/x"} {
		if _, err := store.Put(ctx, key, []byte(key), storage.Precondition{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	page, err := store.List(ctx, "q/a/", "", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Key != "q/a/msg/1" || page.Next != "q/a/msg/1" {
		t.Fatalf("unexpected page %+v", page)
	}
	all, err := storage.ListAll(ctx, store, "q/", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 queue objects, got %+v", all)
	}
	if err := store.Delete(ctx, "q/a/msg/1", storage.Precondition{IfMatch: "stale"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.Delete(ctx, "q/a/msg/1", storage.Precondition{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "q/a/msg/1", storage.Precondition{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Get(ctx, "q/a/msg/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if page, err := store.List(ctx, "missing/dir/", "", 0); err != nil || len(page.Objects) != 0 {
		t.Fatalf("listing a missing prefix should be empty: %+v %v", page, err)
	}
	whole, err := storage.ListAll(ctx, store, "", 0)
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(whole) != 3 {
		t.Fatalf("lock and temp files leaked into the listing: %+v", whole)
	}
}

func TestRejectsHiddenAndEmptySegments(t *testing.T) {
	t.Parallel()

	store := newStore(t, false)
	for _, key := range []string{"", ".locks/00", "a//b", "a/../b", "q/.tmp"} {
		if _, err := store.Put(context.Background(), key, []byte("x"), storage.Precondition{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestConcurrentConditionalPutSingleWinner(t *testing.T) {
	t.Parallel()

	store := newStore(t, false)
	ctx := context.Background()
	seed, err := store.Put(ctx, "leases/singleton", []byte("0"), storage.Precondition{})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Put(ctx, "leases/singleton", []byte("1"), storage.Precondition{IfMatch: seed.ETag}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestCorruptFileIsReported(t *testing.T) {
	t.Parallel()

	store := newStore(t, false)
	if err := os.WriteFile(filepath.Join(store.Root(), "orphan"), []byte("no header"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background(), "orphan"); err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected a header error, got %v", err)
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()

	store := newStore(t, true)
	if !store.Watching() {
		t.Skip("filesystem watch unsupported")
	}
	if _, err := store.Watch("q/orders"); err == nil {
		t.Fatal("expected a prefix without trailing slash to be rejected")
	}
	sub, err := storage.Watch(store, "q/orders/msg/")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()
	if _, err := store.Put(context.Background(), "q/orders/msg/1", []byte("x"), storage.Precondition{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := newStore(t, false).Watch("q/"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected watch disabled, got %v", err)
	}
}
