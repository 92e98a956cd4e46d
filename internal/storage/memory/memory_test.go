package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/fnhost/internal/storage"
)

func mustPut(t *testing.T, s *Store, key, body string, pre storage.Precondition) storage.Object {
	t.Helper()
	obj, err := s.Put(context.Background(), key, []byte(body), pre)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return obj
}

func TestPreconditions(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := mustPut(t, s, "alpha", `{"n":1}`, storage.Precondition{IfAbsent: true})
	if _, err := s.Put(ctx, "alpha", nil, storage.Precondition{IfAbsent: true}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict for IfAbsent, got %v", err)
	}
	if _, err := s.Put(ctx, "alpha", nil, storage.Precondition{IfMatch: "wrong"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.Put(ctx, "missing", nil, storage.Precondition{IfMatch: first.ETag}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	second := mustPut(t, s, "alpha", `{"n":2}`, storage.Precondition{IfMatch: first.ETag})
	if second.ETag == first.ETag {
		t.Fatal("etag did not change")
	}
	got, err := s.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != `{"n":2}` || got.ETag != second.ETag {
		t.Fatalf("unexpected object %+v", got)
	}
	got.Data[0] = 'X'
	again, _ := s.Get(ctx, "alpha")
	if string(again.Data) != `{"n":2}` {
		t.Fatal("callers must not be able to mutate stored data")
	}
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	obj := mustPut(t, s, "k", "v", storage.Precondition{})
	if err := s.Delete(ctx, "k", storage.Precondition{IfMatch: "nope"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.Delete(ctx, "k", storage.Precondition{IfMatch: obj.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "k", storage.Precondition{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListPrefixAndPages(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, key := range []string{"a/1", "q/x/msg/1", "q/x/msg/2", "q/x/msg/3", "q/y/msg/1", "z"} {
		mustPut(t, s, key, key, storage.Precondition{})
	}
	page, err := s.List(ctx, "q/x/", "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 || page.Next != "q/x/msg/2" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = s.List(ctx, "q/x/", page.Next, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Key != "q/x/msg/3" || page.Next != "" {
		t.Fatalf("unexpected last page %+v", page)
	}
	all, err := storage.ListAll(ctx, s, "q/", 1)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 queue objects, got %d", len(all))
	}
}

func TestWatch(t *testing.T) {
	s := New()
	sub, err := storage.Watch(s, "q/orders/")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()

	mustPut(t, s, "q/other/msg/1", "x", storage.Precondition{})
	select {
	case <-sub.Events():
		t.Fatal("unexpected event for an unrelated prefix")
	case <-time.After(20 * time.Millisecond):
	}
	mustPut(t, s, "q/orders/msg/1", "x", storage.Precondition{})
	mustPut(t, s, "q/orders/msg/2", "x", storage.Precondition{})
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected a change event")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	mustPut(t, s, "q/orders/msg/3", "x", storage.Precondition{})
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected the channel closed after Close")
	}
}

func TestWatchDisabled(t *testing.T) {
	s := NewWithOptions(Options{NoWatch: true})
	if _, err := storage.Watch(s, "q/"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
}
