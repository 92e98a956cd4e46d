package logging

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/fnhost/internal/correlation"
	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/storage"
	"pkt.systems/fnhost/internal/storage/memory"
)

func TestCallsAreLogged(t *testing.T) {
	rec := loggingutil.NewRecorder()
	b := Wrap(memory.New(), rec, "test")
	ctx := correlation.Set(context.Background(), "corr-1")

	if _, err := b.Put(ctx, "q/work/msg/a.json", []byte("{}"), storage.Precondition{IfAbsent: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := b.Get(ctx, "q/work/msg/missing.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := storage.ListAll(ctx, b, "q/", 0); err != nil {
		t.Fatalf("list: %v", err)
	}

	put, ok := rec.Find("storage.put.ok")
	if !ok {
		t.Fatal("expected a put entry")
	}
	if got, _ := put.Field("cid"); got != "corr-1" {
		t.Fatalf("expected the correlation id on the entry, got %v", got)
	}
	failed, ok := rec.Find("storage.get.error")
	if !ok {
		t.Fatal("expected a get error entry")
	}
	if got, _ := failed.Field("key"); got != "q/work/msg/missing.json" {
		t.Fatalf("unexpected key field %v", got)
	}
	list, ok := rec.Find("storage.list.ok")
	if !ok {
		t.Fatal("expected a list entry")
	}
	if got, _ := list.Field("count"); got != 1 {
		t.Fatalf("unexpected count %v", got)
	}
}

func TestWatchIsForwarded(t *testing.T) {
	b := Wrap(memory.New(), nil, "test")
	sub, err := storage.Watch(b, "q/work/")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close()
	if _, err := b.Put(context.Background(), "q/work/msg/b.json", []byte("{}"), storage.Precondition{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	default:
		t.Fatal("expected a change event")
	}
}
