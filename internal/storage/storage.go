// Package storage defines the flat object store that queues, leases and the
// invocation log persist to. Documents are small, so bodies travel as byte
// slices; every write returns an ETag that later writes can be conditioned
// on.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors returned by backends.
var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict reports a failed precondition: the ETag moved or the key
	// already exists.
	ErrConflict       = errors.New("storage: precondition failed")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Object is one stored document. Data is nil in listings.
type Object struct {
	Key      string
	ETag     string
	Size     int64
	Modified time.Time
	Data     []byte
}

// Page is one slice of a listing. An empty Next means the listing is done.
type Page struct {
	Objects []Object
	Next    string
}

// Precondition guards Put and Delete. The zero value is unconditional.
type Precondition struct {
	// IfMatch requires the stored ETag to equal it.
	IfMatch string
	// IfAbsent requires the key to not exist. Put only.
	IfAbsent bool
}

// Unconditional reports whether p checks nothing.
func (p Precondition) Unconditional() bool { return p.IfMatch == "" && !p.IfAbsent }

// Backend is implemented by every store fnhost can run on.
type Backend interface {
	// List returns up to limit objects whose key starts with prefix and
	// sorts after after, in key order. limit <= 0 means backend default.
	List(ctx context.Context, prefix, after string, limit int) (Page, error)
	Get(ctx context.Context, key string) (Object, error)
	// Put writes data and returns the new object without Data. A failed
	// precondition returns ErrConflict, or ErrNotFound when IfMatch names a
	// key that is gone.
	Put(ctx context.Context, key string, data []byte, pre Precondition) (Object, error)
	// Delete removes key. Missing keys return ErrNotFound.
	Delete(ctx context.Context, key string, pre Precondition) error
	Close() error
}

// Subscription delivers a coalesced wake-up after writes under its prefix.
type Subscription interface {
	Events() <-chan struct{}
	Close() error
}

// Watcher is implemented by backends that can push change notifications.
type Watcher interface {
	Watch(prefix string) (Subscription, error)
}

// Watch subscribes to prefix on b, or returns ErrNotImplemented.
func Watch(b Backend, prefix string) (Subscription, error) {
	w, ok := b.(Watcher)
	if !ok {
		return nil, ErrNotImplemented
	}
	return w.Watch(prefix)
}

type transient struct{ error }

func (t transient) Unwrap() error { return t.error }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return transient{err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// LoadJSON decodes the document at key into v and returns its ETag.
func LoadJSON(ctx context.Context, b Backend, key string, v any) (string, error) {
	obj, err := b.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(obj.Data, v); err != nil {
		return "", fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return obj.ETag, nil
}

// StoreJSON encodes v to key under pre and returns the new ETag.
func StoreJSON(ctx context.Context, b Backend, key string, v any, pre Precondition) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode %s: %w", key, err)
	}
	obj, err := b.Put(ctx, key, data, pre)
	if err != nil {
		return "", err
	}
	return obj.ETag, nil
}

// ListAll follows pagination until every object under prefix is collected.
func ListAll(ctx context.Context, b Backend, prefix string, pageSize int) ([]Object, error) {
	var out []Object
	after := ""
	for {
		page, err := b.List(ctx, prefix, after, pageSize)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Objects {
			if strings.HasPrefix(obj.Key, prefix) {
				out = append(out, obj)
			}
		}
		if page.Next == "" {
			return out, nil
		}
		after = page.Next
	}
}

// PageKeys cuts one List page out of sorted keys. Backends that enumerate
// keys locally share it.
func PageKeys(sorted []string, prefix, after string, limit int) (page []string, next string) {
	for _, k := range sorted {
		if !strings.HasPrefix(k, prefix) || k <= after {
			continue
		}
		if limit > 0 && len(page) == limit {
			return page, page[len(page)-1]
		}
		page = append(page, k)
	}
	return page, ""
}
