// Package memory is a process-local storage backend for tests and hosts
// that do not need durability.
package memory

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/storage"
)

// Options tunes a Store.
type Options struct {
	// NoWatch hides the Watch capability, as on a backend without change
	// notifications.
	NoWatch bool
	Clock   clock.Clock
}

type record struct {
	data     []byte
	version  uint64
	modified time.Time
}

// Store keeps documents in a map. ETags are the store-wide write counter at
// the time of the write.
type Store struct {
	clock   clock.Clock
	noWatch bool

	mu      sync.RWMutex
	records map[string]record
	keys    []string
	counter uint64

	subsMu sync.Mutex
	subs   map[*sub]struct{}
}

// New returns an empty Store that supports Watch.
func New() *Store { return NewWithOptions(Options{}) }

// NewWithOptions returns an empty Store configured by opts.
func NewWithOptions(opts Options) *Store {
	return &Store{
		clock:   clock.Ensure(opts.Clock),
		noWatch: opts.NoWatch,
		records: map[string]record{},
		subs:    map[*sub]struct{}{},
	}
}

func etag(version uint64) string { return "m" + strconv.FormatUint(version, 36) }

func (s *Store) Get(_ context.Context, key string) (storage.Object, error) {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return storage.Object{}, storage.ErrNotFound
	}
	return storage.Object{
		Key:      key,
		ETag:     etag(r.version),
		Size:     int64(len(r.data)),
		Modified: r.modified,
		Data:     slices.Clone(r.data),
	}, nil
}

func (s *Store) Put(_ context.Context, key string, data []byte, pre storage.Precondition) (storage.Object, error) {
	s.mu.Lock()
	cur, exists := s.records[key]
	if err := violates(cur, exists, pre); err != nil {
		s.mu.Unlock()
		return storage.Object{}, err
	}
	s.counter++
	r := record{data: slices.Clone(data), version: s.counter, modified: s.clock.Now()}
	s.records[key] = r
	if !exists {
		i, _ := slices.BinarySearch(s.keys, key)
		s.keys = slices.Insert(s.keys, i, key)
	}
	s.mu.Unlock()

	s.publish(key)
	return storage.Object{Key: key, ETag: etag(r.version), Size: int64(len(data)), Modified: r.modified}, nil
}

func (s *Store) Delete(_ context.Context, key string, pre storage.Precondition) error {
	s.mu.Lock()
	cur, exists := s.records[key]
	if !exists {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	if err := violates(cur, exists, storage.Precondition{IfMatch: pre.IfMatch}); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.records, key)
	if i, found := slices.BinarySearch(s.keys, key); found {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
	s.mu.Unlock()

	s.publish(key)
	return nil
}

func violates(cur record, exists bool, pre storage.Precondition) error {
	switch {
	case pre.IfAbsent && exists:
		return storage.ErrConflict
	case pre.IfMatch == "":
		return nil
	case !exists:
		return storage.ErrNotFound
	case etag(cur.version) != pre.IfMatch:
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) List(_ context.Context, prefix, after string, limit int) (storage.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, _ := slices.BinarySearch(s.keys, max(prefix, after))
	var window []string
	for _, k := range s.keys[start:] {
		if !strings.HasPrefix(k, prefix) {
			break
		}
		window = append(window, k)
	}
	keys, next := storage.PageKeys(window, prefix, after, limit)
	page := storage.Page{Next: next, Objects: make([]storage.Object, 0, len(keys))}
	for _, k := range keys {
		r := s.records[k]
		page.Objects = append(page.Objects, storage.Object{Key: k, ETag: etag(r.version), Size: int64(len(r.data)), Modified: r.modified})
	}
	return page, nil
}

// Close ends every open subscription.
func (s *Store) Close() error {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = map[*sub]struct{}{}
	s.subsMu.Unlock()
	for w := range subs {
		w.end()
	}
	return nil
}

// Watch signals after every write or delete of a key under prefix.
func (s *Store) Watch(prefix string) (storage.Subscription, error) {
	if s.noWatch {
		return nil, storage.ErrNotImplemented
	}
	w := &sub{store: s, prefix: prefix, ch: make(chan struct{}, 1)}
	s.subsMu.Lock()
	s.subs[w] = struct{}{}
	s.subsMu.Unlock()
	return w, nil
}

func (s *Store) publish(key string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for w := range s.subs {
		if strings.HasPrefix(key, w.prefix) {
			w.poke()
		}
	}
}

type sub struct {
	store  *Store
	prefix string

	mu   sync.Mutex
	ch   chan struct{}
	done bool
}

func (w *sub) Events() <-chan struct{} { return w.ch }

func (w *sub) Close() error {
	w.store.subsMu.Lock()
	delete(w.store.subs, w)
	w.store.subsMu.Unlock()
	w.end()
	return nil
}

func (w *sub) poke() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *sub) end() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.done = true
		close(w.ch)
	}
}
