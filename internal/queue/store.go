package queue

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/ids"
	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/storage"
)

const (
	// DefaultMaxMessageBytes bounds message bodies accepted by Enqueue.
	DefaultMaxMessageBytes = 64 * 1024
	defaultListPageSize    = 64
)

// Notifier is implemented by sources whose backend can signal that messages
// were written or removed.
type Notifier interface {
	SubscribeMessages() (storage.Subscription, error)
}

// StoreConfig configures a storage-backed queue provider.
type StoreConfig struct {
	MaxMessageBytes int64
	PageSize        int
	Clock           clock.Clock
	Logger          pslog.Logger
}

// Store provides queues persisted as JSON documents in a storage.Backend.
// Each message lives at q/<queue>/msg/<id>.json and is claimed with a CAS
// write against the observed ETag.
type Store struct {
	backend  storage.Backend
	clock    clock.Clock
	logger   pslog.Logger
	maxBytes int64
	pageSize int
}

// NewStore constructs a queue provider over backend.
func NewStore(backend storage.Backend, cfg StoreConfig) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue: backend required")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultListPageSize
	}
	return &Store{
		backend:  backend,
		clock:    clock.Ensure(cfg.Clock),
		logger:   loggingutil.WithSubsystem(cfg.Logger, "queue", "store"),
		maxBytes: cfg.MaxMessageBytes,
		pageSize: cfg.PageSize,
	}, nil
}

type queueMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type messageDocument struct {
	ID              string    `json:"id"`
	Body            []byte    `json:"body"`
	DequeueCount    int       `json:"dequeue_count"`
	InsertedAt      time.Time `json:"inserted_at"`
	NotVisibleUntil time.Time `json:"not_visible_until"`
}

func metaKey(queue string) string {
	return path.Join("q", queue, "meta.json")
}

func messagePrefix(queue string) string {
	return path.Join("q", queue, "msg") + "/"
}

func messageKey(queue, id string) string {
	return messagePrefix(queue) + id + ".json"
}

// Open returns the named queue, creating its marker when create is set.
func (s *Store) Open(ctx context.Context, name string, create bool) (Source, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	exists, err := s.exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
		}
		meta := queueMeta{Name: name, CreatedAt: s.clock.Now()}
		if _, err := storage.StoreJSON(ctx, s.backend, metaKey(name), meta, storage.Precondition{IfAbsent: true}); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("queue: create %s: %w", name, err)
		}
		s.logger.Info("queue.created", "queue", name)
	}
	return &storeQueue{store: s, name: name}, nil
}

func (s *Store) exists(ctx context.Context, name string) (bool, error) {
	var meta queueMeta
	if _, err := storage.LoadJSON(ctx, s.backend, metaKey(name), &meta); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("queue: load %s: %w", name, err)
	}
	return true, nil
}

type storeQueue struct {
	store *Store
	name  string
}

func (q *storeQueue) Name() string { return q.name }

func (q *storeQueue) Dequeue(ctx context.Context, batchSize int, visibility time.Duration) ([]*Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	s := q.store
	var (
		out     []*Message
		after   string
		scanned int
	)
	for len(out) < batchSize {
		res, err := s.backend.List(ctx, messagePrefix(q.name), after, s.pageSize)
		if err != nil {
			return q.partial(out, fmt.Errorf("queue: dequeue %s: %w", q.name, err))
		}
		scanned += len(res.Objects)
		for _, obj := range res.Objects {
			if len(out) >= batchSize {
				break
			}
			msg, err := q.claim(ctx, obj.Key, visibility)
			if err != nil {
				return q.partial(out, err)
			}
			if msg != nil {
				out = append(out, msg)
			}
		}
		if res.Next == "" {
			break
		}
		after = res.Next
	}
	if scanned == 0 {
		exists, err := s.exists(ctx, q.name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, q.name)
		}
	}
	return out, nil
}

// partial settles a dequeue that failed midway. Messages already claimed
// carry an incremented dequeue count, so they are handed out and the error is
// only logged.
func (q *storeQueue) partial(claimed []*Message, err error) ([]*Message, error) {
	if len(claimed) == 0 {
		return nil, err
	}
	q.store.logger.Warn("queue.dequeue.partial", "queue", q.name, "claimed", len(claimed), "error", err)
	return claimed, nil
}

// claim leases the message at key. A nil message means it was invisible or
// another consumer won the race.
func (q *storeQueue) claim(ctx context.Context, key string, visibility time.Duration) (*Message, error) {
	s := q.store
	var doc messageDocument
	etag, err := storage.LoadJSON(ctx, s.backend, key, &doc)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: dequeue %s: %w", q.name, err)
	}
	now := s.clock.Now()
	if doc.NotVisibleUntil.After(now) {
		return nil, nil
	}
	doc.DequeueCount++
	doc.NotVisibleUntil = now.Add(visibility)
	next, err := storage.StoreJSON(ctx, s.backend, key, doc, storage.Precondition{IfMatch: etag})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			s.logger.Trace("queue.claim.lost", "queue", q.name, "message_id", doc.ID)
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim %s/%s: %w", q.name, doc.ID, err)
	}
	return NewMessage(doc.ID, doc.Body, doc.DequeueCount, doc.InsertedAt, doc.NotVisibleUntil, next), nil
}

func (q *storeQueue) Delete(ctx context.Context, msg *Message) error {
	if msg == nil {
		return nil
	}
	err := q.store.backend.Delete(ctx, messageKey(q.name, msg.ID), storage.Precondition{IfMatch: msg.PopReceipt()})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrConflict):
		q.store.logger.Debug("queue.delete.stale_receipt", "queue", q.name, "message_id", msg.ID)
		return nil
	case err != nil:
		return fmt.Errorf("queue: delete %s/%s: %w", q.name, msg.ID, err)
	}
	return nil
}

func (q *storeQueue) ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error {
	s := q.store
	key := messageKey(q.name, msg.ID)
	var doc messageDocument
	etag, err := storage.LoadJSON(ctx, s.backend, key, &doc)
	if err != nil {
		return fmt.Errorf("queue: extend %s/%s: %w", q.name, msg.ID, err)
	}
	if etag != msg.PopReceipt() {
		return fmt.Errorf("%w: %s/%s", ErrPopReceiptMismatch, q.name, msg.ID)
	}
	doc.NotVisibleUntil = s.clock.Now().Add(d)
	next, err := storage.StoreJSON(ctx, s.backend, key, doc, storage.Precondition{IfMatch: etag})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: %s/%s", ErrPopReceiptMismatch, q.name, msg.ID)
		}
		return fmt.Errorf("queue: extend %s/%s: %w", q.name, msg.ID, err)
	}
	msg.UpdateLease(next, doc.NotVisibleUntil)
	return nil
}

func (q *storeQueue) Enqueue(ctx context.Context, body []byte) (*Message, error) {
	s := q.store
	if int64(len(body)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrMessageTooLarge, humanize.IBytes(uint64(len(body))), humanize.IBytes(uint64(s.maxBytes)))
	}
	now := s.clock.Now()
	doc := messageDocument{
		ID:         ids.NewString(),
		Body:       append([]byte(nil), body...),
		InsertedAt: now,
	}
	etag, err := storage.StoreJSON(ctx, s.backend, messageKey(q.name, doc.ID), doc, storage.Precondition{IfAbsent: true})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", q.name, err)
	}
	s.logger.Trace("queue.enqueue.success", "queue", q.name, "message_id", doc.ID, "bytes", len(body))
	return NewMessage(doc.ID, doc.Body, 0, now, now, etag), nil
}

func (q *storeQueue) ApproximateCount(ctx context.Context, limit int) (int, error) {
	count, after := 0, ""
	for {
		res, err := q.store.backend.List(ctx, messagePrefix(q.name), after, q.store.pageSize)
		if err != nil {
			return count, fmt.Errorf("queue: count %s: %w", q.name, err)
		}
		count += len(res.Objects)
		if limit > 0 && count >= limit {
			return limit, nil
		}
		if res.Next == "" {
			return count, nil
		}
		after = res.Next
	}
}

// Peek returns up to limit messages in storage order without leasing them.
func (q *storeQueue) Peek(ctx context.Context, limit int) ([]*Message, error) {
	objects, err := storage.ListAll(ctx, q.store.backend, messagePrefix(q.name), q.store.pageSize)
	if err != nil {
		return nil, fmt.Errorf("queue: peek %s: %w", q.name, err)
	}
	var out []*Message
	for _, obj := range objects {
		if limit > 0 && len(out) >= limit {
			break
		}
		var doc messageDocument
		etag, err := storage.LoadJSON(ctx, q.store.backend, obj.Key, &doc)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("queue: peek %s: %w", q.name, err)
		}
		out = append(out, NewMessage(doc.ID, doc.Body, doc.DequeueCount, doc.InsertedAt, doc.NotVisibleUntil, etag))
	}
	return out, nil
}

// SubscribeMessages watches this queue's message documents.
func (q *storeQueue) SubscribeMessages() (storage.Subscription, error) {
	return storage.Watch(q.store.backend, messagePrefix(q.name))
}

// IsMessageKey reports whether key addresses a queued message document.
func IsMessageKey(key string) bool {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	return len(parts) == 4 && parts[0] == "q" && parts[2] == "msg" && strings.HasSuffix(parts[3], ".json")
}
