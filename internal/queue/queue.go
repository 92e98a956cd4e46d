// Package queue defines the message source contract the queue processor
// consumes and provides a storage-backed implementation of it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/fnhost/internal/causality"
)

// PoisonSuffix is appended to a queue name to form its poison sibling.
const PoisonSuffix = "-poison"

// Sentinel errors returned by sources and providers.
var (
	ErrQueueNotFound      = errors.New("queue: not found")
	ErrMessageTooLarge    = errors.New("queue: message too large")
	ErrInvalidName        = errors.New("queue: invalid name")
	ErrPopReceiptMismatch = errors.New("queue: pop receipt mismatch")
)

// Source is a durable at-least-once queue with visibility timeouts.
type Source interface {
	// Name returns the queue name.
	Name() string
	// Dequeue leases up to batchSize visible messages for visibility. Each
	// returned message has its dequeue count incremented.
	Dequeue(ctx context.Context, batchSize int, visibility time.Duration) ([]*Message, error)
	// Delete removes msg. Deleting a message that is already gone, or whose
	// pop receipt is stale, is not an error.
	Delete(ctx context.Context, msg *Message) error
	// ExtendVisibility keeps msg hidden for d from now.
	ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error
	// Enqueue appends body as a new message.
	Enqueue(ctx context.Context, body []byte) (*Message, error)
	// ApproximateCount counts messages up to limit. Monitoring only.
	ApproximateCount(ctx context.Context, limit int) (int, error)
}

// Provider opens sources by name.
type Provider interface {
	// Open returns the named queue. When create is false and the queue does
	// not exist, ErrQueueNotFound is returned.
	Open(ctx context.Context, name string, create bool) (Source, error)
}

// Peeker is implemented by sources that can list messages without leasing
// them.
type Peeker interface {
	Peek(ctx context.Context, limit int) ([]*Message, error)
}

// Message is one delivery of a queued payload.
type Message struct {
	ID           string
	Body         []byte
	DequeueCount int
	InsertedAt   time.Time

	mu            sync.Mutex
	popReceipt    string
	nextVisibleAt time.Time

	parentOnce sync.Once
	parentID   string
	hasParent  bool
}

// NewMessage constructs a message as delivered by a source.
func NewMessage(id string, body []byte, dequeueCount int, insertedAt, nextVisibleAt time.Time, popReceipt string) *Message {
	return &Message{
		ID:            id,
		Body:          body,
		DequeueCount:  dequeueCount,
		InsertedAt:    insertedAt,
		popReceipt:    popReceipt,
		nextVisibleAt: nextVisibleAt,
	}
}

// PopReceipt returns the opaque token proving the current lease.
func (m *Message) PopReceipt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popReceipt
}

// NextVisibleAt reports when the message becomes visible to other consumers.
func (m *Message) NextVisibleAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextVisibleAt
}

// UpdateLease records a new pop receipt and visibility deadline after a
// successful visibility extension.
func (m *Message) UpdateLease(popReceipt string, nextVisibleAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if popReceipt != "" {
		m.popReceipt = popReceipt
	}
	m.nextVisibleAt = nextVisibleAt
}

// ParentID extracts the causality parent embedded in the body. The body is
// scanned at most once.
func (m *Message) ParentID() (string, bool) {
	m.parentOnce.Do(func() {
		m.parentID, m.hasParent = causality.GetParent(m.Body)
	})
	return m.parentID, m.hasParent
}

// PoisonName returns the poison sibling of name.
func PoisonName(name string) string {
	return name + PoisonSuffix
}

// IsPoisonName reports whether name is a poison queue.
func IsPoisonName(name string) bool {
	return strings.HasSuffix(name, PoisonSuffix)
}

// ValidateName checks that name is usable as a queue name on every backend:
// 1-80 characters of letters, digits, '-' and '_'.
func ValidateName(name string) error {
	if name == "" || len(name) > 80 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}
