package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/storage"
)

const leasePrefix = "leases/"

type leaseDocument struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
	Fencing   int64     `json:"fencing"`
}

// ObjectStore keeps leases as JSON documents and arbitrates ownership with
// conditional writes.
type ObjectStore struct {
	backend storage.Backend
	clock   clock.Clock
}

// NewObjectStore returns a Store over backend.
func NewObjectStore(backend storage.Backend, clk clock.Clock) *ObjectStore {
	return &ObjectStore{backend: backend, clock: clock.Ensure(clk)}
}

func leaseKey(resource string) string {
	return leasePrefix + resource + ".json"
}

// Acquire grants resource to owner when it is free, expired or already
// owned by owner.
func (s *ObjectStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	if err := ValidateResource(resource); err != nil {
		return Lease{}, err
	}
	if owner == "" || ttl <= 0 {
		return Lease{}, fmt.Errorf("lease: owner and positive ttl required")
	}
	key := leaseKey(resource)
	now := s.clock.Now()
	var doc leaseDocument
	etag, err := storage.LoadJSON(ctx, s.backend, key, &doc)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		next := leaseDocument{Owner: owner, ExpiresAt: now.Add(ttl), Fencing: 1}
		if _, err := storage.StoreJSON(ctx, s.backend, key, next, storage.Precondition{IfAbsent: true}); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return Lease{}, ErrLeaseHeld
			}
			return Lease{}, fmt.Errorf("lease: acquire %s: %w", resource, err)
		}
		return toLease(resource, next), nil
	case err != nil:
		return Lease{}, fmt.Errorf("lease: acquire %s: %w", resource, err)
	}
	if doc.Owner != owner && now.Before(doc.ExpiresAt) {
		return Lease{}, ErrLeaseHeld
	}
	next := leaseDocument{Owner: owner, ExpiresAt: now.Add(ttl), Fencing: doc.Fencing}
	if doc.Owner != owner {
		next.Fencing++
	}
	if _, err := storage.StoreJSON(ctx, s.backend, key, next, storage.Precondition{IfMatch: etag}); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return Lease{}, ErrLeaseHeld
		}
		return Lease{}, fmt.Errorf("lease: acquire %s: %w", resource, err)
	}
	return toLease(resource, next), nil
}

// Renew extends l by ttl from now.
func (s *ObjectStore) Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	key := leaseKey(l.Resource)
	var doc leaseDocument
	etag, err := storage.LoadJSON(ctx, s.backend, key, &doc)
	if errors.Is(err, storage.ErrNotFound) {
		return Lease{}, ErrLeaseLost
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lease: renew %s: %w", l.Resource, err)
	}
	if doc.Owner != l.Owner || doc.Fencing != l.Fencing {
		return Lease{}, ErrLeaseLost
	}
	doc.ExpiresAt = s.clock.Now().Add(ttl)
	if _, err := storage.StoreJSON(ctx, s.backend, key, doc, storage.Precondition{IfMatch: etag}); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return Lease{}, ErrLeaseLost
		}
		return Lease{}, fmt.Errorf("lease: renew %s: %w", l.Resource, err)
	}
	return toLease(l.Resource, doc), nil
}

// Release gives up l. The document stays behind, expired and unowned, so the
// fencing token keeps increasing across owners. Releasing twice is a no-op.
func (s *ObjectStore) Release(ctx context.Context, l Lease) error {
	key := leaseKey(l.Resource)
	var doc leaseDocument
	etag, err := storage.LoadJSON(ctx, s.backend, key, &doc)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", l.Resource, err)
	}
	if doc.Fencing != l.Fencing {
		return ErrLeaseLost
	}
	if doc.Owner == "" {
		return nil
	}
	if doc.Owner != l.Owner {
		return ErrLeaseLost
	}
	doc.Owner = ""
	doc.ExpiresAt = s.clock.Now()
	_, err = storage.StoreJSON(ctx, s.backend, key, doc, storage.Precondition{IfMatch: etag})
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", l.Resource, err)
	}
	return nil
}

func toLease(resource string, doc leaseDocument) Lease {
	return Lease{Resource: resource, Owner: doc.Owner, ExpiresAt: doc.ExpiresAt, Fencing: doc.Fencing}
}
