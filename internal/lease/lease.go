// Package lease provides time-bounded exclusive ownership of named
// resources. Singleton functions hold a lease while their listener runs.
package lease

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors returned by lease stores.
var (
	// ErrLeaseHeld is returned by Acquire when another owner holds a valid lease.
	ErrLeaseHeld = errors.New("lease: held by another owner")
	// ErrLeaseLost is returned by Renew and Release when the lease changed hands.
	ErrLeaseLost = errors.New("lease: lost")
	// ErrInvalidResource rejects empty or malformed resource names.
	ErrInvalidResource = errors.New("lease: invalid resource")
)

// Lease is a granted ownership window.
type Lease struct {
	Resource  string
	Owner     string
	ExpiresAt time.Time
	// Fencing increases every time the resource changes owner.
	Fencing int64
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Store grants and renews leases.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, l Lease) error
}

// ValidateResource checks a resource name. Names are slash separated
// segments without empty, "." or ".." parts.
func ValidateResource(resource string) error {
	if resource == "" || len(resource) > 256 {
		return ErrInvalidResource
	}
	for _, part := range strings.Split(resource, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidResource
		}
	}
	return nil
}
