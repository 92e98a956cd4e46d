// Package ids generates identifiers for messages, invocations and lease owners.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// Owner returns a compact, sortable owner token for leases.
func Owner() string {
	return xid.New().String()
}

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
