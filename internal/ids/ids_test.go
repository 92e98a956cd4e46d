package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

func TestNewIsVersion7(t *testing.T) {
	id := New()
	if id.Version() != 7 {
		t.Fatalf("expected uuid v7, got v%d", id.Version())
	}
	if _, err := uuid.Parse(NewString()); err != nil {
		t.Fatalf("NewString not parseable: %v", err)
	}
}

func TestNewStringDistinct(t *testing.T) {
	a := NewString()
	b := NewString()
	if a == b {
		t.Fatal("expected distinct ids")
	}
}

func TestOwnerParses(t *testing.T) {
	owner := Owner()
	if _, err := xid.FromString(owner); err != nil {
		t.Fatalf("owner token %q not an xid: %v", owner, err)
	}
	if Valid(owner) {
		t.Fatal("xid should not validate as uuid")
	}
}
