package poll

import (
	"testing"
	"time"
)

func TestBackoffFormula(t *testing.T) {
	minInterval := 100 * time.Millisecond
	maxInterval := 5 * time.Second
	b := NewBackoff(minInterval, maxInterval)
	for n := 1; n <= 12; n++ {
		got := b.Next(false)
		want := minInterval << n
		if want > maxInterval || want <= 0 {
			want = maxInterval
		}
		if got != want {
			t.Fatalf("after %d empty polls expected %v, got %v", n, want, got)
		}
		if b.EmptyPolls() != n {
			t.Fatalf("expected %d empty polls, got %d", n, b.EmptyPolls())
		}
	}
	if got := b.Next(true); got != minInterval {
		t.Fatalf("expected reset to %v, got %v", minInterval, got)
	}
	if got := b.Next(false); got != 2*minInterval {
		t.Fatalf("expected growth to restart, got %v", got)
	}
	b.Reset()
	if b.Current() != minInterval || b.EmptyPolls() != 0 {
		t.Fatalf("reset did not restore minimum")
	}
}

func TestBackoffLargeExponentDoesNotOverflow(t *testing.T) {
	b := NewBackoff(time.Second, time.Hour)
	var got time.Duration
	for i := 0; i < 200; i++ {
		got = b.Next(false)
	}
	if got != time.Hour {
		t.Fatalf("expected cap, got %v", got)
	}
}

func TestBackoffBounds(t *testing.T) {
	b := NewBackoff(time.Second, time.Millisecond)
	if b.Max() != time.Second || b.Min() != time.Second {
		t.Fatalf("expected max raised to min, got %v..%v", b.Min(), b.Max())
	}
	if got := b.Next(false); got != time.Second {
		t.Fatalf("expected flat interval, got %v", got)
	}
}

func TestBackoffOddMaximumKeepsDoubling(t *testing.T) {
	b := NewBackoff(time.Nanosecond, 3*time.Nanosecond)
	for n, want := range []time.Duration{2, 3, 3} {
		if got := b.Next(false); got != want {
			t.Fatalf("after %d empty polls expected %v, got %v", n+1, want, got)
		}
	}
	b = NewBackoff(3*time.Second, 7*time.Second)
	if got := b.Next(false); got != 6*time.Second {
		t.Fatalf("expected 6s below an odd maximum, got %v", got)
	}
}
