package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/fnhost/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestRealAfterFuncStop(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timer := clock.Real{}.AfterFunc(time.Hour, func() { fired.Store(true) })
	if !timer.Stop() {
		t.Fatal("expected Stop to cancel a pending timer")
	}
	if fired.Load() {
		t.Fatal("callback fired after Stop")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	m.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualAfterFuncStop(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	done := make(chan struct{}, 2)
	kept := m.AfterFunc(time.Second, func() { done <- struct{}{} })
	stopped := m.AfterFunc(time.Second, func() { done <- struct{}{} })
	if !stopped.Stop() {
		t.Fatal("expected Stop to report true")
	}
	if stopped.Stop() {
		t.Fatal("second Stop should report false")
	}
	m.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
	select {
	case <-done:
		t.Fatal("stopped callback ran")
	case <-time.After(20 * time.Millisecond):
	}
	if kept.Stop() {
		t.Fatal("Stop after firing should report false")
	}
}

func TestManualStopDropsPendingAndNegativeAdvanceHolds(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0).UTC()
	m := clock.NewManual(start)
	timer := m.AfterFunc(time.Minute, func() {})
	m.After(time.Minute)
	if got := m.Pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	timer.Stop()
	if got := m.Pending(); got != 1 {
		t.Fatalf("pending after stop = %d, want 1", got)
	}
	if got := m.Advance(-time.Hour); !got.Equal(start) {
		t.Fatalf("negative advance moved the clock to %v", got)
	}
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration After should fire immediately")
	}
}
