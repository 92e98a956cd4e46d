package clock

import (
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiting []*manualTimer
}

type manualTimer struct {
	owner *Manual
	due   time.Time
	ch    chan time.Time
	fn    func()
	done  bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.add(d, &manualTimer{ch: ch})
	return ch
}

// AfterFunc runs f on a new goroutine once the clock reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	return m.add(d, &manualTimer{fn: f})
}

// Sleep blocks until another goroutine advances the clock past d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d (negative counts as zero) and fires
// everything that became due.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	m.now = m.now.Add(max(d, 0))
	now := m.now
	var fired []*manualTimer
	keep := m.waiting[:0]
	for _, t := range m.waiting {
		if t.due.After(now) {
			keep = append(keep, t)
		} else {
			t.done = true
			fired = append(fired, t)
		}
	}
	clear(m.waiting[len(keep):])
	m.waiting = keep
	m.mu.Unlock()
	for _, t := range fired {
		t.fire(now)
	}
	return now
}

// Pending counts timers that have neither fired nor been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

func (m *Manual) add(d time.Duration, t *manualTimer) *manualTimer {
	m.mu.Lock()
	t.owner = m
	t.due = m.now.Add(d)
	if d > 0 {
		m.waiting = append(m.waiting, t)
		m.mu.Unlock()
		return t
	}
	t.done = true
	now := m.now
	m.mu.Unlock()
	t.fire(now)
	return t
}

func (t *manualTimer) fire(now time.Time) {
	switch {
	case t.ch != nil:
		t.ch <- now
	case t.fn != nil:
		go t.fn()
	}
}

// Stop reports whether t was still waiting.
func (t *manualTimer) Stop() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, w := range m.waiting {
		if w == t {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			break
		}
	}
	return true
}
