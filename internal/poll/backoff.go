package poll

import (
	"sync"
	"time"
)

// Backoff computes adaptive poll intervals. After n consecutive empty polls
// the interval is min(Min*2^n, Max); any poll that finds work resets it to
// Min.
type Backoff struct {
	mu      sync.Mutex
	min     time.Duration
	max     time.Duration
	current time.Duration
	empty   int
}

// NewBackoff returns a Backoff bounded by minInterval and maxInterval. A
// maxInterval below minInterval is raised to minInterval.
func NewBackoff(minInterval, maxInterval time.Duration) *Backoff {
	if minInterval <= 0 {
		minInterval = time.Millisecond
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	return &Backoff{min: minInterval, max: maxInterval, current: minInterval}
}

// Next records the outcome of a poll and returns the wait before the next.
func (b *Backoff) Next(foundWork bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if foundWork {
		b.empty = 0
		b.current = b.min
		return b.current
	}
	b.empty++
	b.current = scaled(b.min, b.max, b.empty)
	return b.current
}

// Current returns the most recently computed interval.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// EmptyPolls returns the number of consecutive polls without work.
func (b *Backoff) EmptyPolls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.empty
}

// Reset returns the interval to the minimum.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.empty = 0
	b.current = b.min
	b.mu.Unlock()
}

// Min returns the lower bound.
func (b *Backoff) Min() time.Duration { return b.min }

// Max returns the upper bound.
func (b *Backoff) Max() time.Duration { return b.max }

func scaled(minInterval, maxInterval time.Duration, n int) time.Duration {
	d := minInterval
	for i := 0; i < n; i++ {
		if d > maxInterval-d {
			return maxInterval
		}
		d *= 2
	}
	if d > maxInterval {
		return maxInterval
	}
	return d
}
