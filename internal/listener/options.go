package listener

import (
	"fmt"
	"time"

	"pkt.systems/fnhost/internal/queue"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultBatchSize       = 16
	DefaultMaxDequeueCount = 5
	DefaultVisibility      = 10 * time.Minute
	DefaultMinPoll         = 100 * time.Millisecond
	DefaultMaxPoll         = time.Minute
	// RenewalFraction of the visibility timeout elapses before each renewal.
	RenewalFraction = 0.8
)

// Options is the per-listener configuration snapshot. It is copied at
// construction and never mutated afterwards.
type Options struct {
	Function string
	Queue    string
	// BatchSize bounds each dequeue and the number of concurrent dispatches
	// per cycle.
	BatchSize int
	// NewBatchThreshold is the in-flight count below which a new batch is
	// fetched. Defaults to BatchSize/2.
	NewBatchThreshold int
	MaxDequeueCount   int
	Visibility        time.Duration
	MinPollInterval   time.Duration
	MaxPollInterval   time.Duration
	// CreateQueue creates the source and poison queues when missing.
	CreateQueue bool
}

func (o Options) withDefaults() (Options, error) {
	if o.Function == "" {
		return o, fmt.Errorf("listener: function name required")
	}
	if err := queue.ValidateName(o.Queue); err != nil {
		return o, fmt.Errorf("listener: %w", err)
	}
	if queue.IsPoisonName(o.Queue) {
		return o, fmt.Errorf("listener: refusing to listen on poison queue %s", o.Queue)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.NewBatchThreshold <= 0 {
		o.NewBatchThreshold = o.BatchSize / 2
		if o.NewBatchThreshold == 0 {
			o.NewBatchThreshold = 1
		}
	}
	if o.MaxDequeueCount <= 0 {
		o.MaxDequeueCount = DefaultMaxDequeueCount
	}
	if o.Visibility <= 0 {
		o.Visibility = DefaultVisibility
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = DefaultMinPoll
	}
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = DefaultMaxPoll
	}
	if o.MaxPollInterval < o.MinPollInterval {
		o.MaxPollInterval = o.MinPollInterval
	}
	return o, nil
}

// RenewalInterval is how long after dequeue (and after each renewal) a
// message's visibility is extended again.
func (o Options) RenewalInterval() time.Duration {
	return time.Duration(float64(o.Visibility) * RenewalFraction)
}
