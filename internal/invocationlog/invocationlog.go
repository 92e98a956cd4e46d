// Package invocationlog records function invocation start and completion
// events for later querying.
package invocationlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrAlreadyCompleted is returned when an instance is completed twice.
var ErrAlreadyCompleted = errors.New("invocationlog: instance already completed")

// Failure describes why an invocation did not succeed.
type Failure struct {
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FunctionInstance is one invocation attempt. It is in progress until
// Complete sets EndTime, after which it must not change.
type FunctionInstance struct {
	ID           string            `json:"id"`
	FunctionName string            `json:"function"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Arguments    map[string]string `json:"arguments,omitempty"`
	Succeeded    bool              `json:"succeeded"`
	Failure      *Failure          `json:"failure,omitempty"`
	ParentID     string            `json:"parent_id,omitempty"`
	Trigger      string            `json:"trigger,omitempty"`
}

// Completed reports whether EndTime has been set.
func (fi *FunctionInstance) Completed() bool {
	return fi.EndTime != nil
}

// Duration returns EndTime-StartTime, or zero while in progress.
func (fi *FunctionInstance) Duration() time.Duration {
	if fi.EndTime == nil {
		return 0
	}
	return fi.EndTime.Sub(fi.StartTime)
}

// Complete sets the terminal state. A nil failure means success.
func (fi *FunctionInstance) Complete(end time.Time, failure *Failure) error {
	if fi.EndTime != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, fi.ID)
	}
	end = end.UTC()
	fi.EndTime = &end
	fi.Succeeded = failure == nil
	fi.Failure = failure
	return nil
}

// Clone returns a deep copy.
func (fi *FunctionInstance) Clone() *FunctionInstance {
	out := *fi
	if fi.EndTime != nil {
		end := *fi.EndTime
		out.EndTime = &end
	}
	if fi.Arguments != nil {
		out.Arguments = make(map[string]string, len(fi.Arguments))
		for k, v := range fi.Arguments {
			out.Arguments[k] = v
		}
	}
	if fi.Failure != nil {
		failure := *fi.Failure
		out.Failure = &failure
	}
	return &out
}

// Logger persists invocation records. Implementations are best effort from
// the caller's point of view: errors are reported but must not abort an
// invocation.
type Logger interface {
	// LogStarted persists a running record and returns an id for
	// DeleteStarted.
	LogStarted(ctx context.Context, instance *FunctionInstance) (string, error)
	// LogCompleted persists the terminal record.
	LogCompleted(ctx context.Context, instance *FunctionInstance) error
	// DeleteStarted removes the running record once the completed one exists.
	DeleteStarted(ctx context.Context, logID string) error
}

// Filter selects completed records.
type Filter struct {
	FunctionName string
	Since        time.Time
	Until        time.Time
	// Where further narrows records by their JSON form.
	Where *Selector
	Limit int
}

func (f Filter) matches(fi *FunctionInstance) bool {
	if f.FunctionName != "" && fi.FunctionName != f.FunctionName {
		return false
	}
	if !f.Since.IsZero() && fi.StartTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !fi.StartTime.Before(f.Until) {
		return false
	}
	return true
}

// Querier lists completed records.
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]*FunctionInstance, error)
	// Running lists records that were started but not completed.
	Running(ctx context.Context) ([]*FunctionInstance, error)
}

// Store is a Logger that can also be queried.
type Store interface {
	Logger
	Querier
}

func sortByStart(out []*FunctionInstance) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
}

type noop struct{}

// Noop returns a Logger that discards every record.
func Noop() Logger { return noop{} }

func (noop) LogStarted(_ context.Context, instance *FunctionInstance) (string, error) {
	return instance.ID, nil
}
func (noop) LogCompleted(context.Context, *FunctionInstance) error { return nil }
func (noop) DeleteStarted(context.Context, string) error           { return nil }
