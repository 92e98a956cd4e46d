package fnhost

import (
	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/executor"
	"pkt.systems/fnhost/internal/invocationlog"
	"pkt.systems/fnhost/internal/lease"
	"pkt.systems/fnhost/internal/lifecycle"
	"pkt.systems/fnhost/internal/poll"
	"pkt.systems/fnhost/internal/queue"
	"pkt.systems/fnhost/internal/storage"
)

// Option configures a Host.
type Option func(*options)

type options struct {
	Logger         pslog.Logger
	Clock          clock.Clock
	Backend        storage.Backend
	Queues         queue.Provider
	Leases         lease.Store
	InvocationLog  invocationlog.Logger
	OnStartFailure lifecycle.StartFailureHandler
	Sink           poll.ExceptionHandler
	Filters        []executor.Filter
	Owner          string
}

// WithLogger supplies a custom logger. Passing nil disables logging.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		if l == nil {
			o.Logger = pslog.NoopLogger()
			return
		}
		o.Logger = l
	}
}

// WithClock injects the clock used by poll loops, timeouts, leases and retries.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithBackend supplies a pre-built storage backend instead of opening
// Config.Store. The host does not close it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithQueueProvider replaces the queue provider selected by Config.QueueBackend.
func WithQueueProvider(p queue.Provider) Option {
	return func(o *options) {
		o.Queues = p
	}
}

// WithLeaseStore replaces the lease store selected by Config.LeaseBackend.
func WithLeaseStore(s lease.Store) Option {
	return func(o *options) {
		o.Leases = s
	}
}

// WithInvocationLog replaces the invocation log selected by Config.InvocationLog.
// Writes are still retried.
func WithInvocationLog(l invocationlog.Logger) Option {
	return func(o *options) {
		o.InvocationLog = l
	}
}

// WithStartFailureHandler decides which listener start failures abort Start.
func WithStartFailureHandler(h lifecycle.StartFailureHandler) Option {
	return func(o *options) {
		o.OnStartFailure = h
	}
}

// WithExceptionHandler receives errors no listener could handle, such as a
// failed poison-queue write.
func WithExceptionHandler(h poll.ExceptionHandler) Option {
	return func(o *options) {
		o.Sink = h
	}
}

// WithFilter adds an invocation filter run around every function body.
func WithFilter(f executor.Filter) Option {
	return func(o *options) {
		o.Filters = append(o.Filters, f)
	}
}

// WithOwner sets the lease owner token; defaults to a fresh xid.
func WithOwner(owner string) Option {
	return func(o *options) {
		o.Owner = owner
	}
}
