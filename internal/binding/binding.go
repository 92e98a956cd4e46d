// Package binding turns raw trigger values into function arguments. Providers
// are registered per trigger tag at startup and asked to bind each declared
// parameter once when a function is registered.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"
)

// ErrNoProvider is returned when no provider accepts a parameter.
var ErrNoProvider = errors.New("binding: no provider")

// Parameter declares one function parameter.
type Parameter struct {
	Name string
	// Tag selects the provider, for example "queueTrigger" or "queue".
	Tag string
	// Attrs carries provider specific settings such as the target queue.
	Attrs map[string]string
}

// Attr returns the attribute value for key.
func (p Parameter) Attr(key string) string {
	if p.Attrs == nil {
		return ""
	}
	return p.Attrs[key]
}

// Context is the explicit invocation scope handed to bindings.
type Context struct {
	InstanceID   string
	FunctionName string
	ParentID     string
	Logger       pslog.Logger
}

// ValueProvider yields a bound argument.
type ValueProvider interface {
	Value(ctx context.Context) (any, error)
	// InvokeString renders the argument for invocation logs.
	InvokeString() string
}

// Committer is implemented by output values that must be flushed after the
// function body succeeds.
type Committer interface {
	Commit(ctx context.Context) error
}

// Binding binds a raw value for one parameter.
type Binding interface {
	Bind(ctx context.Context, raw any, bc Context) (ValueProvider, error)
}

// BindingFunc adapts a function to Binding.
type BindingFunc func(ctx context.Context, raw any, bc Context) (ValueProvider, error)

// Bind calls f.
func (f BindingFunc) Bind(ctx context.Context, raw any, bc Context) (ValueProvider, error) {
	return f(ctx, raw, bc)
}

// Provider inspects a parameter and returns a Binding when it can serve it.
// Returning (nil, nil) declines the parameter.
type Provider func(param Parameter) (Binding, error)

// Registry maps trigger tags to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds provider for tag, replacing any previous one.
func (r *Registry) Register(tag string, provider Provider) *Registry {
	r.mu.Lock()
	r.providers[tag] = provider
	r.mu.Unlock()
	return r
}

// Tags lists registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.providers))
	for tag := range r.providers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// TryBind resolves the binding for param.
func (r *Registry) TryBind(param Parameter) (Binding, error) {
	r.mu.RLock()
	provider, ok := r.providers[param.Tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tag %q for parameter %q", ErrNoProvider, param.Tag, param.Name)
	}
	b, err := provider(param)
	if err != nil {
		return nil, fmt.Errorf("binding: parameter %q: %w", param.Name, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: provider %q declined parameter %q", ErrNoProvider, param.Tag, param.Name)
	}
	return b, nil
}

// StaticValue is a ValueProvider over an already materialized value.
type StaticValue struct {
	V       any
	Display string
}

// Value returns V.
func (s StaticValue) Value(context.Context) (any, error) { return s.V, nil }

// InvokeString returns Display, or V formatted with %v.
func (s StaticValue) InvokeString() string {
	if s.Display != "" {
		return s.Display
	}
	return fmt.Sprintf("%v", s.V)
}
