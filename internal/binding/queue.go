package binding

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/fnhost/internal/causality"
	"pkt.systems/fnhost/internal/queue"
)

// Trigger and output tags served by the built-in providers.
const (
	TagQueueTrigger = "queueTrigger"
	TagQueueOutput  = "queue"
)

// QueueTriggerProvider binds the *queue.Message that triggered an invocation.
// The argument is the message itself; use Message.Body for the payload.
func QueueTriggerProvider() Provider {
	return func(param Parameter) (Binding, error) {
		return BindingFunc(func(_ context.Context, raw any, _ Context) (ValueProvider, error) {
			msg, ok := raw.(*queue.Message)
			if !ok || msg == nil {
				return nil, fmt.Errorf("binding: %s expects *queue.Message, got %T", param.Name, raw)
			}
			return StaticValue{
				V:       msg,
				Display: fmt.Sprintf("message %s (dequeue %d)", msg.ID, msg.DequeueCount),
			}, nil
		}), nil
	}
}

// QueueOutputProvider binds a *QueueOutput collecting bodies for the queue
// named by the "queue" attribute. Collected bodies are enqueued with the
// invocation id as causality parent once the function succeeds.
func QueueOutputProvider(ctx context.Context, provider queue.Provider) Provider {
	return func(param Parameter) (Binding, error) {
		name := param.Attr("queue")
		if name == "" {
			return nil, fmt.Errorf("queue attribute required")
		}
		if err := queue.ValidateName(name); err != nil {
			return nil, err
		}
		var (
			once   sync.Once
			src    queue.Source
			srcErr error
		)
		open := func() (queue.Source, error) {
			once.Do(func() { src, srcErr = provider.Open(ctx, name, true) })
			return src, srcErr
		}
		return BindingFunc(func(_ context.Context, _ any, bc Context) (ValueProvider, error) {
			return &QueueOutput{queueName: name, open: open, parentID: bc.InstanceID}, nil
		}), nil
	}
}

// QueueOutput collects messages to enqueue when the invocation succeeds.
type QueueOutput struct {
	queueName string
	open      func() (queue.Source, error)
	parentID  string

	mu     sync.Mutex
	bodies [][]byte
}

// Add stages body for enqueueing.
func (o *QueueOutput) Add(body []byte) {
	o.mu.Lock()
	o.bodies = append(o.bodies, append([]byte(nil), body...))
	o.mu.Unlock()
}

// Pending returns the number of staged messages.
func (o *QueueOutput) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bodies)
}

// Value returns o.
func (o *QueueOutput) Value(context.Context) (any, error) { return o, nil }

// InvokeString names the target queue.
func (o *QueueOutput) InvokeString() string { return "queue " + o.queueName }

// Commit enqueues the staged bodies with the causality marker attached.
func (o *QueueOutput) Commit(ctx context.Context) error {
	o.mu.Lock()
	bodies := o.bodies
	o.bodies = nil
	o.mu.Unlock()
	if len(bodies) == 0 {
		return nil
	}
	src, err := o.open()
	if err != nil {
		return fmt.Errorf("binding: open output queue %s: %w", o.queueName, err)
	}
	for i, body := range bodies {
		if _, err := src.Enqueue(ctx, causality.SetParent(o.parentID, body)); err != nil {
			o.mu.Lock()
			o.bodies = append(bodies[i:], o.bodies...)
			o.mu.Unlock()
			return fmt.Errorf("binding: enqueue to %s: %w", o.queueName, err)
		}
	}
	return nil
}
