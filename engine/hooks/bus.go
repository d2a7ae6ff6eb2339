// Package hooks implements the post-commit event registry: a process-wide
// bus that fans typed engine events out to subscribers.
//
// Events are queued while an engine transaction runs and dispatched only
// after the transaction commits, in write order. Dispatch failures are the
// subscriber's problem: the engine logs and suppresses them, so a failing
// hook can never unwind committed state or surface to the caller.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes engine events to registered subscribers in a fan-out
	// pattern. The bus is safe for concurrent Publish and Register.
	Bus interface {
		// Publish delivers the event to every subscriber registered at the
		// time of the call. Each subscriber receives the event even when an
		// earlier one fails; the errors are joined and returned so the
		// caller can log them.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published engine events.
	//
	// HandleEvent errors are logged by the publisher and never propagate to
	// the engine's caller, so implementations should reserve errors for
	// conditions worth an operator's attention.
	Subscriber interface {
		// HandleEvent processes a single event. The context originates from
		// the Publish call and carries its deadline and cancellation.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close removes the subscriber
	// from the bus; it is idempotent and safe to call concurrently with
	// Publish.
	Subscription interface {
		// Close removes the subscriber from the bus. Always returns nil.
		Close() error
	}

	// bus is the concrete Bus. It keeps a registry of subscribers guarded
	// by a read-write mutex and snapshots the registry per dispatch, so
	// registrations during a Publish do not affect the in-flight delivery.
	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	// subscription holds a reference back to the bus for removal and a
	// sync.Once making Close idempotent.
	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent calls the wrapped function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an empty event bus ready for use.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to a snapshot of the current subscribers. All
// subscribers are invoked even when some fail; their errors are joined.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register adds a subscriber to the bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

// Drain publishes queued events in order, reporting per-event failures to
// onErr instead of returning them. Engine services call Drain after their
// transaction commits.
func Drain(ctx context.Context, b Bus, events []Event, onErr func(Event, error)) {
	if b == nil {
		return
	}
	for _, ev := range events {
		if err := b.Publish(ctx, ev); err != nil && onErr != nil {
			onErr(ev, err)
		}
	}
}
