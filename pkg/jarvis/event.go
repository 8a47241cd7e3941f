package jarvis

import (
	"context"
	"fmt"
	"time"
)

// EventKind identifies one lifecycle event category.
type EventKind string

const (
	// EventModuleLoaded fires after a module reaches READY or SAFE_MODE.
	EventModuleLoaded EventKind = "module.loaded"
	// EventModuleFailed fires when a registration hook fails or panics.
	EventModuleFailed EventKind = "module.failed"
	// EventModuleUnloaded fires after a module returns to UNLOADED.
	EventModuleUnloaded EventKind = "module.unloaded"
	// EventModulePaused fires when a module is suspended.
	EventModulePaused EventKind = "module.paused"
	// EventModuleResumed fires when a paused module is restored.
	EventModuleResumed EventKind = "module.resumed"
	// EventModuleFlagged fires when a module exceeds the error-flag threshold.
	EventModuleFlagged EventKind = "module.flagged"
	// EventFallbackActivated fires when a fallback handler runs.
	EventFallbackActivated EventKind = "fallback.activated"
	// EventCommandExecuted fires after a successful dispatch.
	EventCommandExecuted EventKind = "command.executed"
	// EventCommandFailed fires after a failed dispatch.
	EventCommandFailed EventKind = "command.failed"
)

// Validate checks whether one event kind is supported.
func (k EventKind) Validate() error {
	switch k {
	case EventModuleLoaded, EventModuleFailed, EventModuleUnloaded,
		EventModulePaused, EventModuleResumed, EventModuleFlagged,
		EventFallbackActivated, EventCommandExecuted, EventCommandFailed:
		return nil
	default:
		return fmt.Errorf("validate event kind: unsupported kind %q", k)
	}
}

// Event is one lifecycle notification published by the kernel.
type Event struct {
	// Kind is the event category.
	Kind EventKind
	// Module names the module this event concerns, when applicable.
	Module string
	// Command is the dotted command key for command and fallback events.
	Command string
	// Err carries the rendered error text for failure events.
	Err string
	// At is the publication timestamp.
	At time.Time
	// Fields holds optional kind-specific details.
	Fields map[string]string
}

// Validate checks event contract fields.
func (e Event) Validate() error {
	if err := e.Kind.Validate(); err != nil {
		return fmt.Errorf("validate event: %w", err)
	}

	return nil
}

// EventHandler processes a single lifecycle event.
type EventHandler func(ctx context.Context, event Event) error

// BackpressurePolicy defines how queues behave when subscriber buffers are full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming event when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued event before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock blocks until queue space is available or context is canceled.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec configures a single consumer subscription.
type SubscriptionSpec struct {
	// Name identifies the subscription in diagnostics.
	Name string
	// Kinds filters delivered events; empty delivers every kind.
	Kinds []EventKind
	// Buffer bounds the subscription queue; zero uses the bus default.
	Buffer int
	// Workers sets concurrent handler goroutines; zero uses the bus default.
	Workers int
	// HandlerTimeout bounds one handler invocation; zero uses the bus default.
	HandlerTimeout time.Duration
	// Backpressure selects full-queue behavior; empty uses the bus default.
	Backpressure BackpressurePolicy
}

// Matches reports whether an event passes this subscription's kind filter.
func (s SubscriptionSpec) Matches(event Event) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, kind := range s.Kinds {
		if kind == event.Kind {
			return true
		}
	}

	return false
}

// Subscription controls an active event stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// EventPublisher accepts lifecycle events for asynchronous fanout.
type EventPublisher interface {
	// Publish submits an event to downstream subscribers.
	Publish(ctx context.Context, event Event) error
}

// EventBus is the asynchronous pub/sub contract used by the kernel.
type EventBus interface {
	EventPublisher
	// Subscribe registers a handler with bounded buffering semantics.
	Subscribe(ctx context.Context, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}
