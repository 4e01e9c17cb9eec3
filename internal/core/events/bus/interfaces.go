package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus for registry lifecycle
// notifications.
//
// Delivery is synchronous in the publisher's goroutine; handlers should be
// quick or hand work off. Handler errors are joined and returned from Publish.
type EventBus interface {
	// Publish delivers the event to subscribers of event.Type() and to
	// wildcard subscribers.
	Publish(event Event) error

	// Subscribe registers a handler for one event type, or for every type when
	// eventType is Wildcard.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given Subscription. Nil is ignored.
	Unsubscribe(Subscription) error

	// Subscribers reports the number of active subscriptions.
	Subscribers() int
}

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Lifecycle event types published by the registry, storage and migration
// packages.
const (
	TypeEntityCreated      = "entity.created"
	TypeEntityAttached     = "entity.attached"
	TypeEntityDetached     = "entity.detached"
	TypeStoreLoaded        = "store.loaded"
	TypeStoreSaved         = "store.saved"
	TypeStoreQuarantined   = "store.quarantined"
	TypeMigrationCompleted = "migration.completed"
)

// Event is an immutable message transported by the EventBus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type (
	// EventHandler is invoked per delivered event.
	EventHandler func(event Event) error
)

// Subscription represents a registered handler bound to an event type.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	// Cancel de-registers the handler. Multiple calls are safe.
	Cancel() error
}
