package bus

import "time"

// Event kinds published by the delivery engine. Subscribers filter by
// namespace prefix, e.g. "outbox." receives every queue mutation.
const (
	KindEnqueued      = "outbox.enqueued"
	KindUpdated       = "outbox.updated"
	KindDiscarded     = "outbox.discarded"
	KindCleared       = "outbox.cleared"
	KindSyncCompleted = "sync.completed"
	KindAppState      = "app.state_changed"
	KindReachability  = "net.reachability"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
