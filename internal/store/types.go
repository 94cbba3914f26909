package store

import "pigeon/internal/status"

// QueuedMessage is the unit of work: an outgoing message held durably until
// the backend acknowledges it or the user discards it.
type QueuedMessage struct {
	// LocalID is client-generated and stable; it doubles as the remote
	// idempotency key so a retried write never duplicates the message.
	LocalID  string
	ChatID   string
	SenderID string
	// Payload is opaque message content; the engine never inspects it.
	Payload    string
	Status     status.Status
	RetryCount int
	// CreatedAt (unix millis) orders delivery attempts within a chat.
	CreatedAt int64
	// LastAttemptAt is unix millis of the most recent remote attempt,
	// 0 when never attempted.
	LastAttemptAt int64
	// RemoteID is assigned by the backend on the first accepted write.
	RemoteID string
}
