// Package outbox is the engine's public surface: the rest of the
// application enqueues outgoing messages here, observes per-chat delivery
// state, retries or discards failed messages, and clears the queue on
// session teardown.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"pigeon/internal/bus"
	"pigeon/internal/status"
	"pigeon/internal/store"
)

// Queue is the facade over the durable outbox.
type Queue struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewQueue creates the queue facade.
func NewQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{db: db, bus: b, logger: logger}
}

// Enqueue durably persists a new pending message and returns its local id
// immediately, before any network activity (optimistic UI). Processing is
// kicked asynchronously via the outbox.enqueued event.
func (q *Queue) Enqueue(chatID, senderID, payload string) (string, error) {
	if chatID == "" {
		return "", fmt.Errorf("chat id required")
	}
	if senderID == "" {
		return "", fmt.Errorf("sender id required")
	}

	m := &store.QueuedMessage{
		LocalID:   uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Payload:   payload,
		Status:    status.Pending,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := q.db.UpsertQueued(m); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	q.logger.Info("message enqueued",
		zap.String("local_id", m.LocalID),
		zap.String("chat_id", chatID),
	)
	q.bus.Emit(bus.KindEnqueued, map[string]string{
		"chat_id":  chatID,
		"local_id": m.LocalID,
		"status":   string(status.Pending),
	})
	return m.LocalID, nil
}

// Retry applies the user-initiated failed -> pending transition with a fresh
// retry budget and kicks processing.
func (q *Queue) Retry(localID string) error {
	ok, err := q.db.ResetFailed(localID)
	if err != nil {
		return fmt.Errorf("reset failed record: %w", err)
	}
	if !ok {
		return fmt.Errorf("record %s is not in a failed state", localID)
	}

	m, err := q.db.GetQueued(localID)
	if err != nil {
		return fmt.Errorf("reload record: %w", err)
	}
	if m == nil {
		return nil
	}
	q.bus.Emit(bus.KindEnqueued, map[string]string{
		"chat_id":  m.ChatID,
		"local_id": localID,
		"status":   string(status.Pending),
	})
	return nil
}

// Discard permanently removes a failed record. Pending or in-flight records
// cannot be discarded.
func (q *Queue) Discard(localID string) error {
	m, err := q.db.GetQueued(localID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if m == nil {
		return fmt.Errorf("no such record %s", localID)
	}
	if m.Status != status.Failed {
		return fmt.Errorf("record %s is %s, only failed records can be discarded", localID, m.Status)
	}

	if err := q.db.RemoveQueued(localID); err != nil {
		return fmt.Errorf("remove record: %w", err)
	}
	q.bus.Emit(bus.KindDiscarded, map[string]string{
		"chat_id":  m.ChatID,
		"local_id": localID,
	})
	return nil
}

// ClearAllForSession empties the queue synchronously. Session teardown must
// call this before a new session's data is loaded so queued messages never
// leak across accounts.
func (q *Queue) ClearAllForSession() error {
	if err := q.db.ClearQueue(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	q.logger.Info("outbox cleared for session teardown")
	q.bus.Emit(bus.KindCleared, nil)
	return nil
}

// Observe returns a live view of a chat's queue: an initial snapshot, then a
// fresh snapshot after every mutation touching that chat. Delivery is
// latest-wins; a slow consumer only ever misses intermediate snapshots,
// never the final state. The returned cancel func ends the stream and closes
// the channel.
func (q *Queue) Observe(ctx context.Context, chatID string) (<-chan []store.QueuedMessage, func()) {
	out := make(chan []store.QueuedMessage, 1)
	events, unsub := q.bus.Subscribe("outbox.", 32)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer unsub()
		defer close(out)

		q.emitSnapshot(out, chatID)
		for {
			select {
			case evt := <-events:
				if !touchesChat(evt, chatID) {
					continue
				}
				q.emitSnapshot(out, chatID)
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}

func (q *Queue) emitSnapshot(out chan []store.QueuedMessage, chatID string) {
	snap, err := q.db.ListChatQueue(chatID)
	if err != nil {
		// Skip this emission; the next mutation re-snapshots.
		q.logger.Error("failed to snapshot queue", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	for {
		select {
		case out <- snap:
			return
		default:
			// Replace the stale pending snapshot.
			select {
			case <-out:
			default:
			}
		}
	}
}

// touchesChat reports whether a queue mutation event affects the given chat.
// A session clear affects every chat.
func touchesChat(evt bus.Event, chatID string) bool {
	if evt.Kind == bus.KindCleared {
		return true
	}
	payload, ok := evt.Payload.(map[string]string)
	return ok && payload["chat_id"] == chatID
}
