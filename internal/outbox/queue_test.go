package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"pigeon/internal/bus"
	"pigeon/internal/status"
	"pigeon/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testQueue(t *testing.T) (*Queue, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	return NewQueue(db, b, logger), db, b
}

func seedFailed(t *testing.T, db *store.DB, localID, chatID string) {
	t.Helper()
	err := db.UpsertQueued(&store.QueuedMessage{
		LocalID:       localID,
		ChatID:        chatID,
		SenderID:      "me@example",
		Payload:       `{"text":"x"}`,
		Status:        status.Failed,
		RetryCount:    5,
		CreatedAt:     1000,
		LastAttemptAt: 2000,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEnqueuePersistsPendingRecord(t *testing.T) {
	q, db, b := testQueue(t)

	ch, unsub := b.Subscribe(bus.KindEnqueued, 10)
	defer unsub()

	localID, err := q.Enqueue("chat-1", "me@example", `{"text":"hello"}`)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if localID == "" {
		t.Fatal("Enqueue() returned empty local id")
	}

	// Durable before any async processing.
	m, err := db.GetQueued(localID)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("record not persisted")
	}
	if m.Status != status.Pending || m.RetryCount != 0 {
		t.Errorf("record = %+v, want fresh pending", m)
	}
	if m.CreatedAt == 0 {
		t.Error("created_at not stamped")
	}

	// The async processing kick.
	select {
	case evt := <-ch:
		payload := evt.Payload.(map[string]string)
		if payload["local_id"] != localID {
			t.Errorf("event local_id = %q, want %q", payload["local_id"], localID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for enqueued event")
	}
}

func TestEnqueueAssignsDistinctIDs(t *testing.T) {
	q, _, _ := testQueue(t)

	a, err := q.Enqueue("chat-1", "me@example", "one")
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.Enqueue("chat-1", "me@example", "two")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("duplicate local ids: %q", a)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _ := testQueue(t)

	if _, err := q.Enqueue("", "me@example", "x"); err == nil {
		t.Error("Enqueue without chat id should fail")
	}
	if _, err := q.Enqueue("chat-1", "", "x"); err == nil {
		t.Error("Enqueue without sender id should fail")
	}
}

func TestRetryResetsFailedRecord(t *testing.T) {
	q, db, b := testQueue(t)
	seedFailed(t, db, "m1", "chat-1")

	ch, unsub := b.Subscribe(bus.KindEnqueued, 10)
	defer unsub()

	if err := q.Retry("m1"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	m, _ := db.GetQueued("m1")
	if m.Status != status.Pending || m.RetryCount != 0 {
		t.Errorf("record = %+v, want pending with reset budget", m)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for processing kick")
	}

	// A second retry finds the record pending, not failed.
	if err := q.Retry("m1"); err == nil {
		t.Error("Retry() on a pending record should fail")
	}
}

func TestDiscardOnlyFailedRecords(t *testing.T) {
	q, db, _ := testQueue(t)
	seedFailed(t, db, "m1", "chat-1")

	localID, err := q.Enqueue("chat-1", "me@example", "keep me")
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Discard(localID); err == nil {
		t.Error("Discard() on a pending record should fail")
	}
	if err := q.Discard("missing"); err == nil {
		t.Error("Discard() on a missing record should fail")
	}

	if err := q.Discard("m1"); err != nil {
		t.Fatalf("Discard(failed) error = %v", err)
	}
	m, err := db.GetQueued("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("discarded record still present: %+v", m)
	}
}

func TestClearAllForSession(t *testing.T) {
	q, db, _ := testQueue(t)

	for _, payload := range []string{"one", "two", "three"} {
		if _, err := q.Enqueue("chat-1", "me@example", payload); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.ClearAllForSession(); err != nil {
		t.Fatalf("ClearAllForSession() error = %v", err)
	}

	pending, err := db.PendingQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after teardown, want 0", len(pending))
	}
}

func TestObserveEmitsSnapshotsPerChat(t *testing.T) {
	q, _, _ := testQueue(t)

	if _, err := q.Enqueue("chat-1", "me@example", "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("chat-2", "me@example", "other chat"); err != nil {
		t.Fatal(err)
	}

	ch, cancel := q.Observe(context.Background(), "chat-1")
	defer cancel()

	// Initial snapshot holds only chat-1's record.
	select {
	case snap := <-ch:
		if len(snap) != 1 {
			t.Fatalf("initial snapshot has %d records, want 1", len(snap))
		}
		if snap[0].ChatID != "chat-1" {
			t.Errorf("snapshot chat = %q, want chat-1", snap[0].ChatID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial snapshot")
	}

	// A mutation on the observed chat re-emits.
	if _, err := q.Enqueue("chat-1", "me@example", "two"); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if len(snap) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for updated snapshot")
		}
	}
}

func TestObserveIgnoresOtherChats(t *testing.T) {
	q, _, _ := testQueue(t)

	ch, cancel := q.Observe(context.Background(), "chat-1")
	defer cancel()

	// Drain the (empty) initial snapshot.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial snapshot")
	}

	if _, err := q.Enqueue("chat-2", "me@example", "elsewhere"); err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-ch:
		t.Errorf("unexpected snapshot for another chat's mutation: %v", snap)
	case <-time.After(150 * time.Millisecond):
		// Expected: no emission.
	}
}

func TestObserveCancelClosesStream(t *testing.T) {
	q, _, _ := testQueue(t)

	ch, cancel := q.Observe(context.Background(), "chat-1")
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
