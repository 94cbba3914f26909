package store

import (
	"database/sql"
	"time"

	"pigeon/internal/status"
)

const queueColumns = `local_id, chat_id, sender_id, payload, status, retry_count, created_at, last_attempt_at, remote_id`

// UpsertQueued writes or replaces a record keyed by local_id. A single
// statement, so concurrent readers never observe a partial record.
func (db *DB) UpsertQueued(m *QueuedMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, chat_id, sender_id, payload, status, retry_count, created_at, last_attempt_at, remote_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, 0), NULLIF(?, ''), ?)
		ON CONFLICT(local_id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			last_attempt_at = excluded.last_attempt_at,
			remote_id = excluded.remote_id,
			updated_at = excluded.updated_at`,
		m.LocalID, m.ChatID, m.SenderID, m.Payload, string(m.Status), m.RetryCount, m.CreatedAt, m.LastAttemptAt, m.RemoteID, now)
	return err
}

// GetQueued returns a single record by local_id, or nil if absent.
func (db *DB) GetQueued(localID string) (*QueuedMessage, error) {
	row := db.QueryRow(`SELECT `+queueColumns+` FROM outbox WHERE local_id = ?`, localID)
	m, err := scanQueued(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveQueued deletes a record; a no-op if absent.
func (db *DB) RemoveQueued(localID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}

// PendingQueue returns all records still owed to the backend (pending or
// syncing), ordered by created_at ascending.
func (db *DB) PendingQueue() ([]QueuedMessage, error) {
	return db.queryQueue(`
		SELECT `+queueColumns+` FROM outbox
		WHERE status IN ('pending', 'syncing')
		ORDER BY created_at ASC`)
}

// ListChatQueue returns every record for a chat in created_at order,
// including failed ones, for rendering delivery state.
func (db *DB) ListChatQueue(chatID string) ([]QueuedMessage, error) {
	return db.queryQueue(`
		SELECT `+queueColumns+` FROM outbox
		WHERE chat_id = ?
		ORDER BY created_at ASC`, chatID)
}

// ClearQueue empties the store. Used on session teardown so a new session
// never observes a previous session's queued messages.
func (db *DB) ClearQueue() error {
	_, err := db.Exec(`DELETE FROM outbox`)
	return err
}

// RecoverInFlight flips records stranded in syncing back to pending. Run at
// startup: a record left syncing means the process died mid-attempt, and the
// write must be retried (the idempotency key makes that safe).
func (db *DB) RecoverInFlight() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE status = ?`,
		string(status.Pending), time.Now().UnixMilli(), string(status.Syncing))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkSyncing claims a pending record for an attempt, stamping
// last_attempt_at. Returns false if the record was not claimable (already
// taken, removed, or not pending).
func (db *DB) MarkSyncing(localID string, attemptAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, last_attempt_at = ?, updated_at = ?
		WHERE local_id = ? AND status = ?`,
		string(status.Syncing), attemptAt, time.Now().UnixMilli(), localID, string(status.Pending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSynced records the backend acknowledgment.
func (db *DB) MarkSynced(localID, remoteID string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, remote_id = ?, updated_at = ?
		WHERE local_id = ? AND status = ?`,
		string(status.Synced), remoteID, time.Now().UnixMilli(), localID, string(status.Syncing))
	return err
}

// MarkBackoff reschedules a record after a transient failure, storing the
// incremented retry count.
func (db *DB) MarkBackoff(localID string, retryCount int) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, retry_count = ?, updated_at = ?
		WHERE local_id = ? AND status = ?`,
		string(status.Pending), retryCount, time.Now().UnixMilli(), localID, string(status.Syncing))
	return err
}

// MarkExhausted parks a record as failed. The record is retained so the user
// can inspect it and manually retry.
func (db *DB) MarkExhausted(localID string, retryCount int) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, retry_count = ?, updated_at = ?
		WHERE local_id = ? AND status = ?`,
		string(status.Failed), retryCount, time.Now().UnixMilli(), localID, string(status.Syncing))
	return err
}

// ResetFailed applies the user-initiated failed -> pending transition with a
// fresh retry budget. Returns false when the record is absent or not failed.
func (db *DB) ResetFailed(localID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, retry_count = 0, updated_at = ?
		WHERE local_id = ? AND status = ?`,
		string(status.Pending), time.Now().UnixMilli(), localID, string(status.Failed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) queryQueue(query string, args ...any) ([]QueuedMessage, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []QueuedMessage
	for rows.Next() {
		m, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueued(row rowScanner) (*QueuedMessage, error) {
	var (
		m           QueuedMessage
		rawStatus   string
		lastAttempt sql.NullInt64
		remoteID    sql.NullString
	)
	if err := row.Scan(&m.LocalID, &m.ChatID, &m.SenderID, &m.Payload, &rawStatus, &m.RetryCount, &m.CreatedAt, &lastAttempt, &remoteID); err != nil {
		return nil, err
	}
	st, err := status.Parse(rawStatus)
	if err != nil {
		return nil, err
	}
	m.Status = st
	m.LastAttemptAt = lastAttempt.Int64
	m.RemoteID = remoteID.String
	return &m, nil
}
