// Package sync drains the outbox queue against the remote backend: it claims
// pending records, attempts the idempotent remote write, and applies the
// delivery status transitions with exponential backoff and a retry budget.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"pigeon/internal/bus"
	"pigeon/internal/config"
	"pigeon/internal/status"
	"pigeon/internal/store"
)

// Sender is the remote backend write. It must be idempotent keyed by the
// message's LocalID.
type Sender interface {
	Send(ctx context.Context, msg store.QueuedMessage) (remoteID string, err error)
}

// Summary reports what a single drain pass did.
type Summary struct {
	// Skipped is true when another pass was already in flight and this
	// invocation did nothing.
	Skipped       bool
	Synced        int
	Rescheduled   int
	Failed        int
	StorageErrors int
}

func (s *Summary) add(o Summary) {
	s.Synced += o.Synced
	s.Rescheduled += o.Rescheduled
	s.Failed += o.Failed
	s.StorageErrors += o.StorageErrors
}

// Processor is the single-flight queue drain worker.
type Processor struct {
	db          *store.DB
	sender      Sender
	bus         *bus.Bus
	logger      *zap.Logger
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// running guards RunOnce re-entrancy. Set before any I/O, cleared on
	// every exit path; overlapping invocations report Skipped.
	running atomic.Bool
}

// NewProcessor creates a processor with the given sync tuning.
func NewProcessor(db *store.DB, sender Sender, b *bus.Bus, cfg config.Sync, logger *zap.Logger) *Processor {
	return &Processor{
		db:          db,
		sender:      sender,
		bus:         b,
		logger:      logger,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: time.Duration(cfg.BaseBackoffMs) * time.Millisecond,
		maxBackoff:  time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
	}
}

// Delay returns how long a record must wait after its retryCount-th failed
// attempt before it is eligible again: min(base * 2^retryCount, max).
func (p *Processor) Delay(retryCount int) time.Duration {
	if retryCount > 30 {
		retryCount = 30
	}
	d := p.baseBackoff << uint(retryCount)
	if d <= 0 || d > p.maxBackoff {
		return p.maxBackoff
	}
	return d
}

// RunOnce performs one drain pass. If a pass is already in flight it returns
// immediately with Skipped set and touches nothing. Stranded syncing claims
// are recovered to pending first, then records are processed in created_at
// order within a chat; chats drain independently of each other.
func (p *Processor) RunOnce(ctx context.Context) (Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Summary{Skipped: true}, nil
	}
	defer p.running.Store(false)

	// Inside the guard nothing can legitimately hold a syncing claim, so
	// any syncing row is a stranded claim from a prior crash or a failed
	// status write. Flip them back before the scan so they are reattempted.
	recovered, err := p.db.RecoverInFlight()
	if err != nil {
		return Summary{StorageErrors: 1}, fmt.Errorf("recover in-flight: %w", err)
	}
	if recovered > 0 {
		p.logger.Warn("recovered stranded in-flight records", zap.Int64("count", recovered))
	}

	pending, err := p.db.PendingQueue()
	if err != nil {
		// The whole pass is lost; the next trigger retries it. Retry
		// budgets are untouched.
		return Summary{StorageErrors: 1}, fmt.Errorf("load queue: %w", err)
	}
	if len(pending) == 0 {
		return Summary{}, nil
	}

	// Group per chat, preserving created_at order within each group.
	chats := make(map[string][]store.QueuedMessage)
	for _, m := range pending {
		chats[m.ChatID] = append(chats[m.ChatID], m)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sum Summary
	)
	for _, msgs := range chats {
		wg.Add(1)
		go func(msgs []store.QueuedMessage) {
			defer wg.Done()
			s := p.drainChat(ctx, msgs)
			mu.Lock()
			sum.add(s)
			mu.Unlock()
		}(msgs)
	}
	wg.Wait()

	p.logger.Info("drain pass completed",
		zap.Int("synced", sum.Synced),
		zap.Int("rescheduled", sum.Rescheduled),
		zap.Int("failed", sum.Failed),
		zap.Int("storage_errors", sum.StorageErrors),
	)
	p.bus.Emit(bus.KindSyncCompleted, sum)
	return sum, nil
}

func (p *Processor) drainChat(ctx context.Context, msgs []store.QueuedMessage) Summary {
	var sum Summary
	for _, m := range msgs {
		if ctx.Err() != nil {
			return sum
		}
		// The recovery sweep flipped stranded syncing rows back to
		// pending before the scan; anything else is not claimable.
		if m.Status != status.Pending {
			continue
		}
		now := time.Now()
		if !p.eligible(m, now) {
			// Still backing off. It has been attempted before, so later
			// messages in the chat may proceed without breaking ordering.
			continue
		}
		p.attempt(ctx, m, now, &sum)
	}
	return sum
}

// eligible reports whether the record's backoff window has elapsed. A record
// that was never attempted is always eligible.
func (p *Processor) eligible(m store.QueuedMessage, now time.Time) bool {
	if m.LastAttemptAt == 0 {
		return true
	}
	elapsed := time.Duration(now.UnixMilli()-m.LastAttemptAt) * time.Millisecond
	return elapsed >= p.Delay(m.RetryCount)
}

// attempt processes one record. A failure here never escapes: it is folded
// into the summary so the rest of the run continues.
func (p *Processor) attempt(ctx context.Context, m store.QueuedMessage, now time.Time, sum *Summary) {
	if err := status.Transition(m.Status, status.Syncing); err != nil {
		p.logger.Error("refusing invalid claim", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}

	claimed, err := p.db.MarkSyncing(m.LocalID, now.UnixMilli())
	if err != nil {
		sum.StorageErrors++
		p.logger.Error("failed to claim record", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}
	if !claimed {
		// Discarded or cleared between the scan and the claim.
		return
	}
	m.Status = status.Syncing
	m.LastAttemptAt = now.UnixMilli()
	p.publishChange(m.ChatID, m.LocalID, status.Syncing)

	remoteID, err := p.sender.Send(ctx, m)
	switch {
	case err == nil:
		p.complete(m, remoteID, sum)
	case isPermanent(err):
		p.logger.Warn("backend rejected message",
			zap.Error(err), zap.String("local_id", m.LocalID))
		// Retrying cannot help; park it regardless of remaining budget.
		if err := p.db.MarkExhausted(m.LocalID, m.RetryCount); err != nil {
			sum.StorageErrors++
			p.logger.Error("failed to park record", zap.Error(err), zap.String("local_id", m.LocalID))
			return
		}
		sum.Failed++
		p.publishChange(m.ChatID, m.LocalID, status.Failed)
	default:
		p.reschedule(m, err, sum)
	}
}

// complete applies the syncing -> synced transition and drops the record:
// once the backend acknowledged the write, the remote store is the source of
// truth.
func (p *Processor) complete(m store.QueuedMessage, remoteID string, sum *Summary) {
	if err := p.db.MarkSynced(m.LocalID, remoteID); err != nil {
		// The remote write succeeded, so the record stays syncing and is
		// recovered to pending on restart; the idempotency key makes the
		// repeat write harmless.
		sum.StorageErrors++
		p.logger.Error("failed to mark synced", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}
	p.publishChange(m.ChatID, m.LocalID, status.Synced)

	if err := p.db.RemoveQueued(m.LocalID); err != nil {
		sum.StorageErrors++
		p.logger.Error("failed to drop synced record", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}
	sum.Synced++
	p.logger.Info("message delivered",
		zap.String("local_id", m.LocalID),
		zap.String("remote_id", remoteID),
		zap.String("chat_id", m.ChatID),
	)
}

// reschedule applies the transient-failure path: increment the retry count,
// then either back off or exhaust the budget.
func (p *Processor) reschedule(m store.QueuedMessage, cause error, sum *Summary) {
	rc := m.RetryCount + 1
	if rc >= p.maxRetries {
		if err := p.db.MarkExhausted(m.LocalID, rc); err != nil {
			sum.StorageErrors++
			p.logger.Error("failed to park record", zap.Error(err), zap.String("local_id", m.LocalID))
			return
		}
		sum.Failed++
		p.logger.Warn("retry budget exhausted",
			zap.Error(cause), zap.String("local_id", m.LocalID), zap.Int("attempts", rc))
		p.publishChange(m.ChatID, m.LocalID, status.Failed)
		return
	}

	if err := p.db.MarkBackoff(m.LocalID, rc); err != nil {
		sum.StorageErrors++
		p.logger.Error("failed to reschedule record", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}
	sum.Rescheduled++
	p.logger.Info("delivery attempt failed, rescheduled",
		zap.Error(cause),
		zap.String("local_id", m.LocalID),
		zap.Int("retry_count", rc),
		zap.Duration("next_attempt_in", p.Delay(rc)),
	)
	p.publishChange(m.ChatID, m.LocalID, status.Pending)
}

func (p *Processor) publishChange(chatID, localID string, st status.Status) {
	p.bus.Emit(bus.KindUpdated, map[string]string{
		"chat_id":  chatID,
		"local_id": localID,
		"status":   string(st),
	})
}

// isPermanent reports whether a send error is non-retryable. Permanence is
// duck-typed so this package never depends on transport specifics.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
