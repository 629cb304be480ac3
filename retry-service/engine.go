package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetryAttempts = 3

// delays returns the full backoff schedule up front: 1s, 2s, 4s.
func delays() []time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	out := make([]time.Duration, 0, maxRetryAttempts)
	for i := 0; i < maxRetryAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// retryKey identifies one delivery attempt sequence. A second request for
// the same key while one is in flight is dropped, not queued.
type retryKey struct {
	senderID        string
	clientMessageID string
}

// Record is one tracked redelivery.
type Record struct {
	MessageID       string
	RoomID          string
	SenderID        string
	ClientMessageID string
	Attempts        int
	EnqueuedAt      time.Time

	cancelled atomic.Bool
}

const (
	outcomeDelivered = "delivered"
	outcomeCancelled = "cancelled"
	outcomeExhausted = "exhausted"
)

// Deps are the engine's side effects. Every field must be set; the tests
// substitute in-memory versions.
type Deps struct {
	// Lookup returns the current status of the tracked message.
	Lookup func(ctx context.Context, senderID, clientMessageID string) (string, error)
	// ResetSending moves the row back to SENDING before a redelivery.
	ResetSending func(ctx context.Context, messageID string) error
	// Republish pushes the message to the room again.
	Republish func(ctx context.Context, rec *Record) error
	// MarkFailed finalizes the row after the schedule is exhausted.
	MarkFailed func(ctx context.Context, messageID string) error
	// NotifyFailure tells the sender the message will not be delivered.
	NotifyFailure func(ctx context.Context, rec *Record)
	// Wait blocks for the given backoff delay.
	Wait func(ctx context.Context, d time.Duration) error
}

func sleepWait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Engine tracks in-flight redeliveries keyed by (senderId, clientMessageId).
type Engine struct {
	deps Deps

	mu       sync.Mutex
	inflight map[retryKey]*Record
}

func NewEngine(deps Deps) *Engine {
	if deps.Wait == nil {
		deps.Wait = sleepWait
	}
	return &Engine{deps: deps, inflight: make(map[retryKey]*Record)}
}

// Trigger registers a redelivery and starts its backoff loop. It reports
// false when the key is already in flight.
func (e *Engine) Trigger(ctx context.Context, rec *Record) bool {
	k := retryKey{senderID: rec.SenderID, clientMessageID: rec.ClientMessageID}
	e.mu.Lock()
	if _, exists := e.inflight[k]; exists {
		e.mu.Unlock()
		return false
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	e.inflight[k] = rec
	e.mu.Unlock()

	go e.run(ctx, rec)
	return true
}

// Cancel flags an in-flight redelivery. The loop observes the flag at the
// next backoff boundary; an attempt already underway completes.
func (e *Engine) Cancel(senderID, clientMessageID string) bool {
	e.mu.Lock()
	rec, ok := e.inflight[retryKey{senderID: senderID, clientMessageID: clientMessageID}]
	e.mu.Unlock()
	if !ok {
		return false
	}
	rec.cancelled.Store(true)
	return true
}

// PurgeStale drops records older than olderThan. Completed loops remove
// themselves; this sweeps anything left behind by a wedged dependency.
func (e *Engine) PurgeStale(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	purged := 0
	for k, rec := range e.inflight {
		if rec.EnqueuedAt.Before(cutoff) {
			rec.cancelled.Store(true)
			delete(e.inflight, k)
			purged++
		}
	}
	return purged
}

func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Engine) remove(rec *Record) {
	e.mu.Lock()
	delete(e.inflight, retryKey{senderID: rec.SenderID, clientMessageID: rec.ClientMessageID})
	e.mu.Unlock()
}

// run walks the backoff schedule. Lookup or republish errors count as a
// consumed attempt but never abort the loop; only delivery, cancellation,
// or exhaustion end it.
func (e *Engine) run(ctx context.Context, rec *Record) string {
	defer e.remove(rec)

	for _, delay := range delays() {
		if rec.cancelled.Load() {
			return outcomeCancelled
		}
		if err := e.deps.Wait(ctx, delay); err != nil {
			return outcomeCancelled
		}
		if rec.cancelled.Load() {
			return outcomeCancelled
		}

		status, err := e.deps.Lookup(ctx, rec.SenderID, rec.ClientMessageID)
		if err != nil {
			slog.Warn("Retry status lookup failed", "messageId", rec.MessageID, "error", err)
			rec.Attempts++
			continue
		}
		if status == "DELIVERED" || status == "READ" {
			slog.Debug("Message confirmed during retry", "messageId", rec.MessageID, "status", status)
			return outcomeDelivered
		}

		rec.Attempts++
		if err := e.deps.ResetSending(ctx, rec.MessageID); err != nil {
			slog.Warn("Retry status reset failed", "messageId", rec.MessageID, "error", err)
		}
		if err := e.deps.Republish(ctx, rec); err != nil {
			slog.Warn("Retry republish failed", "messageId", rec.MessageID, "attempt", rec.Attempts, "error", err)
			continue
		}
		slog.Debug("Message republished", "messageId", rec.MessageID, "attempt", rec.Attempts)
	}

	if err := e.deps.MarkFailed(ctx, rec.MessageID); err != nil {
		slog.Error("Failed to mark message FAILED", "messageId", rec.MessageID, "error", err)
	}
	e.deps.NotifyFailure(ctx, rec)
	return outcomeExhausted
}
