package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EnqueueParams carries everything needed to append one event.
type EnqueueParams struct {
	Topic       string
	EventKey    string
	EventType   string
	EventID     *string
	AggregateID *string
	PayloadJSON []byte
}

// EnqueueResult makes the idempotency outcome a first-class branch: on a
// duplicate EventID the existing row's ID comes back with AlreadyExists
// set, instead of a constraint-violation error.
type EnqueueResult struct {
	OutboxID      uuid.UUID
	AlreadyExists bool
}

// Store is the durable outbox table.
//
// Claiming and the terminal marks use row leases: a claimed row carries
// lockedBy/lockedAt, and MarkSent/MarkFailed only apply while the caller
// still holds that exact lease. A zero-rows result from either mark means
// the lease expired and another worker took over; callers log and move on.
type Store interface {
	// Enqueue appends a pending event. With a non-nil EventID the call is
	// idempotent: a second enqueue with the same EventID returns the
	// existing OutboxID.
	Enqueue(ctx context.Context, params EnqueueParams, now time.Time) (EnqueueResult, error)

	// ClaimBatch transitions up to limit due pending rows (oldest first)
	// to sending under a lease owned by lockOwner. Rows whose lease is
	// older than now-lockTTL count as due even if still marked sending.
	ClaimBatch(ctx context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*Event, error)

	// MarkSent finalizes a delivered row. Returns false when the lease
	// was lost.
	MarkSent(ctx context.Context, outboxID uuid.UUID, lockOwner string, lockedAt time.Time, now time.Time) (bool, error)

	// MarkFailed returns a row to pending with attempts+1 and the
	// caller-computed backoff gate. Returns false when the lease was lost.
	MarkFailed(ctx context.Context, outboxID uuid.UUID, lockOwner string, lockedAt time.Time, errMsg string, nextAttemptAt time.Time, now time.Time) (bool, error)
}
