package paycheck

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertResult makes the idempotent-intake outcome explicit: a repeated
// insert for the same PaymentID reports AlreadyExists instead of failing.
type InsertResult struct {
	PaymentID     uuid.UUID
	AlreadyExists bool
}

// Counts aggregates member payments by terminal state.
type Counts struct {
	Total   int
	Settled int
	Failed  int
}

// Repository is the durable paycheck payment table.
type Repository interface {
	// Insert persists a created payment, idempotent on PaymentID.
	Insert(ctx context.Context, p *Payment) (InsertResult, error)

	GetByID(ctx context.Context, employerID, paymentID uuid.UUID) (*Payment, error)

	// ClaimCreatedByBatch leases up to limit due created payments for the
	// batch, transitioning them to submitted and bumping attempts. A
	// payment whose nextAttemptAt lies in the future is not due yet.
	ClaimCreatedByBatch(ctx context.Context, employerID, batchID uuid.UUID, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*Payment, error)

	// MarkSettled applies the settled terminal state, recording the
	// provider ref first-writer-wins. Re-applying settled to an already
	// settled payment is a no-op, not an error.
	MarkSettled(ctx context.Context, employerID, paymentID uuid.UUID, providerRef *string, now time.Time) error

	// MarkFailed applies the failed terminal state with the provider's
	// error. Idempotent like MarkSettled.
	MarkFailed(ctx context.Context, employerID, paymentID uuid.UUID, providerRef *string, errMsg string, now time.Time) error

	// ResetForRetry returns a failed payment to created with the given
	// backoff gate, keeping its accumulated attempts. Returns false when
	// the payment is no longer failed.
	ResetForRetry(ctx context.Context, employerID, paymentID uuid.UUID, nextAttemptAt time.Time, now time.Time) (bool, error)

	// ListFailedByBatch returns the failed payments of a batch (sweeper
	// input).
	ListFailedByBatch(ctx context.Context, employerID, batchID uuid.UUID) ([]*Payment, error)

	// CountByBatch recomputes the terminal counters for reconciliation.
	CountByBatch(ctx context.Context, employerID, batchID uuid.UUID) (Counts, error)
}
