package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReconcileResult reports one reconciliation pass. Previous and Current
// let callers detect the single transition into a terminal status.
type ReconcileResult struct {
	Previous        Status
	Current         Status
	TotalPayments   int
	SettledPayments int
	FailedPayments  int
}

// NewlyTerminal reports whether this pass moved the batch into a
// terminal status.
func (r ReconcileResult) NewlyTerminal() bool {
	return r.Current.IsTerminal() && r.Previous != r.Current
}

// Changed reports whether this pass changed the derived status at all.
func (r ReconcileResult) Changed() bool {
	return r.Previous != r.Current
}

// Repository is the durable payment batch table. Batch-level claiming
// follows the same lease protocol as the outbox: a claim only holds
// until lockTTL elapses, after which any worker may reclaim.
type Repository interface {
	// Upsert creates the batch if absent; an existing row is left
	// untouched (intake runs once per payment, not once per batch).
	Upsert(ctx context.Context, b *PaymentBatch) error

	GetByID(ctx context.Context, employerID, batchID uuid.UUID) (*PaymentBatch, error)

	// ClaimActiveBatches leases up to limit batches eligible for
	// processing (active or partially completed), oldest first.
	ClaimActiveBatches(ctx context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*PaymentBatch, error)

	// ClaimStuckBatches leases up to limit partially completed batches
	// for the sweeper.
	ClaimStuckBatches(ctx context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*PaymentBatch, error)

	// ReleaseClaim drops a held lease early. Lease expiry remains the
	// safety net when the holder crashed.
	ReleaseClaim(ctx context.Context, batchID uuid.UUID, lockOwner string, lockedAt time.Time) (bool, error)

	// SetProviderBatchRef records the provider's batch reference,
	// first writer wins. Returns false when a ref was already set.
	SetProviderBatchRef(ctx context.Context, employerID, batchID uuid.UUID, ref string) (bool, error)

	// Reconcile recomputes the counters from the payment rows and
	// derives the batch status.
	Reconcile(ctx context.Context, employerID, batchID uuid.UUID, now time.Time) (ReconcileResult, error)

	// IncrementAttempts bumps the batch-level sweep counter and returns
	// the new value.
	IncrementAttempts(ctx context.Context, employerID, batchID uuid.UUID, now time.Time) (int, error)

	// MarkFailed abandons the batch. Returns false when the batch was
	// already failed.
	MarkFailed(ctx context.Context, employerID, batchID uuid.UUID, now time.Time) (bool, error)
}
