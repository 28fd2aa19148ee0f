package batch

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the aggregate state of a payment batch.
type Status string

const (
	// StatusActive means the batch is still being driven by the processor.
	StatusActive Status = "active"
	// StatusPartiallyCompleted is an observable intermediate: some but not
	// all member payments are terminal, or all are terminal with failures
	// the sweeper may still retry.
	StatusPartiallyCompleted Status = "partially_completed"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// IsTerminal reports whether no further automatic transition occurs.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PaymentBatch groups the payments created together for one employer and
// pay run. Counters are derived from the payment rows on reconciliation,
// never maintained incrementally.
type PaymentBatch struct {
	BatchID          uuid.UUID
	EmployerID       uuid.UUID
	PayRunID         uuid.UUID
	Status           Status
	TotalPayments    int
	SettledPayments  int
	FailedPayments   int
	Attempts         int     // sweep attempts, independent of per-payment attempts
	ProviderBatchRef *string // set once, first writer wins
	LockedBy         *string
	LockedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewBatch creates an active batch for an employer pay run.
func NewBatch(batchID, employerID, payRunID uuid.UUID, now time.Time) *PaymentBatch {
	return &PaymentBatch{
		BatchID:    batchID,
		EmployerID: employerID,
		PayRunID:   payRunID,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// DeriveStatus recomputes the batch status from its members' terminal
// counts. markedFailed wins over everything: once the sweeper abandons a
// batch it stays failed. Completion requires every payment settled; a
// fully-terminal batch with failures remains partially completed until
// the sweeper either retries the failures or exhausts the batch.
func DeriveStatus(current Status, total, settled, failed int, markedFailed bool) Status {
	switch {
	case markedFailed || current == StatusFailed:
		return StatusFailed
	case total > 0 && settled == total:
		return StatusCompleted
	case settled+failed > 0:
		return StatusPartiallyCompleted
	default:
		return current
	}
}
