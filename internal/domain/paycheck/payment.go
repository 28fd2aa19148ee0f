package paycheck

import (
	"time"

	"github.com/google/uuid"
)

// Status represents a payment's position in its lifecycle.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSubmitted Status = "submitted"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is settled or failed.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// Payment is one payment instruction inside a batch.
//
// The created→submitted transition happens exactly once per claim;
// submitted→settled/failed is terminal and idempotent. The sweeper may
// reset a failed payment back to created for retry, which keeps the
// accumulated attempts counter.
type Payment struct {
	PaymentID          uuid.UUID
	EmployerID         uuid.UUID
	PaycheckID         uuid.UUID
	PayRunID           uuid.UUID
	EmployeeID         uuid.UUID
	PayPeriodID        uuid.UUID
	BatchID            uuid.UUID
	Currency           string
	NetCents           int64
	Status             Status
	Attempts           int
	ProviderPaymentRef *string // set once, first writer wins
	Error              *string
	NextAttemptAt      *time.Time
	LockedBy           *string
	LockedAt           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewPayment creates a payment in created status, eligible for the next
// processor tick.
func NewPayment(paymentID, employerID, paycheckID, payRunID, employeeID, payPeriodID, batchID uuid.UUID, currency string, netCents int64, now time.Time) *Payment {
	return &Payment{
		PaymentID:   paymentID,
		EmployerID:  employerID,
		PaycheckID:  paycheckID,
		PayRunID:    payRunID,
		EmployeeID:  employeeID,
		PayPeriodID: payPeriodID,
		BatchID:     batchID,
		Currency:    currency,
		NetCents:    netCents,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
