package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TerminalStatus is a provider-reported final state for one payment.
type TerminalStatus string

const (
	TerminalSettled TerminalStatus = "settled"
	TerminalFailed  TerminalStatus = "failed"
)

// SubmitPayment is one instruction inside a batch submission.
type SubmitPayment struct {
	PaymentID   uuid.UUID
	PaycheckID  uuid.UUID
	EmployeeID  uuid.UUID
	PayPeriodID uuid.UUID
	Currency    string
	NetCents    int64
	Attempts    int
}

// SubmitBatchRequest groups the claimed payments of one batch into a
// single rail call. Batching is a provider-efficiency concern, not a
// correctness one.
type SubmitBatchRequest struct {
	EmployerID uuid.UUID
	PayRunID   uuid.UUID
	BatchID    uuid.UUID
	Payments   []SubmitPayment
}

// PaymentResult is the provider's per-payment outcome. A nil
// TerminalStatus means the payment is still in flight on the rail and a
// later tick or sweeper pass resolves it.
type PaymentResult struct {
	PaymentID          uuid.UUID
	ProviderPaymentRef *string
	TerminalStatus     *TerminalStatus
	Error              *string
}

// SubmitBatchResponse carries the optional provider batch reference and
// the per-payment results.
type SubmitBatchResponse struct {
	ProviderBatchRef *string
	PaymentResults   []PaymentResult
}

// PaymentProvider is the submission channel to an external payment rail.
//
// Implementations must be idempotent with respect to PaymentID:
// resubmitting an already-settled payment must not move money twice.
type PaymentProvider interface {
	// Name returns the provider name.
	Name() string
	// SubmitBatch submits a batch of payment instructions to the rail.
	SubmitBatch(ctx context.Context, req SubmitBatchRequest, now time.Time) (*SubmitBatchResponse, error)
}
