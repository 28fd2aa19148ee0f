package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event type discriminators carried in the envelope.
const (
	EventTypePaymentStatusChanged = "PaycheckPaymentStatusChanged"
	EventTypeBatchStatusChanged   = "PaymentBatchStatusChanged"
	EventTypeBatchTerminal        = "PaymentBatchTerminal"
)

// Envelope is the wire form of every outbox payload. The EventType
// discriminator selects the decode target; consumers use EventID and
// OccurredAt for idempotent, last-write-wins projection.
type Envelope struct {
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// PaycheckPaymentStatusChanged is emitted on every payment status
// transition.
type PaycheckPaymentStatusChanged struct {
	EmployerID uuid.UUID `json:"employer_id"`
	PaymentID  uuid.UUID `json:"payment_id"`
	PaycheckID uuid.UUID `json:"paycheck_id"`
	PayRunID   uuid.UUID `json:"pay_run_id"`
	EmployeeID uuid.UUID `json:"employee_id"`
	BatchID    uuid.UUID `json:"batch_id"`
	Status     string    `json:"status"`
	Currency   string    `json:"currency"`
	NetCents   int64     `json:"net_cents"`
	Error      *string   `json:"error,omitempty"`
}

// PaymentBatchStatusChanged is emitted whenever reconciliation derives a
// new batch status.
type PaymentBatchStatusChanged struct {
	EmployerID      uuid.UUID `json:"employer_id"`
	BatchID         uuid.UUID `json:"batch_id"`
	PayRunID        uuid.UUID `json:"pay_run_id"`
	Status          string    `json:"status"`
	TotalPayments   int       `json:"total_payments"`
	SettledPayments int       `json:"settled_payments"`
	FailedPayments  int       `json:"failed_payments"`
}

// PaymentBatchTerminal is emitted exactly once per batch lifecycle, when
// the batch reaches COMPLETED or FAILED.
type PaymentBatchTerminal struct {
	EmployerID      uuid.UUID `json:"employer_id"`
	BatchID         uuid.UUID `json:"batch_id"`
	PayRunID        uuid.UUID `json:"pay_run_id"`
	Status          string    `json:"status"`
	TotalPayments   int       `json:"total_payments"`
	SettledPayments int       `json:"settled_payments"`
	FailedPayments  int       `json:"failed_payments"`
}

// Seal wraps a typed payload into an envelope and serializes it.
func Seal(eventType string, occurredAt time.Time, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	payload, err := json.Marshal(Envelope{
		EventType:  eventType,
		OccurredAt: occurredAt,
		Data:       raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

// Open decodes an envelope and returns the typed payload selected by the
// EventType discriminator.
func Open(payload []byte) (*Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var data any
	switch env.EventType {
	case EventTypePaymentStatusChanged:
		data = &PaycheckPaymentStatusChanged{}
	case EventTypeBatchStatusChanged:
		data = &PaymentBatchStatusChanged{}
	case EventTypeBatchTerminal:
		data = &PaymentBatchTerminal{}
	default:
		return nil, nil, fmt.Errorf("unknown event type %q", env.EventType)
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal %s: %w", env.EventType, err)
	}
	return &env, data, nil
}
