package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery state of an outbox event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
)

// maxErrorLen bounds the persisted last_error column.
const maxErrorLen = 2000

// Event is one row pending delivery to the broker. Rows are never
// deleted; sent rows are retained for audit and replay.
type Event struct {
	OutboxID      uuid.UUID
	EventID       *string // caller-supplied idempotency key, unique when set
	Topic         string
	EventKey      string
	EventType     string
	AggregateID   *string
	PayloadJSON   []byte
	Status        Status
	Attempts      int
	NextAttemptAt *time.Time
	LastError     *string
	LockedBy      *string
	LockedAt      *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// NewEvent creates a pending event ready for enqueue.
func NewEvent(topic, eventKey, eventType string, eventID, aggregateID *string, payloadJSON []byte, now time.Time) *Event {
	return &Event{
		OutboxID:    uuid.New(),
		EventID:     eventID,
		Topic:       topic,
		EventKey:    eventKey,
		EventType:   eventType,
		AggregateID: aggregateID,
		PayloadJSON: payloadJSON,
		Status:      StatusPending,
		Attempts:    0,
		CreatedAt:   now,
	}
}

// TruncateError bounds an error message to what the last_error column holds.
func TruncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// Downstream topics consumed by the reporting/orchestrator side.
const (
	TopicPaymentStatusChanged = "paycheck.payment.status_changed"
	TopicBatchStatusChanged   = "payment.batch.status_changed"
	TopicBatchTerminal        = "payment.batch.terminal"
)

// PaymentStatusEventID returns the idempotency key for a per-payment
// status transition. Re-enqueueing the same transition dedupes on it.
func PaymentStatusEventID(employerID, paycheckID uuid.UUID, status string) string {
	return fmt.Sprintf("paycheck-payment-status-changed:%s:%s:%s", employerID, paycheckID, status)
}

// BatchStatusEventID returns the idempotency key for a batch status
// transition.
func BatchStatusEventID(employerID, batchID uuid.UUID, status string) string {
	return fmt.Sprintf("payment-batch-status-changed:%s:%s:%s", employerID, batchID, status)
}

// BatchTerminalEventID returns the idempotency key for the single
// terminal lifecycle event a batch ever emits.
func BatchTerminalEventID(employerID, batchID uuid.UUID) string {
	return fmt.Sprintf("payment-batch-terminal:%s:%s", employerID, batchID)
}
