package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/apexpay/payrun/internal/domain/paycheck"
	"github.com/apexpay/payrun/internal/observability"
)

// NewTestMetrics registers the metric set on a private registry so
// parallel tests never collide on the default one.
func NewTestMetrics() *observability.Metrics {
	return observability.NewMetrics("test", prometheus.NewRegistry())
}

// PaymentFixture builds a payment with sensible defaults; override fields
// after construction when a test needs something specific.
type PaymentFixture struct {
	PaymentID   uuid.UUID
	EmployerID  uuid.UUID
	PaycheckID  uuid.UUID
	PayRunID    uuid.UUID
	EmployeeID  uuid.UUID
	PayPeriodID uuid.UUID
	BatchID     uuid.UUID
	Currency    string
	NetCents    int64
}

func NewPaymentFixture(employerID, batchID uuid.UUID) PaymentFixture {
	return PaymentFixture{
		PaymentID:   uuid.New(),
		EmployerID:  employerID,
		PaycheckID:  uuid.New(),
		PayRunID:    uuid.New(),
		EmployeeID:  uuid.New(),
		PayPeriodID: uuid.New(),
		BatchID:     batchID,
		Currency:    "USD",
		NetCents:    150_000,
	}
}

func (f PaymentFixture) Build(now time.Time) *paycheck.Payment {
	return paycheck.NewPayment(
		f.PaymentID, f.EmployerID, f.PaycheckID, f.PayRunID,
		f.EmployeeID, f.PayPeriodID, f.BatchID, f.Currency, f.NetCents, now,
	)
}

// RecordingBroker captures published events in memory and fails on demand,
// for relay tests.
type RecordingBroker struct {
	mu          sync.Mutex
	published   []BrokerRecord
	deadLetters []BrokerRecord
	failNext    int
	failWith    error
}

// BrokerRecord is one captured publish call.
type BrokerRecord struct {
	OutboxID  string
	Topic     string
	EventKey  string
	EventType string
	Payload   []byte
	Reason    string
}

func NewRecordingBroker() *RecordingBroker {
	return &RecordingBroker{failWith: errors.New("broker unavailable")}
}

// FailNext makes the next n Publish calls fail.
func (b *RecordingBroker) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

func (b *RecordingBroker) Publish(_ context.Context, topic, eventKey, eventType string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return b.failWith
	}
	b.published = append(b.published, BrokerRecord{
		Topic:     topic,
		EventKey:  eventKey,
		EventType: eventType,
		Payload:   payload,
	})
	return nil
}

func (b *RecordingBroker) PublishDeadLetter(_ context.Context, outboxID, topic, reason string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, BrokerRecord{
		OutboxID: outboxID,
		Topic:    topic,
		Payload:  payload,
		Reason:   reason,
	})
	return nil
}

// Published returns the captured successful publishes.
func (b *RecordingBroker) Published() []BrokerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BrokerRecord(nil), b.published...)
}

// DeadLetters returns the captured dead-letter publishes.
func (b *RecordingBroker) DeadLetters() []BrokerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BrokerRecord(nil), b.deadLetters...)
}
