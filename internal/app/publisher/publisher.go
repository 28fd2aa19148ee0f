// Package publisher serializes lifecycle events into the outbox.
//
// Every event carries a deterministic event ID, so re-running the same
// transition dedupes on the outbox unique constraint instead of emitting
// twice.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/apexpay/payrun/internal/domain/batch"
	"github.com/apexpay/payrun/internal/domain/outbox"
	"github.com/apexpay/payrun/internal/domain/paycheck"
	"github.com/apexpay/payrun/internal/observability"
)

type Publisher struct {
	store   outbox.Store
	metrics *observability.Metrics
}

func New(store outbox.Store, metrics *observability.Metrics) *Publisher {
	return &Publisher{store: store, metrics: metrics}
}

func (p *Publisher) countEnqueue(topic string, alreadyExists bool) {
	outcome := "enqueued"
	if alreadyExists {
		outcome = "duplicate"
	}
	p.metrics.OutboxEnqueued.WithLabelValues(topic, outcome).Inc()
}

// PaymentStatusChanged enqueues a per-payment transition event. Returns
// false when the same transition was already enqueued.
func (p *Publisher) PaymentStatusChanged(ctx context.Context, pay *paycheck.Payment, status paycheck.Status, now time.Time) (bool, error) {
	payload, err := outbox.Seal(outbox.EventTypePaymentStatusChanged, now, outbox.PaycheckPaymentStatusChanged{
		EmployerID: pay.EmployerID,
		PaymentID:  pay.PaymentID,
		PaycheckID: pay.PaycheckID,
		PayRunID:   pay.PayRunID,
		EmployeeID: pay.EmployeeID,
		BatchID:    pay.BatchID,
		Status:     string(status),
		Currency:   pay.Currency,
		NetCents:   pay.NetCents,
		Error:      pay.Error,
	})
	if err != nil {
		return false, err
	}

	eventID := outbox.PaymentStatusEventID(pay.EmployerID, pay.PaycheckID, string(status))
	aggregateID := pay.PaymentID.String()
	res, err := p.store.Enqueue(ctx, outbox.EnqueueParams{
		Topic:       outbox.TopicPaymentStatusChanged,
		EventKey:    pay.EmployerID.String(),
		EventType:   outbox.EventTypePaymentStatusChanged,
		EventID:     &eventID,
		AggregateID: &aggregateID,
		PayloadJSON: payload,
	}, now)
	if err != nil {
		return false, fmt.Errorf("enqueue payment status event: %w", err)
	}
	p.countEnqueue(outbox.TopicPaymentStatusChanged, res.AlreadyExists)
	return !res.AlreadyExists, nil
}

// BatchStatusChanged enqueues a batch transition event for the status
// reconciliation just derived.
func (p *Publisher) BatchStatusChanged(ctx context.Context, b *batch.PaymentBatch, rec batch.ReconcileResult, now time.Time) (bool, error) {
	payload, err := outbox.Seal(outbox.EventTypeBatchStatusChanged, now, outbox.PaymentBatchStatusChanged{
		EmployerID:      b.EmployerID,
		BatchID:         b.BatchID,
		PayRunID:        b.PayRunID,
		Status:          string(rec.Current),
		TotalPayments:   rec.TotalPayments,
		SettledPayments: rec.SettledPayments,
		FailedPayments:  rec.FailedPayments,
	})
	if err != nil {
		return false, err
	}

	eventID := outbox.BatchStatusEventID(b.EmployerID, b.BatchID, string(rec.Current))
	aggregateID := b.BatchID.String()
	res, err := p.store.Enqueue(ctx, outbox.EnqueueParams{
		Topic:       outbox.TopicBatchStatusChanged,
		EventKey:    b.EmployerID.String(),
		EventType:   outbox.EventTypeBatchStatusChanged,
		EventID:     &eventID,
		AggregateID: &aggregateID,
		PayloadJSON: payload,
	}, now)
	if err != nil {
		return false, fmt.Errorf("enqueue batch status event: %w", err)
	}
	p.countEnqueue(outbox.TopicBatchStatusChanged, res.AlreadyExists)
	return !res.AlreadyExists, nil
}

// BatchTerminal enqueues the single terminal lifecycle event a batch
// ever emits. The deterministic event ID carries no status, so a batch
// cannot emit both a completed and a failed terminal event.
func (p *Publisher) BatchTerminal(ctx context.Context, b *batch.PaymentBatch, rec batch.ReconcileResult, now time.Time) (bool, error) {
	payload, err := outbox.Seal(outbox.EventTypeBatchTerminal, now, outbox.PaymentBatchTerminal{
		EmployerID:      b.EmployerID,
		BatchID:         b.BatchID,
		PayRunID:        b.PayRunID,
		Status:          string(rec.Current),
		TotalPayments:   rec.TotalPayments,
		SettledPayments: rec.SettledPayments,
		FailedPayments:  rec.FailedPayments,
	})
	if err != nil {
		return false, err
	}

	eventID := outbox.BatchTerminalEventID(b.EmployerID, b.BatchID)
	aggregateID := b.BatchID.String()
	res, err := p.store.Enqueue(ctx, outbox.EnqueueParams{
		Topic:       outbox.TopicBatchTerminal,
		EventKey:    b.EmployerID.String(),
		EventType:   outbox.EventTypeBatchTerminal,
		EventID:     &eventID,
		AggregateID: &aggregateID,
		PayloadJSON: payload,
	}, now)
	if err != nil {
		return false, fmt.Errorf("enqueue batch terminal event: %w", err)
	}
	p.countEnqueue(outbox.TopicBatchTerminal, res.AlreadyExists)
	return !res.AlreadyExists, nil
}
