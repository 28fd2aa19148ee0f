// Package processor drives pending payment batches to the payment rail.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apexpay/payrun/internal/app/publisher"
	"github.com/apexpay/payrun/internal/domain/batch"
	"github.com/apexpay/payrun/internal/domain/paycheck"
	"github.com/apexpay/payrun/internal/observability"
	"github.com/apexpay/payrun/internal/provider"
)

// TransactionManager runs a function inside a database transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config holds the per-tick processing limits.
type Config struct {
	// BatchSize is the tick-wide payment budget shared across batches.
	BatchSize int
	// MaxBatchesPerTick caps how many batches one tick claims.
	MaxBatchesPerTick int
	LockOwner         string
	LockTTL           time.Duration
	ProviderName      string
}

// Processor claims eligible batches, submits their created payments to
// the payment provider and reconciles batch status from the results.
//
// Everything it mutates goes through lease-guarded conditional updates,
// so multiple instances can tick concurrently against one database.
type Processor struct {
	batchRepo batch.Repository
	payRepo   paycheck.Repository
	publisher *publisher.Publisher
	factory   *provider.Factory
	txManager TransactionManager
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

func New(
	batchRepo batch.Repository,
	payRepo paycheck.Repository,
	pub *publisher.Publisher,
	factory *provider.Factory,
	txManager TransactionManager,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Processor {
	return &Processor{
		batchRepo: batchRepo,
		payRepo:   payRepo,
		publisher: pub,
		factory:   factory,
		txManager: txManager,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		tracer:    otel.Tracer("payrun.processor"),
	}
}

// TickOnce runs one processing pass. Per-batch failures are logged and
// the tick moves on; the next tick (or another instance) retries once
// the leases expire.
func (p *Processor) TickOnce(ctx context.Context, now time.Time) error {
	batches, err := p.batchRepo.ClaimActiveBatches(ctx, p.cfg.MaxBatchesPerTick, p.cfg.LockOwner, p.cfg.LockTTL, now)
	if err != nil {
		return fmt.Errorf("claim batches: %w", err)
	}

	budget := p.cfg.BatchSize
	for _, b := range batches {
		p.metrics.BatchesClaimed.Inc()

		var claimed []*paycheck.Payment
		if budget > 0 {
			claimed, err = p.payRepo.ClaimCreatedByBatch(ctx, b.EmployerID, b.BatchID, budget, p.cfg.LockOwner, p.cfg.LockTTL, now)
			if err != nil {
				p.logger.Error().Err(err).Str("batch_id", b.BatchID.String()).Msg("Failed to claim payments")
				p.release(ctx, b)
				continue
			}
			budget -= len(claimed)
		}

		p.submitClaimed(ctx, b, claimed, now)

		// Reconciliation runs regardless of whether any payment reached
		// a terminal state this tick.
		if err := p.reconcile(ctx, b, now); err != nil {
			p.logger.Error().Err(err).Str("batch_id", b.BatchID.String()).Msg("Failed to reconcile batch")
		}

		p.release(ctx, b)
	}
	return nil
}

// submitClaimed sends the freshly claimed payments to the rail and
// persists per-payment results. A failed provider call leaves the
// payments submitted; their leases expire and a later tick re-drives
// them through the batch claim.
func (p *Processor) submitClaimed(ctx context.Context, b *batch.PaymentBatch, claimed []*paycheck.Payment, now time.Time) {
	if len(claimed) == 0 {
		return
	}

	for _, pay := range claimed {
		if _, err := p.publisher.PaymentStatusChanged(ctx, pay, paycheck.StatusSubmitted, now); err != nil {
			p.logger.Error().Err(err).Str("payment_id", pay.PaymentID.String()).Msg("Failed to enqueue submitted event")
		}
	}

	prov, breaker, err := p.factory.Get(p.cfg.ProviderName)
	if err != nil {
		p.logger.Error().Err(err).Str("provider", p.cfg.ProviderName).Msg("Provider not registered")
		return
	}

	req := provider.SubmitBatchRequest{
		EmployerID: b.EmployerID,
		PayRunID:   b.PayRunID,
		BatchID:    b.BatchID,
	}
	for _, pay := range claimed {
		req.Payments = append(req.Payments, provider.SubmitPayment{
			PaymentID:   pay.PaymentID,
			PaycheckID:  pay.PaycheckID,
			EmployeeID:  pay.EmployeeID,
			PayPeriodID: pay.PayPeriodID,
			Currency:    pay.Currency,
			NetCents:    pay.NetCents,
			Attempts:    pay.Attempts,
		})
	}

	spanCtx, span := p.tracer.Start(ctx, "SubmitBatch", trace.WithAttributes(
		attribute.String("batch.id", b.BatchID.String()),
		attribute.Int("batch.payments", len(claimed)),
		attribute.String("provider", prov.Name()),
	))
	resp, err := breaker.Execute(func() (*provider.SubmitBatchResponse, error) {
		return prov.SubmitBatch(spanCtx, req, now)
	})
	span.End()

	p.metrics.PaymentsSubmitted.WithLabelValues(prov.Name()).Add(float64(len(claimed)))

	if err != nil {
		p.metrics.ProviderErrors.WithLabelValues(prov.Name()).Inc()
		p.logger.Warn().Err(err).
			Str("batch_id", b.BatchID.String()).
			Int("payments", len(claimed)).
			Msg("Provider submission failed, payments stay submitted for re-claim")
		return
	}

	if resp.ProviderBatchRef != nil {
		if _, err := p.batchRepo.SetProviderBatchRef(ctx, b.EmployerID, b.BatchID, *resp.ProviderBatchRef); err != nil {
			p.logger.Error().Err(err).Str("batch_id", b.BatchID.String()).Msg("Failed to set provider batch ref")
		}
	}

	byID := make(map[string]*paycheck.Payment, len(claimed))
	for _, pay := range claimed {
		byID[pay.PaymentID.String()] = pay
	}

	for _, result := range resp.PaymentResults {
		if result.TerminalStatus == nil {
			// Still in flight on the rail; resolved by a later tick or
			// the sweeper.
			continue
		}
		pay, ok := byID[result.PaymentID.String()]
		if !ok {
			p.logger.Warn().Str("payment_id", result.PaymentID.String()).Msg("Provider returned unknown payment")
			continue
		}
		p.applyTerminal(ctx, pay, result, now)
	}
}

func (p *Processor) applyTerminal(ctx context.Context, pay *paycheck.Payment, result provider.PaymentResult, now time.Time) {
	var status paycheck.Status
	switch *result.TerminalStatus {
	case provider.TerminalSettled:
		status = paycheck.StatusSettled
		if err := p.payRepo.MarkSettled(ctx, pay.EmployerID, pay.PaymentID, result.ProviderPaymentRef, now); err != nil {
			p.logger.Error().Err(err).Str("payment_id", pay.PaymentID.String()).Msg("Failed to mark payment settled")
			return
		}
	case provider.TerminalFailed:
		status = paycheck.StatusFailed
		errMsg := "provider reported failure"
		if result.Error != nil {
			errMsg = *result.Error
		}
		pay.Error = &errMsg
		if err := p.payRepo.MarkFailed(ctx, pay.EmployerID, pay.PaymentID, result.ProviderPaymentRef, errMsg, now); err != nil {
			p.logger.Error().Err(err).Str("payment_id", pay.PaymentID.String()).Msg("Failed to mark payment failed")
			return
		}
	default:
		p.logger.Warn().Str("status", string(*result.TerminalStatus)).Msg("Unknown terminal status from provider")
		return
	}

	p.metrics.PaymentsTerminal.WithLabelValues(string(status)).Inc()
	if _, err := p.publisher.PaymentStatusChanged(ctx, pay, status, now); err != nil {
		p.logger.Error().Err(err).Str("payment_id", pay.PaymentID.String()).Msg("Failed to enqueue terminal event")
	}
}

// reconcile recomputes the batch counters and publishes lifecycle
// events inside one transaction, so the status write and its event
// commit together.
func (p *Processor) reconcile(ctx context.Context, b *batch.PaymentBatch, now time.Time) error {
	return p.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		rec, err := p.batchRepo.Reconcile(txCtx, b.EmployerID, b.BatchID, now)
		if err != nil {
			return err
		}
		if rec.Changed() {
			if _, err := p.publisher.BatchStatusChanged(txCtx, b, rec, now); err != nil {
				return err
			}
		}
		if rec.NewlyTerminal() {
			p.metrics.BatchesTerminal.WithLabelValues(string(rec.Current)).Inc()
			if _, err := p.publisher.BatchTerminal(txCtx, b, rec, now); err != nil {
				return err
			}
			p.logger.Info().
				Str("batch_id", b.BatchID.String()).
				Str("status", string(rec.Current)).
				Int("settled", rec.SettledPayments).
				Int("failed", rec.FailedPayments).
				Msg("Batch reached terminal status")
		}
		return nil
	})
}

func (p *Processor) release(ctx context.Context, b *batch.PaymentBatch) {
	if b.LockedAt == nil {
		return
	}
	if _, err := p.batchRepo.ReleaseClaim(ctx, b.BatchID, p.cfg.LockOwner, *b.LockedAt); err != nil {
		p.logger.Error().Err(err).Str("batch_id", b.BatchID.String()).Msg("Failed to release batch claim")
	}
}
