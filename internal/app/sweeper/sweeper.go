// Package sweeper retries or abandons batches stuck partially completed.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexpay/payrun/internal/app/publisher"
	"github.com/apexpay/payrun/internal/domain/batch"
	"github.com/apexpay/payrun/internal/domain/paycheck"
	"github.com/apexpay/payrun/internal/observability"
	"github.com/apexpay/payrun/pkg/retry"
)

// TransactionManager runs a function inside a database transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config holds the sweep policy. The attempt boundaries are policy, not
// constants: a batch fails once its sweep counter exceeds
// MaxBatchAttempts, and a failed payment is retried only while its own
// counter is below MaxPaymentAttempts.
type Config struct {
	RetryBase          time.Duration
	RetryMax           time.Duration
	MaxBatchAttempts   int
	MaxPaymentAttempts int
	MaxBatchesPerSweep int
	LockOwner          string
	LockTTL            time.Duration
}

// Sweeper periodically visits partially completed batches. Retryable
// failed payments go back to created with a backoff gate, keeping their
// accumulated attempts; exhausted batches are abandoned with exactly one
// terminal lifecycle event.
type Sweeper struct {
	batchRepo batch.Repository
	payRepo   paycheck.Repository
	publisher *publisher.Publisher
	txManager TransactionManager
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func New(
	batchRepo batch.Repository,
	payRepo paycheck.Repository,
	pub *publisher.Publisher,
	txManager TransactionManager,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Sweeper {
	if cfg.MaxBatchesPerSweep <= 0 {
		cfg.MaxBatchesPerSweep = 10
	}
	return &Sweeper{
		batchRepo: batchRepo,
		payRepo:   payRepo,
		publisher: pub,
		txManager: txManager,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// SweepOnce runs one sweep pass.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) error {
	batches, err := s.batchRepo.ClaimStuckBatches(ctx, s.cfg.MaxBatchesPerSweep, s.cfg.LockOwner, s.cfg.LockTTL, now)
	if err != nil {
		return fmt.Errorf("claim stuck batches: %w", err)
	}

	for _, b := range batches {
		s.metrics.BatchesSwept.Inc()
		if err := s.sweepBatch(ctx, b, now); err != nil {
			s.logger.Error().Err(err).Str("batch_id", b.BatchID.String()).Msg("Sweep failed")
		}
		s.release(ctx, b)
	}
	return nil
}

func (s *Sweeper) sweepBatch(ctx context.Context, b *batch.PaymentBatch, now time.Time) error {
	attempts, err := s.batchRepo.IncrementAttempts(ctx, b.EmployerID, b.BatchID, now)
	if err != nil {
		return err
	}

	if attempts > s.cfg.MaxBatchAttempts {
		return s.failBatch(ctx, b, now)
	}

	failed, err := s.payRepo.ListFailedByBatch(ctx, b.EmployerID, b.BatchID)
	if err != nil {
		return err
	}

	retryCfg := retry.Config{InitialDelay: s.cfg.RetryBase, MaxDelay: s.cfg.RetryMax}
	for _, p := range failed {
		if p.Attempts >= s.cfg.MaxPaymentAttempts {
			continue
		}
		nextAttemptAt := now.Add(retry.Backoff(retryCfg, p.Attempts))
		reset, err := s.payRepo.ResetForRetry(ctx, p.EmployerID, p.PaymentID, nextAttemptAt, now)
		if err != nil {
			s.logger.Error().Err(err).Str("payment_id", p.PaymentID.String()).Msg("Failed to reset payment")
			continue
		}
		if reset {
			s.metrics.PaymentsReset.Inc()
			s.logger.Debug().
				Str("payment_id", p.PaymentID.String()).
				Int("attempts", p.Attempts).
				Time("next_attempt_at", nextAttemptAt).
				Msg("Payment reset for retry")
		}
	}
	return nil
}

// failBatch abandons the batch. The batch status write and the terminal
// event commit in one transaction, and the deterministic terminal event
// ID keeps the event single-shot even across repeated sweeps.
func (s *Sweeper) failBatch(ctx context.Context, b *batch.PaymentBatch, now time.Time) error {
	return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		rec, err := s.batchRepo.Reconcile(txCtx, b.EmployerID, b.BatchID, now)
		if err != nil {
			return err
		}

		// Reconciliation may find every payment settled since the last
		// tick; a completed batch is not abandoned.
		if rec.Current == batch.StatusCompleted {
			if rec.NewlyTerminal() {
				s.metrics.BatchesTerminal.WithLabelValues(string(rec.Current)).Inc()
				if _, err := s.publisher.BatchStatusChanged(txCtx, b, rec, now); err != nil {
					return err
				}
				if _, err := s.publisher.BatchTerminal(txCtx, b, rec, now); err != nil {
					return err
				}
			}
			return nil
		}

		marked, err := s.batchRepo.MarkFailed(txCtx, b.EmployerID, b.BatchID, now)
		if err != nil {
			return err
		}
		if !marked {
			// Already failed by an earlier sweep.
			return nil
		}

		rec.Previous = rec.Current
		rec.Current = batch.StatusFailed

		s.metrics.BatchesFailed.Inc()
		s.metrics.BatchesTerminal.WithLabelValues(string(batch.StatusFailed)).Inc()
		if _, err := s.publisher.BatchStatusChanged(txCtx, b, rec, now); err != nil {
			return err
		}
		if _, err := s.publisher.BatchTerminal(txCtx, b, rec, now); err != nil {
			return err
		}

		s.logger.Warn().
			Str("batch_id", b.BatchID.String()).
			Int("settled", rec.SettledPayments).
			Int("failed", rec.FailedPayments).
			Msg("Batch abandoned after exhausting sweep attempts")
		return nil
	})
}

func (s *Sweeper) release(ctx context.Context, b *batch.PaymentBatch) {
	if b.LockedAt == nil {
		return
	}
	if _, err := s.batchRepo.ReleaseClaim(ctx, b.BatchID, s.cfg.LockOwner, *b.LockedAt); err != nil {
		s.logger.Error().Err(err).Str("batch_id", b.BatchID.String()).Msg("Failed to release batch claim")
	}
}
