package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apexpay/payrun/internal/domain/batch"
	domainErrors "github.com/apexpay/payrun/internal/domain/errors"
)

const batchColumns = `batch_id, employer_id, pay_run_id, status, total_payments, settled_payments,
	        failed_payments, attempts, provider_batch_ref, locked_by, locked_at, created_at, updated_at`

// BatchRepository implements batch.Repository using PostgreSQL.
type BatchRepository struct {
	pool *pgxpool.Pool
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(pool *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{pool: pool}
}

func (r *BatchRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Upsert creates the batch if it does not exist yet. Intake calls this
// once per payment, so an existing row is left untouched.
func (r *BatchRepository) Upsert(ctx context.Context, b *batch.PaymentBatch) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO payment_batches
		 (batch_id, employer_id, pay_run_id, status, total_payments, settled_payments, failed_payments, attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (batch_id) DO NOTHING`,
		b.BatchID, b.EmployerID, b.PayRunID, string(b.Status),
		b.TotalPayments, b.SettledPayments, b.FailedPayments, b.Attempts, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert payment batch: %w", err)
	}
	return nil
}

// GetByID retrieves a batch.
func (r *BatchRepository) GetByID(ctx context.Context, employerID, batchID uuid.UUID) (*batch.PaymentBatch, error) {
	b, err := scanBatch(r.db(ctx).QueryRow(ctx,
		`SELECT `+batchColumns+` FROM payment_batches WHERE employer_id = $1 AND batch_id = $2`,
		employerID, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrBatchNotFound
		}
		return nil, fmt.Errorf("get payment batch: %w", err)
	}
	return b, nil
}

// ClaimActiveBatches leases batches eligible for processing. Partially
// completed batches stay eligible so sweeper-reset payments get driven
// again.
func (r *BatchRepository) ClaimActiveBatches(ctx context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*batch.PaymentBatch, error) {
	return r.claim(ctx, []string{string(batch.StatusActive), string(batch.StatusPartiallyCompleted)}, limit, lockOwner, lockTTL, now)
}

// ClaimStuckBatches leases partially completed batches for the sweeper.
func (r *BatchRepository) ClaimStuckBatches(ctx context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*batch.PaymentBatch, error) {
	return r.claim(ctx, []string{string(batch.StatusPartiallyCompleted)}, limit, lockOwner, lockTTL, now)
}

func (r *BatchRepository) claim(ctx context.Context, statuses []string, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*batch.PaymentBatch, error) {
	if limit <= 0 {
		limit = 10
	}
	staleBefore := now.Add(-lockTTL)

	rows, err := r.db(ctx).Query(ctx,
		`SELECT batch_id FROM payment_batches
		 WHERE status = ANY($1)
		   AND (locked_at IS NULL OR locked_at < $2)
		 ORDER BY created_at ASC
		 LIMIT $3`,
		statuses, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select batch candidates: %w", err)
	}
	var candidates []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch candidates: %w", err)
	}

	var claimed []*batch.PaymentBatch
	for _, id := range candidates {
		row := r.db(ctx).QueryRow(ctx,
			`UPDATE payment_batches
			 SET locked_by = $1, locked_at = $2
			 WHERE batch_id = $3
			   AND status = ANY($4)
			   AND (locked_at IS NULL OR locked_at < $5)
			 RETURNING `+batchColumns,
			lockOwner, now, id, statuses, staleBefore,
		)
		b, err := scanBatch(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("claim payment batch: %w", err)
		}
		claimed = append(claimed, b)
	}
	return claimed, nil
}

// ReleaseClaim drops the lease early, conditional on still holding it.
func (r *BatchRepository) ReleaseClaim(ctx context.Context, batchID uuid.UUID, lockOwner string, lockedAt time.Time) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_batches SET locked_by = NULL, locked_at = NULL
		 WHERE batch_id = $1 AND locked_by = $2 AND locked_at = $3`,
		batchID, lockOwner, lockedAt,
	)
	if err != nil {
		return false, fmt.Errorf("release batch claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetProviderBatchRef records the provider reference, first writer wins.
func (r *BatchRepository) SetProviderBatchRef(ctx context.Context, employerID, batchID uuid.UUID, ref string) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_batches SET provider_batch_ref = $1
		 WHERE employer_id = $2 AND batch_id = $3 AND provider_batch_ref IS NULL`,
		ref, employerID, batchID,
	)
	if err != nil {
		return false, fmt.Errorf("set provider batch ref: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reconcile recomputes counters from the payment rows and derives the
// batch status. Run inside a transaction so the counter snapshot and the
// status write are consistent.
func (r *BatchRepository) Reconcile(ctx context.Context, employerID, batchID uuid.UUID, now time.Time) (batch.ReconcileResult, error) {
	var current string
	err := r.db(ctx).QueryRow(ctx,
		`SELECT status FROM payment_batches WHERE employer_id = $1 AND batch_id = $2 FOR UPDATE`,
		employerID, batchID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return batch.ReconcileResult{}, domainErrors.ErrBatchNotFound
		}
		return batch.ReconcileResult{}, fmt.Errorf("lock batch for reconcile: %w", err)
	}

	var total, settled, failed int
	err = r.db(ctx).QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'settled'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM paycheck_payments WHERE employer_id = $1 AND batch_id = $2`,
		employerID, batchID,
	).Scan(&total, &settled, &failed)
	if err != nil {
		return batch.ReconcileResult{}, fmt.Errorf("count batch payments: %w", err)
	}

	prev := batch.Status(current)
	derived := batch.DeriveStatus(prev, total, settled, failed, false)

	_, err = r.db(ctx).Exec(ctx,
		`UPDATE payment_batches
		 SET status = $1, total_payments = $2, settled_payments = $3, failed_payments = $4, updated_at = $5
		 WHERE employer_id = $6 AND batch_id = $7`,
		string(derived), total, settled, failed, now, employerID, batchID,
	)
	if err != nil {
		return batch.ReconcileResult{}, fmt.Errorf("update reconciled batch: %w", err)
	}

	return batch.ReconcileResult{
		Previous:        prev,
		Current:         derived,
		TotalPayments:   total,
		SettledPayments: settled,
		FailedPayments:  failed,
	}, nil
}

// IncrementAttempts bumps the sweep counter.
func (r *BatchRepository) IncrementAttempts(ctx context.Context, employerID, batchID uuid.UUID, now time.Time) (int, error) {
	var attempts int
	err := r.db(ctx).QueryRow(ctx,
		`UPDATE payment_batches SET attempts = attempts + 1, updated_at = $1
		 WHERE employer_id = $2 AND batch_id = $3
		 RETURNING attempts`,
		now, employerID, batchID,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainErrors.ErrBatchNotFound
		}
		return 0, fmt.Errorf("increment batch attempts: %w", err)
	}
	return attempts, nil
}

// MarkFailed abandons the batch; already-failed batches are left alone so
// the terminal transition stays single-shot.
func (r *BatchRepository) MarkFailed(ctx context.Context, employerID, batchID uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_batches SET status = 'failed', updated_at = $1
		 WHERE employer_id = $2 AND batch_id = $3 AND status <> 'failed'`,
		now, employerID, batchID,
	)
	if err != nil {
		return false, fmt.Errorf("mark batch failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanBatch(s scanner) (*batch.PaymentBatch, error) {
	b := &batch.PaymentBatch{}
	var status string
	err := s.Scan(
		&b.BatchID, &b.EmployerID, &b.PayRunID, &status, &b.TotalPayments, &b.SettledPayments,
		&b.FailedPayments, &b.Attempts, &b.ProviderBatchRef, &b.LockedBy, &b.LockedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = batch.Status(status)
	return b, nil
}
