package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainErrors "github.com/apexpay/payrun/internal/domain/errors"
	"github.com/apexpay/payrun/internal/domain/paycheck"
)

const paymentColumns = `payment_id, employer_id, paycheck_id, pay_run_id, employee_id, pay_period_id, batch_id,
	        currency, net_cents, status, attempts, provider_payment_ref, error, next_attempt_at,
	        locked_by, locked_at, created_at, updated_at`

// PaycheckRepository implements paycheck.Repository using PostgreSQL.
type PaycheckRepository struct {
	pool *pgxpool.Pool
}

// NewPaycheckRepository creates a new PaycheckRepository.
func NewPaycheckRepository(pool *pgxpool.Pool) *PaycheckRepository {
	return &PaycheckRepository{pool: pool}
}

func (r *PaycheckRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Insert persists a created payment, idempotent on payment_id: a repeated
// intake of the same requested event leaves exactly one row. The duplicate
// is absorbed with ON CONFLICT DO NOTHING rather than by catching the
// unique violation: intake runs inside an open transaction, and a raised
// 23505 would abort it.
func (r *PaycheckRepository) Insert(ctx context.Context, p *paycheck.Payment) (paycheck.InsertResult, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO paycheck_payments
		 (payment_id, employer_id, paycheck_id, pay_run_id, employee_id, pay_period_id, batch_id,
		  currency, net_cents, status, attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (payment_id) DO NOTHING`,
		p.PaymentID, p.EmployerID, p.PaycheckID, p.PayRunID, p.EmployeeID, p.PayPeriodID, p.BatchID,
		p.Currency, p.NetCents, string(p.Status), p.Attempts, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return paycheck.InsertResult{}, fmt.Errorf("insert paycheck payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return paycheck.InsertResult{PaymentID: p.PaymentID, AlreadyExists: true}, nil
	}
	return paycheck.InsertResult{PaymentID: p.PaymentID}, nil
}

// GetByID retrieves a payment.
func (r *PaycheckRepository) GetByID(ctx context.Context, employerID, paymentID uuid.UUID) (*paycheck.Payment, error) {
	p, err := scanPaycheckPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM paycheck_payments WHERE employer_id = $1 AND payment_id = $2`,
		employerID, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get paycheck payment: %w", err)
	}
	return p, nil
}

// ClaimCreatedByBatch leases due created payments of the batch and moves
// them to submitted. The conditional per-row update makes the
// created-to-submitted transition happen exactly once per claim even
// with two processors racing on the same select.
func (r *PaycheckRepository) ClaimCreatedByBatch(ctx context.Context, employerID, batchID uuid.UUID, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*paycheck.Payment, error) {
	if limit <= 0 {
		return nil, nil
	}
	staleBefore := now.Add(-lockTTL)

	rows, err := r.db(ctx).Query(ctx,
		`SELECT payment_id FROM paycheck_payments
		 WHERE employer_id = $1 AND batch_id = $2 AND status = 'created'
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
		   AND (locked_at IS NULL OR locked_at < $4)
		 ORDER BY created_at ASC
		 LIMIT $5`,
		employerID, batchID, now, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment candidates: %w", err)
	}
	var candidates []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan payment id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment candidates: %w", err)
	}

	var claimed []*paycheck.Payment
	for _, id := range candidates {
		row := r.db(ctx).QueryRow(ctx,
			`UPDATE paycheck_payments
			 SET status = 'submitted', attempts = attempts + 1, locked_by = $1, locked_at = $2, updated_at = $2
			 WHERE employer_id = $3 AND payment_id = $4 AND status = 'created'
			   AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			   AND (locked_at IS NULL OR locked_at < $5)
			 RETURNING `+paymentColumns,
			lockOwner, now, employerID, id, staleBefore,
		)
		p, err := scanPaycheckPayment(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("claim paycheck payment: %w", err)
		}
		claimed = append(claimed, p)
	}
	return claimed, nil
}

// MarkSettled applies the settled terminal state. Re-applying it to an
// already settled payment is a no-op; the provider ref is kept first
// writer wins.
func (r *PaycheckRepository) MarkSettled(ctx context.Context, employerID, paymentID uuid.UUID, providerRef *string, now time.Time) error {
	return r.markTerminal(ctx, employerID, paymentID, paycheck.StatusSettled, providerRef, nil, now)
}

// MarkFailed applies the failed terminal state with the provider error.
func (r *PaycheckRepository) MarkFailed(ctx context.Context, employerID, paymentID uuid.UUID, providerRef *string, errMsg string, now time.Time) error {
	return r.markTerminal(ctx, employerID, paymentID, paycheck.StatusFailed, providerRef, &errMsg, now)
}

func (r *PaycheckRepository) markTerminal(ctx context.Context, employerID, paymentID uuid.UUID, target paycheck.Status, providerRef *string, errMsg *string, now time.Time) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE paycheck_payments
		 SET status = $1, provider_payment_ref = COALESCE(provider_payment_ref, $2), error = $3,
		     locked_by = NULL, locked_at = NULL, updated_at = $4
		 WHERE employer_id = $5 AND payment_id = $6 AND status = 'submitted'`,
		string(target), providerRef, errMsg, now, employerID, paymentID,
	)
	if err != nil {
		return fmt.Errorf("mark payment %s: %w", target, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Not submitted anymore: re-applying the same terminal status is a
	// no-op, anything else is a real transition violation.
	p, err := r.GetByID(ctx, employerID, paymentID)
	if err != nil {
		return err
	}
	if p.Status == target {
		return nil
	}
	return fmt.Errorf("payment %s is %s: %w", paymentID, p.Status, domainErrors.ErrInvalidStateTransition)
}

// ResetForRetry returns a failed payment to created for a later tick,
// keeping the accumulated attempts counter.
func (r *PaycheckRepository) ResetForRetry(ctx context.Context, employerID, paymentID uuid.UUID, nextAttemptAt time.Time, now time.Time) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE paycheck_payments
		 SET status = 'created', error = NULL, next_attempt_at = $1, locked_by = NULL, locked_at = NULL, updated_at = $2
		 WHERE employer_id = $3 AND payment_id = $4 AND status = 'failed'`,
		nextAttemptAt, now, employerID, paymentID,
	)
	if err != nil {
		return false, fmt.Errorf("reset payment for retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListFailedByBatch returns the failed payments of a batch.
func (r *PaycheckRepository) ListFailedByBatch(ctx context.Context, employerID, batchID uuid.UUID) ([]*paycheck.Payment, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+paymentColumns+` FROM paycheck_payments
		 WHERE employer_id = $1 AND batch_id = $2 AND status = 'failed'
		 ORDER BY created_at ASC`,
		employerID, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed payments: %w", err)
	}
	defer rows.Close()

	var payments []*paycheck.Payment
	for rows.Next() {
		p, err := scanPaycheckPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// CountByBatch recomputes the terminal counters for reconciliation.
func (r *PaycheckRepository) CountByBatch(ctx context.Context, employerID, batchID uuid.UUID) (paycheck.Counts, error) {
	var c paycheck.Counts
	err := r.db(ctx).QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'settled'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM paycheck_payments WHERE employer_id = $1 AND batch_id = $2`,
		employerID, batchID,
	).Scan(&c.Total, &c.Settled, &c.Failed)
	if err != nil {
		return paycheck.Counts{}, fmt.Errorf("count batch payments: %w", err)
	}
	return c, nil
}

func scanPaycheckPayment(s scanner) (*paycheck.Payment, error) {
	p := &paycheck.Payment{}
	var status string
	err := s.Scan(
		&p.PaymentID, &p.EmployerID, &p.PaycheckID, &p.PayRunID, &p.EmployeeID, &p.PayPeriodID, &p.BatchID,
		&p.Currency, &p.NetCents, &status, &p.Attempts, &p.ProviderPaymentRef, &p.Error, &p.NextAttemptAt,
		&p.LockedBy, &p.LockedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = paycheck.Status(status)
	return p, nil
}
