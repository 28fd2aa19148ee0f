package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apexpay/payrun/internal/domain/outbox"
)

const outboxColumns = `outbox_id, event_id, topic, event_key, event_type, aggregate_id, payload_json,
	        status, attempts, next_attempt_at, last_error, locked_by, locked_at, created_at, published_at`

// OutboxRepository implements outbox.Store using PostgreSQL.
//
// Coordination is entirely via the locked_by/locked_at row lease:
// claiming issues a conditional UPDATE per row, and only rows whose
// update affected exactly one row are returned. A lease that has not
// expired cannot be reclaimed, even by the same process.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Enqueue inserts a pending event. A duplicate event_id is not an error:
// the conflict is absorbed in the statement itself and the existing row's
// ID is read back, so concurrent producers racing on the same event_id
// both get the same outbox_id. Enqueue runs inside the callers' open
// transactions, so the duplicate must not raise a unique violation, which
// would abort them.
func (r *OutboxRepository) Enqueue(ctx context.Context, params outbox.EnqueueParams, now time.Time) (outbox.EnqueueResult, error) {
	e := outbox.NewEvent(params.Topic, params.EventKey, params.EventType, params.EventID, params.AggregateID, params.PayloadJSON, now)

	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO outbox_events
		 (outbox_id, event_id, topic, event_key, event_type, aggregate_id, payload_json, status, attempts, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.OutboxID, e.EventID, e.Topic, e.EventKey, e.EventType, e.AggregateID, e.PayloadJSON,
		string(e.Status), e.Attempts, e.CreatedAt,
	)
	if err != nil {
		return outbox.EnqueueResult{}, fmt.Errorf("insert outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// NULL event_ids never collide, so a skipped insert implies a
		// deterministic event_id that is already enqueued.
		if params.EventID == nil {
			return outbox.EnqueueResult{}, fmt.Errorf("insert outbox event %s: conflict without event_id", e.OutboxID)
		}
		var existing uuid.UUID
		if readErr := r.db(ctx).QueryRow(ctx,
			`SELECT outbox_id FROM outbox_events WHERE event_id = $1`, *params.EventID,
		).Scan(&existing); readErr != nil {
			return outbox.EnqueueResult{}, fmt.Errorf("read back outbox event: %w", readErr)
		}
		return outbox.EnqueueResult{OutboxID: existing, AlreadyExists: true}, nil
	}
	return outbox.EnqueueResult{OutboxID: e.OutboxID}, nil
}

// ClaimBatch selects due candidates oldest-first, then races a
// conditional UPDATE per row. Rows in sending state count as due once
// their lease is older than lockTTL, which is how work abandoned by a
// crashed relay instance gets picked up again.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	staleBefore := now.Add(-lockTTL)

	rows, err := r.db(ctx).Query(ctx,
		`SELECT outbox_id FROM outbox_events
		 WHERE status IN ('pending', 'sending')
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   AND (locked_at IS NULL OR locked_at < $2)
		 ORDER BY created_at ASC
		 LIMIT $3`,
		now, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	var candidates []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	var claimed []*outbox.Event
	for _, id := range candidates {
		row := r.db(ctx).QueryRow(ctx,
			`UPDATE outbox_events
			 SET status = 'sending', locked_by = $1, locked_at = $2
			 WHERE outbox_id = $3
			   AND status IN ('pending', 'sending')
			   AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			   AND (locked_at IS NULL OR locked_at < $4)
			 RETURNING `+outboxColumns,
			lockOwner, now, id, staleBefore,
		)
		e, err := scanOutboxEvent(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Another claimer won the race on this row.
				continue
			}
			return nil, fmt.Errorf("claim outbox event: %w", err)
		}
		claimed = append(claimed, e)
	}
	return claimed, nil
}

// MarkSent finalizes delivery under the lease token. Zero rows affected
// means the lease was lost; the caller must not assume delivery was
// recorded.
func (r *OutboxRepository) MarkSent(ctx context.Context, outboxID uuid.UUID, lockOwner string, lockedAt time.Time, now time.Time) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'sent', published_at = $1, last_error = NULL, locked_by = NULL, locked_at = NULL
		 WHERE outbox_id = $2 AND status = 'sending' AND locked_by = $3 AND locked_at = $4`,
		now, outboxID, lockOwner, lockedAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark outbox sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed returns the row to pending with attempts+1 under the lease
// token, gated by the caller-computed nextAttemptAt.
func (r *OutboxRepository) MarkFailed(ctx context.Context, outboxID uuid.UUID, lockOwner string, lockedAt time.Time, errMsg string, nextAttemptAt time.Time, now time.Time) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'pending', attempts = attempts + 1, next_attempt_at = $1, last_error = $2,
		     locked_by = NULL, locked_at = NULL
		 WHERE outbox_id = $3 AND status = 'sending' AND locked_by = $4 AND locked_at = $5`,
		nextAttemptAt, outbox.TruncateError(errMsg), outboxID, lockOwner, lockedAt,
	)
	if err != nil {
		return false, fmt.Errorf("mark outbox failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanOutboxEvent(s scanner) (*outbox.Event, error) {
	e := &outbox.Event{}
	var status string
	err := s.Scan(
		&e.OutboxID, &e.EventID, &e.Topic, &e.EventKey, &e.EventType, &e.AggregateID, &e.PayloadJSON,
		&status, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.LockedBy, &e.LockedAt, &e.CreatedAt, &e.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = outbox.Status(status)
	return e, nil
}
