// Package testutil provides in-memory store implementations and fixture
// builders for tests. The stores mirror the lease and idempotency
// semantics of the PostgreSQL repositories so orchestration tests run
// against the same contract without a database.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexpay/payrun/internal/domain/batch"
	domainErrors "github.com/apexpay/payrun/internal/domain/errors"
	"github.com/apexpay/payrun/internal/domain/outbox"
	"github.com/apexpay/payrun/internal/domain/paycheck"
)

// NoopTxManager satisfies the transaction manager interfaces of the app
// layer. The in-memory stores are not transactional, so it just runs fn.
type NoopTxManager struct{}

func (NoopTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// MemOutboxStore is an in-memory outbox.Store.
type MemOutboxStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*outbox.Event
	byEvID map[string]uuid.UUID
}

func NewMemOutboxStore() *MemOutboxStore {
	return &MemOutboxStore{
		events: make(map[uuid.UUID]*outbox.Event),
		byEvID: make(map[string]uuid.UUID),
	}
}

func (s *MemOutboxStore) Enqueue(_ context.Context, params outbox.EnqueueParams, now time.Time) (outbox.EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.EventID != nil {
		if existing, ok := s.byEvID[*params.EventID]; ok {
			return outbox.EnqueueResult{OutboxID: existing, AlreadyExists: true}, nil
		}
	}

	e := outbox.NewEvent(params.Topic, params.EventKey, params.EventType, params.EventID, params.AggregateID, params.PayloadJSON, now)
	s.events[e.OutboxID] = e
	if e.EventID != nil {
		s.byEvID[*e.EventID] = e.OutboxID
	}
	return outbox.EnqueueResult{OutboxID: e.OutboxID}, nil
}

func (s *MemOutboxStore) ClaimBatch(_ context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	staleBefore := now.Add(-lockTTL)

	var due []*outbox.Event
	for _, e := range s.events {
		if e.Status != outbox.StatusPending && e.Status != outbox.StatusSending {
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			continue
		}
		if e.LockedAt != nil && !e.LockedAt.Before(staleBefore) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*outbox.Event, 0, len(due))
	for _, e := range due {
		e.Status = outbox.StatusSending
		e.LockedBy = strPtr(lockOwner)
		e.LockedAt = timePtr(now)
		claimed = append(claimed, copyEvent(e))
	}
	return claimed, nil
}

func (s *MemOutboxStore) MarkSent(_ context.Context, outboxID uuid.UUID, lockOwner string, lockedAt time.Time, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[outboxID]
	if !ok || !holdsLease(e.Status == outbox.StatusSending, e.LockedBy, e.LockedAt, lockOwner, lockedAt) {
		return false, nil
	}
	e.Status = outbox.StatusSent
	e.PublishedAt = timePtr(now)
	e.LastError = nil
	e.LockedBy = nil
	e.LockedAt = nil
	return true, nil
}

func (s *MemOutboxStore) MarkFailed(_ context.Context, outboxID uuid.UUID, lockOwner string, lockedAt time.Time, errMsg string, nextAttemptAt time.Time, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[outboxID]
	if !ok || !holdsLease(e.Status == outbox.StatusSending, e.LockedBy, e.LockedAt, lockOwner, lockedAt) {
		return false, nil
	}
	e.Status = outbox.StatusPending
	e.Attempts++
	e.NextAttemptAt = timePtr(nextAttemptAt)
	e.LastError = strPtr(outbox.TruncateError(errMsg))
	e.LockedBy = nil
	e.LockedAt = nil
	return true, nil
}

// Get returns a copy of the stored event, for assertions.
func (s *MemOutboxStore) Get(outboxID uuid.UUID) (*outbox.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[outboxID]
	if !ok {
		return nil, false
	}
	return copyEvent(e), true
}

// All returns copies of every stored event, oldest first.
func (s *MemOutboxStore) All() []*outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*outbox.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, copyEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ByEventType returns copies of the stored events with the given type.
func (s *MemOutboxStore) ByEventType(eventType string) []*outbox.Event {
	var out []*outbox.Event
	for _, e := range s.All() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// MemBatchRepository is an in-memory batch.Repository. Reconcile counts
// against a paired MemPaycheckRepository.
type MemBatchRepository struct {
	mu       sync.Mutex
	batches  map[uuid.UUID]*batch.PaymentBatch
	payments *MemPaycheckRepository
}

func NewMemBatchRepository(payments *MemPaycheckRepository) *MemBatchRepository {
	return &MemBatchRepository{
		batches:  make(map[uuid.UUID]*batch.PaymentBatch),
		payments: payments,
	}
}

func (r *MemBatchRepository) Upsert(_ context.Context, b *batch.PaymentBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[b.BatchID]; ok {
		return nil
	}
	r.batches[b.BatchID] = copyBatch(b)
	return nil
}

func (r *MemBatchRepository) GetByID(_ context.Context, employerID, batchID uuid.UUID) (*batch.PaymentBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok || b.EmployerID != employerID {
		return nil, domainErrors.ErrBatchNotFound
	}
	return copyBatch(b), nil
}

func (r *MemBatchRepository) ClaimActiveBatches(ctx context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*batch.PaymentBatch, error) {
	return r.claim(limit, lockOwner, lockTTL, now, batch.StatusActive, batch.StatusPartiallyCompleted)
}

func (r *MemBatchRepository) ClaimStuckBatches(ctx context.Context, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*batch.PaymentBatch, error) {
	return r.claim(limit, lockOwner, lockTTL, now, batch.StatusPartiallyCompleted)
}

func (r *MemBatchRepository) claim(limit int, lockOwner string, lockTTL time.Duration, now time.Time, statuses ...batch.Status) ([]*batch.PaymentBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	staleBefore := now.Add(-lockTTL)
	eligible := func(s batch.Status) bool {
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	var due []*batch.PaymentBatch
	for _, b := range r.batches {
		if !eligible(b.Status) {
			continue
		}
		if b.LockedAt != nil && !b.LockedAt.Before(staleBefore) {
			continue
		}
		due = append(due, b)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*batch.PaymentBatch, 0, len(due))
	for _, b := range due {
		b.LockedBy = strPtr(lockOwner)
		b.LockedAt = timePtr(now)
		claimed = append(claimed, copyBatch(b))
	}
	return claimed, nil
}

func (r *MemBatchRepository) ReleaseClaim(_ context.Context, batchID uuid.UUID, lockOwner string, lockedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok || !holdsLease(true, b.LockedBy, b.LockedAt, lockOwner, lockedAt) {
		return false, nil
	}
	b.LockedBy = nil
	b.LockedAt = nil
	return true, nil
}

func (r *MemBatchRepository) SetProviderBatchRef(_ context.Context, employerID, batchID uuid.UUID, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok || b.EmployerID != employerID || b.ProviderBatchRef != nil {
		return false, nil
	}
	b.ProviderBatchRef = strPtr(ref)
	return true, nil
}

func (r *MemBatchRepository) Reconcile(ctx context.Context, employerID, batchID uuid.UUID, now time.Time) (batch.ReconcileResult, error) {
	counts, err := r.payments.CountByBatch(ctx, employerID, batchID)
	if err != nil {
		return batch.ReconcileResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok || b.EmployerID != employerID {
		return batch.ReconcileResult{}, domainErrors.ErrBatchNotFound
	}

	prev := b.Status
	derived := batch.DeriveStatus(prev, counts.Total, counts.Settled, counts.Failed, false)
	b.Status = derived
	b.TotalPayments = counts.Total
	b.SettledPayments = counts.Settled
	b.FailedPayments = counts.Failed
	b.UpdatedAt = now

	return batch.ReconcileResult{
		Previous:        prev,
		Current:         derived,
		TotalPayments:   counts.Total,
		SettledPayments: counts.Settled,
		FailedPayments:  counts.Failed,
	}, nil
}

func (r *MemBatchRepository) IncrementAttempts(_ context.Context, employerID, batchID uuid.UUID, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok || b.EmployerID != employerID {
		return 0, domainErrors.ErrBatchNotFound
	}
	b.Attempts++
	b.UpdatedAt = now
	return b.Attempts, nil
}

func (r *MemBatchRepository) MarkFailed(_ context.Context, employerID, batchID uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok || b.EmployerID != employerID || b.Status == batch.StatusFailed {
		return false, nil
	}
	b.Status = batch.StatusFailed
	b.UpdatedAt = now
	return true, nil
}

// MemPaycheckRepository is an in-memory paycheck.Repository.
type MemPaycheckRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*paycheck.Payment
}

func NewMemPaycheckRepository() *MemPaycheckRepository {
	return &MemPaycheckRepository{payments: make(map[uuid.UUID]*paycheck.Payment)}
}

func (r *MemPaycheckRepository) Insert(_ context.Context, p *paycheck.Payment) (paycheck.InsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.PaymentID]; ok {
		return paycheck.InsertResult{PaymentID: p.PaymentID, AlreadyExists: true}, nil
	}
	r.payments[p.PaymentID] = copyPayment(p)
	return paycheck.InsertResult{PaymentID: p.PaymentID}, nil
}

func (r *MemPaycheckRepository) GetByID(_ context.Context, employerID, paymentID uuid.UUID) (*paycheck.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok || p.EmployerID != employerID {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (r *MemPaycheckRepository) ClaimCreatedByBatch(_ context.Context, employerID, batchID uuid.UUID, limit int, lockOwner string, lockTTL time.Duration, now time.Time) ([]*paycheck.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	staleBefore := now.Add(-lockTTL)

	var due []*paycheck.Payment
	for _, p := range r.payments {
		if p.EmployerID != employerID || p.BatchID != batchID || p.Status != paycheck.StatusCreated {
			continue
		}
		if p.NextAttemptAt != nil && p.NextAttemptAt.After(now) {
			continue
		}
		if p.LockedAt != nil && !p.LockedAt.Before(staleBefore) {
			continue
		}
		due = append(due, p)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*paycheck.Payment, 0, len(due))
	for _, p := range due {
		p.Status = paycheck.StatusSubmitted
		p.Attempts++
		p.LockedBy = strPtr(lockOwner)
		p.LockedAt = timePtr(now)
		p.UpdatedAt = now
		claimed = append(claimed, copyPayment(p))
	}
	return claimed, nil
}

func (r *MemPaycheckRepository) MarkSettled(_ context.Context, employerID, paymentID uuid.UUID, providerRef *string, now time.Time) error {
	return r.markTerminal(employerID, paymentID, paycheck.StatusSettled, providerRef, nil, now)
}

func (r *MemPaycheckRepository) MarkFailed(_ context.Context, employerID, paymentID uuid.UUID, providerRef *string, errMsg string, now time.Time) error {
	return r.markTerminal(employerID, paymentID, paycheck.StatusFailed, providerRef, &errMsg, now)
}

func (r *MemPaycheckRepository) markTerminal(employerID, paymentID uuid.UUID, target paycheck.Status, providerRef, errMsg *string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[paymentID]
	if !ok || p.EmployerID != employerID {
		return domainErrors.ErrPaymentNotFound
	}
	if p.Status != paycheck.StatusSubmitted {
		if p.Status == target {
			return nil
		}
		return fmt.Errorf("payment %s is %s: %w", paymentID, p.Status, domainErrors.ErrInvalidStateTransition)
	}

	p.Status = target
	if p.ProviderPaymentRef == nil {
		p.ProviderPaymentRef = providerRef
	}
	p.Error = errMsg
	p.LockedBy = nil
	p.LockedAt = nil
	p.UpdatedAt = now
	return nil
}

func (r *MemPaycheckRepository) ResetForRetry(_ context.Context, employerID, paymentID uuid.UUID, nextAttemptAt time.Time, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[paymentID]
	if !ok || p.EmployerID != employerID || p.Status != paycheck.StatusFailed {
		return false, nil
	}
	p.Status = paycheck.StatusCreated
	p.Error = nil
	p.NextAttemptAt = timePtr(nextAttemptAt)
	p.LockedBy = nil
	p.LockedAt = nil
	p.UpdatedAt = now
	return true, nil
}

func (r *MemPaycheckRepository) ListFailedByBatch(_ context.Context, employerID, batchID uuid.UUID) ([]*paycheck.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*paycheck.Payment
	for _, p := range r.payments {
		if p.EmployerID == employerID && p.BatchID == batchID && p.Status == paycheck.StatusFailed {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemPaycheckRepository) CountByBatch(_ context.Context, employerID, batchID uuid.UUID) (paycheck.Counts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var c paycheck.Counts
	for _, p := range r.payments {
		if p.EmployerID != employerID || p.BatchID != batchID {
			continue
		}
		c.Total++
		switch p.Status {
		case paycheck.StatusSettled:
			c.Settled++
		case paycheck.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// holdsLease mirrors the conditional UPDATE predicate the SQL
// repositories use for the terminal marks.
func holdsLease(statusOK bool, lockedBy *string, lockedAt *time.Time, owner string, at time.Time) bool {
	return statusOK && lockedBy != nil && *lockedBy == owner && lockedAt != nil && lockedAt.Equal(at)
}

func copyEvent(e *outbox.Event) *outbox.Event {
	c := *e
	return &c
}

func copyBatch(b *batch.PaymentBatch) *batch.PaymentBatch {
	c := *b
	return &c
}

func copyPayment(p *paycheck.Payment) *paycheck.Payment {
	c := *p
	return &c
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
