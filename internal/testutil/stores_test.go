package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexpay/payrun/internal/domain/batch"
	"github.com/apexpay/payrun/internal/domain/outbox"
	"github.com/apexpay/payrun/internal/domain/paycheck"
)

// These tests pin the lease and idempotency contract the in-memory
// stores share with the PostgreSQL repositories. Orchestration tests
// lean on these semantics, so they are verified here once.

func enqueue(t *testing.T, s *MemOutboxStore, eventID string, now time.Time) outbox.EnqueueResult {
	t.Helper()
	res, err := s.Enqueue(context.Background(), outbox.EnqueueParams{
		Topic:       outbox.TopicBatchTerminal,
		EventKey:    "employer",
		EventType:   outbox.EventTypeBatchTerminal,
		EventID:     &eventID,
		PayloadJSON: []byte(`{}`),
	}, now)
	require.NoError(t, err)
	return res
}

func TestOutboxEnqueueIsIdempotentOnEventID(t *testing.T) {
	s := NewMemOutboxStore()
	now := time.Now().UTC()

	first := enqueue(t, s, "dup-key", now)
	assert.False(t, first.AlreadyExists)

	second := enqueue(t, s, "dup-key", now.Add(time.Second))
	assert.True(t, second.AlreadyExists)
	assert.Equal(t, first.OutboxID, second.OutboxID)

	assert.Len(t, s.All(), 1)
}

func TestOutboxEnqueueWithoutEventIDNeverDedupes(t *testing.T) {
	s := NewMemOutboxStore()
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		res, err := s.Enqueue(context.Background(), outbox.EnqueueParams{
			Topic:       outbox.TopicPaymentStatusChanged,
			EventKey:    "employer",
			EventType:   outbox.EventTypePaymentStatusChanged,
			PayloadJSON: []byte(`{}`),
		}, now)
		require.NoError(t, err)
		assert.False(t, res.AlreadyExists)
	}
	assert.Len(t, s.All(), 2)
}

func TestOutboxClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	s := NewMemOutboxStore()
	ctx := context.Background()
	t0 := time.Now().UTC()
	ttl := 30 * time.Second

	enqueue(t, s, "ev-1", t0)

	claimed, err := s.ClaimBatch(ctx, 10, "worker-a", ttl, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, outbox.StatusSending, claimed[0].Status)

	// Within the TTL nobody else can take the row.
	again, err := s.ClaimBatch(ctx, 10, "worker-b", ttl, t0.Add(ttl-time.Second))
	require.NoError(t, err)
	assert.Empty(t, again)

	// Once the lease is stale the row is claimable again.
	reclaimed, err := s.ClaimBatch(ctx, 10, "worker-b", ttl, t0.Add(ttl+time.Second))
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].OutboxID, reclaimed[0].OutboxID)
}

func TestOutboxMarkSentRequiresLiveLease(t *testing.T) {
	s := NewMemOutboxStore()
	ctx := context.Background()
	t0 := time.Now().UTC()
	ttl := 30 * time.Second

	enqueue(t, s, "ev-1", t0)
	claimed, err := s.ClaimBatch(ctx, 10, "worker-a", ttl, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	ev := claimed[0]

	ok, err := s.MarkSent(ctx, ev.OutboxID, "worker-a", *ev.LockedAt, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// Second mark with the same stale token fails closed.
	ok, err = s.MarkSent(ctx, ev.OutboxID, "worker-a", *ev.LockedAt, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	stored, found := s.Get(ev.OutboxID)
	require.True(t, found)
	assert.Equal(t, outbox.StatusSent, stored.Status)
	require.NotNil(t, stored.PublishedAt)
	assert.Nil(t, stored.LockedBy)
}

func TestOutboxMarkSentAfterTakeoverFails(t *testing.T) {
	s := NewMemOutboxStore()
	ctx := context.Background()
	t0 := time.Now().UTC()
	ttl := 30 * time.Second

	enqueue(t, s, "ev-1", t0)
	first, err := s.ClaimBatch(ctx, 10, "worker-a", ttl, t0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// worker-b takes over after expiry; worker-a's token is now dead.
	second, err := s.ClaimBatch(ctx, 10, "worker-b", ttl, t0.Add(ttl+time.Second))
	require.NoError(t, err)
	require.Len(t, second, 1)

	ok, err := s.MarkSent(ctx, first[0].OutboxID, "worker-a", *first[0].LockedAt, t0.Add(ttl+2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.MarkSent(ctx, second[0].OutboxID, "worker-b", *second[0].LockedAt, t0.Add(ttl+2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOutboxMarkFailedGatesRetryOnNextAttemptAt(t *testing.T) {
	s := NewMemOutboxStore()
	ctx := context.Background()
	t0 := time.Now().UTC()
	ttl := 30 * time.Second

	enqueue(t, s, "ev-1", t0)
	claimed, err := s.ClaimBatch(ctx, 10, "worker-a", ttl, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	ev := claimed[0]

	gate := t0.Add(time.Minute)
	ok, err := s.MarkFailed(ctx, ev.OutboxID, "worker-a", *ev.LockedAt, "broker down", gate, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, _ := s.Get(ev.OutboxID)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "broker down", *stored.LastError)

	// Not due before the gate.
	due, err := s.ClaimBatch(ctx, 10, "worker-a", ttl, gate.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ClaimBatch(ctx, 10, "worker-a", ttl, gate)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestPaycheckClaimTransitionsAndCountsAttempts(t *testing.T) {
	payRepo := NewMemPaycheckRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	p := NewPaymentFixture(employerID, batchID).Build(now)
	_, err := payRepo.Insert(ctx, p)
	require.NoError(t, err)

	claimed, err := payRepo.ClaimCreatedByBatch(ctx, employerID, batchID, 10, "proc", time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, paycheck.StatusSubmitted, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	// Submitted payments are not claimable.
	again, err := payRepo.ClaimCreatedByBatch(ctx, employerID, batchID, 10, "proc", time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPaycheckTerminalMarksAreIdempotent(t *testing.T) {
	payRepo := NewMemPaycheckRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	p := NewPaymentFixture(employerID, batchID).Build(now)
	_, err := payRepo.Insert(ctx, p)
	require.NoError(t, err)
	_, err = payRepo.ClaimCreatedByBatch(ctx, employerID, batchID, 10, "proc", time.Minute, now)
	require.NoError(t, err)

	ref := "rail_txn_1"
	require.NoError(t, payRepo.MarkSettled(ctx, employerID, p.PaymentID, &ref, now))
	// Re-applying the same terminal state is a no-op.
	require.NoError(t, payRepo.MarkSettled(ctx, employerID, p.PaymentID, &ref, now))

	// Crossing to the other terminal state is a violation.
	err = payRepo.MarkFailed(ctx, employerID, p.PaymentID, nil, "late failure", now)
	assert.Error(t, err)

	stored, err := payRepo.GetByID(ctx, employerID, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, paycheck.StatusSettled, stored.Status)
	require.NotNil(t, stored.ProviderPaymentRef)
	assert.Equal(t, ref, *stored.ProviderPaymentRef)
}

func TestBatchReconcileDerivesStatusFromPaymentRows(t *testing.T) {
	payRepo := NewMemPaycheckRepository()
	batchRepo := NewMemBatchRepository(payRepo)
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	require.NoError(t, batchRepo.Upsert(ctx, batch.NewBatch(batchID, employerID, uuid.New(), now)))
	for i := 0; i < 2; i++ {
		p := NewPaymentFixture(employerID, batchID).Build(now)
		_, err := payRepo.Insert(ctx, p)
		require.NoError(t, err)
	}

	claimed, err := payRepo.ClaimCreatedByBatch(ctx, employerID, batchID, 10, "proc", time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, payRepo.MarkSettled(ctx, employerID, claimed[0].PaymentID, nil, now))

	rec, err := batchRepo.Reconcile(ctx, employerID, batchID, now)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusActive, rec.Previous)
	assert.Equal(t, batch.StatusPartiallyCompleted, rec.Current)
	assert.Equal(t, 2, rec.TotalPayments)
	assert.Equal(t, 1, rec.SettledPayments)

	require.NoError(t, payRepo.MarkSettled(ctx, employerID, claimed[1].PaymentID, nil, now))
	rec, err = batchRepo.Reconcile(ctx, employerID, batchID, now)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, rec.Current)
	assert.True(t, rec.NewlyTerminal())
}

func TestBatchMarkFailedIsSingleShot(t *testing.T) {
	payRepo := NewMemPaycheckRepository()
	batchRepo := NewMemBatchRepository(payRepo)
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	require.NoError(t, batchRepo.Upsert(ctx, batch.NewBatch(batchID, employerID, uuid.New(), now)))

	marked, err := batchRepo.MarkFailed(ctx, employerID, batchID, now)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = batchRepo.MarkFailed(ctx, employerID, batchID, now)
	require.NoError(t, err)
	assert.False(t, marked)
}
