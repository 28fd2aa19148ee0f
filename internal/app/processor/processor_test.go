package processor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/apexpay/payrun/internal/app/processor"
	"github.com/apexpay/payrun/internal/app/publisher"
	"github.com/apexpay/payrun/internal/app/sweeper"
	"github.com/apexpay/payrun/internal/domain/batch"
	"github.com/apexpay/payrun/internal/domain/outbox"
	"github.com/apexpay/payrun/internal/domain/paycheck"
	"github.com/apexpay/payrun/internal/observability"
	"github.com/apexpay/payrun/internal/provider"
	"github.com/apexpay/payrun/internal/testutil"
)

type env struct {
	proc        *processor.Processor
	batchRepo   *testutil.MemBatchRepository
	payRepo     *testutil.MemPaycheckRepository
	outboxStore *testutil.MemOutboxStore
	mock        *provider.MockProvider
	metrics     *observability.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	payRepo := testutil.NewMemPaycheckRepository()
	batchRepo := testutil.NewMemBatchRepository(payRepo)
	outboxStore := testutil.NewMemOutboxStore()
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())

	mock := provider.NewMockProvider("ach-mock")
	proc := processor.New(
		batchRepo, payRepo, publisher.New(outboxStore, metrics),
		provider.NewFactory(mock), testutil.NoopTxManager{},
		processor.Config{
			BatchSize:         100,
			MaxBatchesPerTick: 5,
			LockOwner:         "proc-test",
			LockTTL:           time.Minute,
			ProviderName:      "ach-mock",
		},
		zerolog.Nop(), metrics,
	)
	return &env{proc: proc, batchRepo: batchRepo, payRepo: payRepo, outboxStore: outboxStore, mock: mock, metrics: metrics}
}

// settleAll makes the provider settle every payment with a ref.
func settleAll(ref string) func(context.Context, provider.SubmitBatchRequest, time.Time) (*provider.SubmitBatchResponse, error) {
	return func(_ context.Context, req provider.SubmitBatchRequest, _ time.Time) (*provider.SubmitBatchResponse, error) {
		resp := &provider.SubmitBatchResponse{ProviderBatchRef: &ref}
		for _, sp := range req.Payments {
			status := provider.TerminalSettled
			txn := ref + "-" + sp.PaymentID.String()[:8]
			resp.PaymentResults = append(resp.PaymentResults, provider.PaymentResult{
				PaymentID:          sp.PaymentID,
				ProviderPaymentRef: &txn,
				TerminalStatus:     &status,
			})
		}
		return resp, nil
	}
}

// failPayment settles everything except the given payment, which fails.
func failPayment(failID uuid.UUID) func(context.Context, provider.SubmitBatchRequest, time.Time) (*provider.SubmitBatchResponse, error) {
	return func(_ context.Context, req provider.SubmitBatchRequest, _ time.Time) (*provider.SubmitBatchResponse, error) {
		ref := "rail-batch-1"
		resp := &provider.SubmitBatchResponse{ProviderBatchRef: &ref}
		for _, sp := range req.Payments {
			result := provider.PaymentResult{PaymentID: sp.PaymentID}
			if sp.PaymentID == failID {
				status := provider.TerminalFailed
				msg := "insufficient rail balance"
				result.TerminalStatus = &status
				result.Error = &msg
			} else {
				status := provider.TerminalSettled
				txn := "txn-" + sp.PaymentID.String()[:8]
				result.TerminalStatus = &status
				result.ProviderPaymentRef = &txn
			}
			resp.PaymentResults = append(resp.PaymentResults, result)
		}
		return resp, nil
	}
}

func seedBatch(t *testing.T, e *env, employerID, batchID uuid.UUID, amounts []int64, now time.Time) []*paycheck.Payment {
	t.Helper()
	ctx := context.Background()
	if err := e.batchRepo.Upsert(ctx, batch.NewBatch(batchID, employerID, uuid.New(), now)); err != nil {
		t.Fatalf("upsert batch: %v", err)
	}
	var payments []*paycheck.Payment
	for _, cents := range amounts {
		f := testutil.NewPaymentFixture(employerID, batchID)
		f.NetCents = cents
		p := f.Build(now)
		if _, err := e.payRepo.Insert(ctx, p); err != nil {
			t.Fatalf("insert payment: %v", err)
		}
		payments = append(payments, p)
		now = now.Add(time.Millisecond) // stable claim ordering
	}
	return payments
}

func TestTickOnceCompletesBatchWhenAllSettle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	seedBatch(t, e, employerID, batchID, []int64{100_000, 200_000}, now)
	e.mock.SubmitFunc = settleAll("rail-batch-1")

	if err := e.proc.TickOnce(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}

	b, err := e.batchRepo.GetByID(ctx, employerID, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Status != batch.StatusCompleted {
		t.Errorf("batch status = %s, want completed", b.Status)
	}
	if b.TotalPayments != 2 || b.SettledPayments != 2 || b.FailedPayments != 0 {
		t.Errorf("counters = %d/%d/%d, want 2/2/0", b.TotalPayments, b.SettledPayments, b.FailedPayments)
	}
	if b.ProviderBatchRef == nil || *b.ProviderBatchRef != "rail-batch-1" {
		t.Errorf("provider batch ref = %v, want rail-batch-1", b.ProviderBatchRef)
	}

	terminal := e.outboxStore.ByEventType(outbox.EventTypeBatchTerminal)
	if len(terminal) != 1 {
		t.Fatalf("got %d terminal events, want 1", len(terminal))
	}
	_, data, err := outbox.Open(terminal[0].PayloadJSON)
	if err != nil {
		t.Fatalf("open terminal payload: %v", err)
	}
	payload := data.(*outbox.PaymentBatchTerminal)
	if payload.Status != string(batch.StatusCompleted) {
		t.Errorf("terminal payload status = %s, want completed", payload.Status)
	}

	// A second tick finds nothing to do and emits nothing new.
	if err := e.proc.TickOnce(ctx, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("second TickOnce: %v", err)
	}
	if got := len(e.outboxStore.ByEventType(outbox.EventTypeBatchTerminal)); got != 1 {
		t.Errorf("terminal events after second tick = %d, want 1", got)
	}
}

func TestTickOncePartialFailureLeavesBatchPartiallyCompleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	payments := seedBatch(t, e, employerID, batchID, []int64{100_000, 200_000}, now)
	e.mock.SubmitFunc = failPayment(payments[1].PaymentID)

	if err := e.proc.TickOnce(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}

	b, err := e.batchRepo.GetByID(ctx, employerID, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Status != batch.StatusPartiallyCompleted {
		t.Errorf("batch status = %s, want partially_completed", b.Status)
	}
	if b.TotalPayments != 2 || b.SettledPayments != 1 || b.FailedPayments != 1 {
		t.Errorf("counters = %d/%d/%d, want 2/1/1", b.TotalPayments, b.SettledPayments, b.FailedPayments)
	}

	failed, err := e.payRepo.GetByID(ctx, employerID, payments[1].PaymentID)
	if err != nil {
		t.Fatalf("get failed payment: %v", err)
	}
	if failed.Status != paycheck.StatusFailed {
		t.Errorf("failed payment status = %s", failed.Status)
	}
	if failed.Error == nil || *failed.Error != "insufficient rail balance" {
		t.Errorf("failed payment error = %v", failed.Error)
	}

	if got := len(e.outboxStore.ByEventType(outbox.EventTypeBatchTerminal)); got != 0 {
		t.Errorf("terminal events = %d, want 0 for partial batch", got)
	}
}

func TestTickOnceProviderOutageLeavesPaymentsSubmitted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	payments := seedBatch(t, e, employerID, batchID, []int64{100_000}, now)
	e.mock.SubmitFunc = func(context.Context, provider.SubmitBatchRequest, time.Time) (*provider.SubmitBatchResponse, error) {
		return nil, errors.New("rail timeout")
	}

	if err := e.proc.TickOnce(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}

	p, err := e.payRepo.GetByID(ctx, employerID, payments[0].PaymentID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.Status != paycheck.StatusSubmitted {
		t.Errorf("payment status = %s, want submitted for re-claim after lease expiry", p.Status)
	}

	b, err := e.batchRepo.GetByID(ctx, employerID, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Status != batch.StatusActive {
		t.Errorf("batch status = %s, want active", b.Status)
	}
	if got := len(e.outboxStore.ByEventType(outbox.EventTypeBatchTerminal)); got != 0 {
		t.Errorf("terminal events = %d, want 0", got)
	}
}

// Exercises the full recovery path: one payment fails, the sweeper
// resets it, and the retried tick completes the batch with exactly one
// terminal event for the whole lifecycle.
func TestBatchRecoversAfterSweepAndRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	payments := seedBatch(t, e, employerID, batchID, []int64{100_000, 200_000}, now)
	e.mock.SubmitFunc = failPayment(payments[1].PaymentID)

	if err := e.proc.TickOnce(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("first TickOnce: %v", err)
	}

	swp := sweeper.New(
		e.batchRepo, e.payRepo, publisher.New(e.outboxStore, e.metrics), testutil.NoopTxManager{},
		sweeper.Config{
			RetryBase:          30 * time.Second,
			RetryMax:           30 * time.Minute,
			MaxBatchAttempts:   5,
			MaxPaymentAttempts: 3,
			LockOwner:          "sweep-test",
			LockTTL:            time.Minute,
		},
		zerolog.Nop(), e.metrics,
	)

	sweepAt := now.Add(2 * time.Minute)
	if err := swp.SweepOnce(ctx, sweepAt); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	reset, err := e.payRepo.GetByID(ctx, employerID, payments[1].PaymentID)
	if err != nil {
		t.Fatalf("get reset payment: %v", err)
	}
	if reset.Status != paycheck.StatusCreated {
		t.Fatalf("reset payment status = %s, want created", reset.Status)
	}
	if reset.Attempts != 1 {
		t.Errorf("reset payment attempts = %d, want 1 (kept across reset)", reset.Attempts)
	}
	if reset.NextAttemptAt == nil || !reset.NextAttemptAt.After(sweepAt) {
		t.Errorf("reset payment has no future retry gate: %v", reset.NextAttemptAt)
	}

	// Retry succeeds once the backoff gate passes.
	e.mock.SubmitFunc = settleAll("rail-batch-2")
	retryAt := reset.NextAttemptAt.Add(time.Minute)
	if err := e.proc.TickOnce(ctx, retryAt); err != nil {
		t.Fatalf("retry TickOnce: %v", err)
	}

	b, err := e.batchRepo.GetByID(ctx, employerID, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Status != batch.StatusCompleted {
		t.Errorf("batch status = %s, want completed", b.Status)
	}

	terminal := e.outboxStore.ByEventType(outbox.EventTypeBatchTerminal)
	if len(terminal) != 1 {
		t.Fatalf("got %d terminal events across lifecycle, want exactly 1", len(terminal))
	}
	_, data, err := outbox.Open(terminal[0].PayloadJSON)
	if err != nil {
		t.Fatalf("open terminal payload: %v", err)
	}
	if got := data.(*outbox.PaymentBatchTerminal).Status; got != string(batch.StatusCompleted) {
		t.Errorf("terminal payload status = %s, want completed", got)
	}
}

func TestTickOnceRespectsPaymentBudget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	employerID := uuid.New()
	batchID := uuid.New()

	seedBatch(t, e, employerID, batchID, []int64{100_000, 100_000, 100_000}, now)
	e.mock.SubmitFunc = settleAll("rail-batch-1")

	small := processor.New(
		e.batchRepo, e.payRepo, publisher.New(e.outboxStore, e.metrics),
		provider.NewFactory(e.mock), testutil.NoopTxManager{},
		processor.Config{
			BatchSize:         2,
			MaxBatchesPerTick: 5,
			LockOwner:         "proc-test",
			LockTTL:           time.Minute,
			ProviderName:      "ach-mock",
		},
		zerolog.Nop(), e.metrics,
	)

	if err := small.TickOnce(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("TickOnce: %v", err)
	}

	b, err := e.batchRepo.GetByID(ctx, employerID, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.SettledPayments != 2 {
		t.Errorf("settled after budgeted tick = %d, want 2", b.SettledPayments)
	}
	if b.Status != batch.StatusPartiallyCompleted {
		t.Errorf("batch status = %s, want partially_completed", b.Status)
	}

	// The remaining payment goes out on the next tick.
	if err := small.TickOnce(ctx, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("second TickOnce: %v", err)
	}
	b, _ = e.batchRepo.GetByID(ctx, employerID, batchID)
	if b.Status != batch.StatusCompleted {
		t.Errorf("batch status after second tick = %s, want completed", b.Status)
	}
}
