package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/apexpay/payrun/internal/app/relay"
	"github.com/apexpay/payrun/internal/domain/outbox"
	"github.com/apexpay/payrun/internal/observability"
	"github.com/apexpay/payrun/internal/testutil"
)

func newRelay(store *testutil.MemOutboxStore, broker *testutil.RecordingBroker, maxAttempts int) *relay.Relay {
	// A single in-call attempt keeps every broker failure visible to the
	// persisted backoff path under test.
	return relay.New(store, broker, relay.Config{
		BatchSize:          50,
		LockOwner:          "relay-test",
		LockTTL:            30 * time.Second,
		RetryBase:          time.Second,
		RetryMax:           time.Minute,
		MaxPublishAttempts: maxAttempts,
		PublishRetries:     1,
		PublishRetryDelay:  time.Millisecond,
	}, zerolog.Nop(), observability.NewMetrics("test", prometheus.NewRegistry()))
}

func enqueue(t *testing.T, store *testutil.MemOutboxStore, eventID string, now time.Time) outbox.EnqueueResult {
	t.Helper()
	res, err := store.Enqueue(context.Background(), outbox.EnqueueParams{
		Topic:       outbox.TopicBatchTerminal,
		EventKey:    "employer-1",
		EventType:   outbox.EventTypeBatchTerminal,
		EventID:     &eventID,
		PayloadJSON: []byte(`{"event_type":"PaymentBatchTerminal"}`),
	}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return res
}

func TestRelayOnceDeliversAndMarksSent(t *testing.T) {
	store := testutil.NewMemOutboxStore()
	broker := testutil.NewRecordingBroker()
	r := newRelay(store, broker, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	res := enqueue(t, store, "ev-1", now)

	published, err := r.RelayOnce(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}
	if published != 1 {
		t.Errorf("published = %d, want 1", published)
	}

	records := broker.Published()
	if len(records) != 1 {
		t.Fatalf("broker got %d records, want 1", len(records))
	}
	if records[0].Topic != outbox.TopicBatchTerminal {
		t.Errorf("topic = %s", records[0].Topic)
	}
	if records[0].EventKey != "employer-1" {
		t.Errorf("event key = %s", records[0].EventKey)
	}

	stored, _ := store.Get(res.OutboxID)
	if stored.Status != outbox.StatusSent {
		t.Errorf("status = %s, want sent", stored.Status)
	}
	if stored.PublishedAt == nil {
		t.Error("published_at not set")
	}

	// Nothing left to relay.
	published, err = r.RelayOnce(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("second RelayOnce: %v", err)
	}
	if published != 0 {
		t.Errorf("second pass published = %d, want 0", published)
	}
}

func TestRelayOnceRetriesPublishInCall(t *testing.T) {
	store := testutil.NewMemOutboxStore()
	broker := testutil.NewRecordingBroker()
	r := relay.New(store, broker, relay.Config{
		BatchSize:          50,
		LockOwner:          "relay-test",
		LockTTL:            30 * time.Second,
		RetryBase:          time.Second,
		RetryMax:           time.Minute,
		MaxPublishAttempts: 10,
		PublishRetries:     3,
		PublishRetryDelay:  time.Millisecond,
	}, zerolog.Nop(), observability.NewMetrics("test", prometheus.NewRegistry()))
	ctx := context.Background()
	now := time.Now().UTC()

	res := enqueue(t, store, "ev-1", now)

	// A transient broker hiccup is absorbed within the same pass.
	broker.FailNext(1)
	published, err := r.RelayOnce(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}
	if published != 1 {
		t.Errorf("published = %d, want 1", published)
	}

	stored, _ := store.Get(res.OutboxID)
	if stored.Status != outbox.StatusSent {
		t.Errorf("status = %s, want sent", stored.Status)
	}
	if stored.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (failure absorbed in call)", stored.Attempts)
	}
	if len(broker.DeadLetters()) != 0 {
		t.Error("transient failure dead-lettered")
	}
}

func TestRelayOnceFailureReturnsEventToPendingWithBackoff(t *testing.T) {
	store := testutil.NewMemOutboxStore()
	broker := testutil.NewRecordingBroker()
	r := newRelay(store, broker, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	res := enqueue(t, store, "ev-1", now)
	broker.FailNext(1)

	if _, err := r.RelayOnce(ctx, now.Add(time.Second)); err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}

	stored, _ := store.Get(res.OutboxID)
	if stored.Status != outbox.StatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", stored.Attempts)
	}
	if stored.LastError == nil {
		t.Error("last_error not recorded")
	}
	// attempt 1 gates with the base delay.
	want := now.Add(time.Second).Add(time.Second)
	if stored.NextAttemptAt == nil || !stored.NextAttemptAt.Equal(want) {
		t.Errorf("next_attempt_at = %v, want %v", stored.NextAttemptAt, want)
	}

	// Not redelivered before the gate.
	if _, err := r.RelayOnce(ctx, want.Add(-time.Millisecond)); err != nil {
		t.Fatalf("RelayOnce before gate: %v", err)
	}
	if len(broker.Published()) != 0 {
		t.Error("event delivered before retry gate")
	}

	// Redelivered once due.
	if _, err := r.RelayOnce(ctx, want.Add(time.Minute)); err != nil {
		t.Fatalf("RelayOnce after gate: %v", err)
	}
	if len(broker.Published()) != 1 {
		t.Errorf("broker got %d records after retry, want 1", len(broker.Published()))
	}
	stored, _ = store.Get(res.OutboxID)
	if stored.Status != outbox.StatusSent {
		t.Errorf("status after retry = %s, want sent", stored.Status)
	}
}

func TestRelayOnceDeadLettersAtAttemptCeiling(t *testing.T) {
	store := testutil.NewMemOutboxStore()
	broker := testutil.NewRecordingBroker()
	r := newRelay(store, broker, 2)
	ctx := context.Background()
	now := time.Now().UTC()

	res := enqueue(t, store, "ev-1", now)
	broker.FailNext(3)

	at := now.Add(time.Second)
	if _, err := r.RelayOnce(ctx, at); err != nil {
		t.Fatalf("first RelayOnce: %v", err)
	}
	if len(broker.DeadLetters()) != 0 {
		t.Fatal("dead-lettered before the ceiling")
	}

	// Second failure reaches max_publish_attempts.
	at = at.Add(time.Hour)
	if _, err := r.RelayOnce(ctx, at); err != nil {
		t.Fatalf("second RelayOnce: %v", err)
	}

	dlq := broker.DeadLetters()
	if len(dlq) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq))
	}
	if dlq[0].OutboxID != res.OutboxID.String() {
		t.Errorf("dead letter outbox_id = %s", dlq[0].OutboxID)
	}
	if dlq[0].Reason == "" {
		t.Error("dead letter has no reason")
	}

	// The row itself stays pending for audit; delivery may still succeed
	// later.
	stored, _ := store.Get(res.OutboxID)
	if stored.Status != outbox.StatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
	if stored.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", stored.Attempts)
	}

	// Further failures past the ceiling do not duplicate the record.
	at = at.Add(time.Hour)
	if _, err := r.RelayOnce(ctx, at); err != nil {
		t.Fatalf("third RelayOnce: %v", err)
	}
	if got := len(broker.DeadLetters()); got != 1 {
		t.Errorf("dead letters after third failure = %d, want 1", got)
	}
	stored, _ = store.Get(res.OutboxID)
	if stored.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", stored.Attempts)
	}
}

func TestRelayOnceDeliversOldestFirst(t *testing.T) {
	store := testutil.NewMemOutboxStore()
	broker := testutil.NewRecordingBroker()
	r := newRelay(store, broker, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueue(t, store, "ev-old", now)
	enqueue(t, store, "ev-new", now.Add(time.Second))

	if _, err := r.RelayOnce(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("RelayOnce: %v", err)
	}

	records := broker.Published()
	if len(records) != 2 {
		t.Fatalf("broker got %d records, want 2", len(records))
	}
}
