// Package relay drains the transactional outbox into the message broker.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexpay/payrun/internal/domain/outbox"
	"github.com/apexpay/payrun/internal/observability"
	"github.com/apexpay/payrun/pkg/retry"
)

// Broker delivers an outbox event to the downstream transport.
type Broker interface {
	Publish(ctx context.Context, topic, eventKey, eventType string, payload []byte) error
	PublishDeadLetter(ctx context.Context, outboxID, topic, reason string, payload []byte) error
}

// Config holds the relay tuning knobs.
type Config struct {
	BatchSize          int
	LockOwner          string
	LockTTL            time.Duration
	RetryBase          time.Duration
	RetryMax           time.Duration
	MaxPublishAttempts int

	// In-call publish retries absorb transient broker hiccups before the
	// event falls back to the persisted backoff gate.
	PublishRetries    uint
	PublishRetryDelay time.Duration
}

// Relay claims pending outbox rows under a lease and publishes them.
// Delivery is at-least-once: a crash between broker publish and MarkSent
// replays the event after the lease expires, and consumers dedupe on
// event_key plus event_type.
type Relay struct {
	store   outbox.Store
	broker  Broker
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(store outbox.Store, broker Broker, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PublishRetries == 0 {
		cfg.PublishRetries = 3
	}
	if cfg.PublishRetryDelay <= 0 {
		cfg.PublishRetryDelay = 100 * time.Millisecond
	}
	return &Relay{
		store:   store,
		broker:  broker,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// RelayOnce claims one batch of due events and pushes each to the broker.
func (r *Relay) RelayOnce(ctx context.Context, now time.Time) (int, error) {
	events, err := r.store.ClaimBatch(ctx, r.cfg.BatchSize, r.cfg.LockOwner, r.cfg.LockTTL, now)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}

	published := 0
	for _, ev := range events {
		if err := r.relayEvent(ctx, ev, now); err != nil {
			r.logger.Error().Err(err).Str("outbox_id", ev.OutboxID.String()).Msg("Outbox relay failed")
			continue
		}
		published++
	}
	return published, nil
}

func (r *Relay) relayEvent(ctx context.Context, ev *outbox.Event, now time.Time) error {
	if ev.LockedAt == nil {
		return fmt.Errorf("claimed event %s has no lease", ev.OutboxID)
	}
	lockedAt := *ev.LockedAt

	pubCfg := retry.Config{
		MaxAttempts:  r.cfg.PublishRetries,
		InitialDelay: r.cfg.PublishRetryDelay,
		MaxDelay:     10 * r.cfg.PublishRetryDelay,
	}
	err := retry.Do(ctx, pubCfg, func() error {
		return r.broker.Publish(ctx, ev.Topic, ev.EventKey, ev.EventType, ev.PayloadJSON)
	})
	if err != nil {
		return r.handlePublishFailure(ctx, ev, lockedAt, err, now)
	}

	ok, err := r.store.MarkSent(ctx, ev.OutboxID, r.cfg.LockOwner, lockedAt, now)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if !ok {
		// The lease expired mid-delivery and another relay owns the row
		// now. The broker got the event; the duplicate is absorbed
		// downstream.
		r.metrics.OutboxLeaseLost.Inc()
		r.logger.Warn().Str("outbox_id", ev.OutboxID.String()).Msg("Lease lost after publish")
		return nil
	}

	r.metrics.OutboxPublished.WithLabelValues(ev.Topic).Inc()
	return nil
}

func (r *Relay) handlePublishFailure(ctx context.Context, ev *outbox.Event, lockedAt time.Time, pubErr error, now time.Time) error {
	attempt := ev.Attempts + 1

	// Attempts grow one per failure, so the equality gate copies each
	// event to the dead-letter stream exactly once.
	if r.cfg.MaxPublishAttempts > 0 && attempt == r.cfg.MaxPublishAttempts {
		if err := r.broker.PublishDeadLetter(ctx, ev.OutboxID.String(), ev.Topic, pubErr.Error(), ev.PayloadJSON); err != nil {
			r.logger.Error().Err(err).Str("outbox_id", ev.OutboxID.String()).Msg("Dead-letter publish failed")
		} else {
			r.metrics.OutboxDeadLetters.Inc()
		}
	}

	retryCfg := retry.Config{InitialDelay: r.cfg.RetryBase, MaxDelay: r.cfg.RetryMax}
	nextAttemptAt := now.Add(retry.Backoff(retryCfg, attempt))

	ok, err := r.store.MarkFailed(ctx, ev.OutboxID, r.cfg.LockOwner, lockedAt, pubErr.Error(), nextAttemptAt, now)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !ok {
		r.metrics.OutboxLeaseLost.Inc()
		return nil
	}

	r.metrics.OutboxRetried.Inc()
	r.logger.Warn().
		Err(pubErr).
		Str("outbox_id", ev.OutboxID.String()).
		Str("topic", ev.Topic).
		Int("attempt", attempt).
		Time("next_attempt_at", nextAttemptAt).
		Msg("Broker publish failed, event returned to pending")
	return nil
}
