package redisbroker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/apexpay/payrun/internal/app/intake"
)

const (
	// IntakeStream carries requested paycheck payments from the payroll
	// orchestrator.
	IntakeStream = "payrun:payments:requested"
	intakeGroup  = "payrun-intake"
)

// IntakeConsumer reads payment requests from the intake stream and hands
// them to the intake service. Messages are always acked: intake is
// idempotent on payment_id, so a replayed message is a cheap no-op,
// while an unparseable one would poison the group if left pending.
type IntakeConsumer struct {
	client   *redis.Client
	consumer string
	svc      *intake.Service
	logger   zerolog.Logger
}

func NewIntakeConsumer(client *redis.Client, consumerName string, svc *intake.Service, logger zerolog.Logger) *IntakeConsumer {
	return &IntakeConsumer{
		client:   client,
		consumer: consumerName,
		svc:      svc,
		logger:   logger,
	}
}

func (c *IntakeConsumer) CreateGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, IntakeStream, intakeGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Run consumes until the context ends.
func (c *IntakeConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    intakeGroup,
			Consumer: c.consumer,
			Streams:  []string{IntakeStream, ">"},
			Count:    50,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.logger.Error().Err(err).Msg("Failed to read intake stream")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
				c.client.XAck(ctx, IntakeStream, intakeGroup, msg.ID)
			}
		}
	}
}

func (c *IntakeConsumer) handle(ctx context.Context, msg redis.XMessage) {
	raw, _ := msg.Values["payload"].(string)

	var req intake.PaymentRequested
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Invalid payment request payload")
		return
	}

	alreadyExists, err := c.svc.HandlePaymentRequested(ctx, req, time.Now().UTC())
	if err != nil {
		c.logger.Error().Err(err).Str("payment_id", req.PaymentID.String()).Msg("Failed to handle payment request")
		return
	}
	if alreadyExists {
		c.logger.Debug().Str("payment_id", req.PaymentID.String()).Msg("Duplicate payment request ignored")
		return
	}
	c.logger.Info().
		Str("payment_id", req.PaymentID.String()).
		Str("batch_id", req.BatchID.String()).
		Msg("Payment accepted")
}
