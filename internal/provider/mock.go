package provider

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	domainErrors "github.com/apexpay/payrun/internal/domain/errors"
)

// MockProvider simulates a payment rail. Without a SubmitFunc override it
// settles payments with a configurable failure rate and latency.
type MockProvider struct {
	name        string
	failureRate float64 // 0.0 to 1.0, per payment
	asyncRate   float64 // 0.0 to 1.0, payments left without a terminal status
	latency     time.Duration
	rejectRate  float64 // 0.0 to 1.0, whole submission rejected

	// SubmitFunc overrides the simulated behavior when set.
	SubmitFunc func(ctx context.Context, req SubmitBatchRequest, now time.Time) (*SubmitBatchResponse, error)
}

type MockProviderOption func(*MockProvider)

func WithFailureRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.failureRate = rate }
}

func WithAsyncRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.asyncRate = rate }
}

func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

func WithRejectRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.rejectRate = rate }
}

func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		name:    name,
		latency: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) SubmitBatch(ctx context.Context, req SubmitBatchRequest, now time.Time) (*SubmitBatchResponse, error) {
	if p.SubmitFunc != nil {
		return p.SubmitFunc(ctx, req, now)
	}

	// Simulate latency
	select {
	case <-time.After(p.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if rand.Float64() < p.rejectRate {
		return nil, domainErrors.ErrProviderRejected
	}

	batchRef := fmt.Sprintf("%s_batch_%s", p.name, uuid.New().String()[:8])
	resp := &SubmitBatchResponse{ProviderBatchRef: &batchRef}

	for _, sp := range req.Payments {
		result := PaymentResult{PaymentID: sp.PaymentID}
		if rand.Float64() < p.asyncRate {
			// Still in flight on the rail; no terminal status yet.
			resp.PaymentResults = append(resp.PaymentResults, result)
			continue
		}

		ref := fmt.Sprintf("%s_txn_%s", p.name, uuid.New().String()[:8])
		result.ProviderPaymentRef = &ref
		if rand.Float64() < p.failureRate {
			status := TerminalFailed
			msg := fmt.Sprintf("%s: simulated rail failure for payment %s", p.name, sp.PaymentID)
			result.TerminalStatus = &status
			result.Error = &msg
		} else {
			status := TerminalSettled
			result.TerminalStatus = &status
		}
		resp.PaymentResults = append(resp.PaymentResults, result)
	}

	return resp, nil
}
