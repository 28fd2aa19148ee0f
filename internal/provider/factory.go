package provider

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	domainErrors "github.com/apexpay/payrun/internal/domain/errors"
)

// Factory holds the registered providers and a circuit breaker per
// provider, so a failing rail stops being called before it drags every
// tick down.
type Factory struct {
	providers       map[string]PaymentProvider
	circuitBreakers map[string]*gobreaker.CircuitBreaker[*SubmitBatchResponse]
}

func NewFactory(providersList ...PaymentProvider) *Factory {
	f := &Factory{
		providers:       make(map[string]PaymentProvider),
		circuitBreakers: make(map[string]*gobreaker.CircuitBreaker[*SubmitBatchResponse]),
	}

	if len(providersList) == 0 {
		f.Register(NewMockProvider("ach-mock",
			WithLatency(200*time.Millisecond),
			WithFailureRate(0.02),
			WithAsyncRate(0.10),
		))
	} else {
		for _, p := range providersList {
			f.Register(p)
		}
	}

	return f
}

func (f *Factory) Register(p PaymentProvider) {
	f.providers[p.Name()] = p
	f.circuitBreakers[p.Name()] = gobreaker.NewCircuitBreaker[*SubmitBatchResponse](gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	})
}

func (f *Factory) Get(name string) (PaymentProvider, *gobreaker.CircuitBreaker[*SubmitBatchResponse], error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, nil, fmt.Errorf("provider %q: %w", name, domainErrors.ErrProviderNotFound)
	}
	return p, f.circuitBreakers[name], nil
}
