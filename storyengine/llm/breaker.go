package llm

import (
	"context"
	"errors"
	"time"

	cb "github.com/sony/gobreaker"

	"github.com/agent-adventures/adventure-core/eventbus"
)

// BreakerProvider wraps a Provider with a circuit breaker so a failing
// vendor API fails fast instead of pinning callers on full timeouts.
type BreakerProvider struct {
	inner   Provider
	breaker *cb.CircuitBreaker
}

// NewBreakerProvider wraps inner with a circuit breaker. The breaker
// opens after more than five consecutive failures and probes again
// after thirty seconds.
func NewBreakerProvider(inner Provider, logger eventbus.Logger) *BreakerProvider {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	log := logger.Bind("component", "llm")
	settings := cb.Settings{
		Name:        inner.Name() + "-breaker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warning("provider_breaker_state_changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerProvider{inner: inner, breaker: cb.NewCircuitBreaker(settings)}
}

func (p *BreakerProvider) Name() string  { return p.inner.Name() }
func (p *BreakerProvider) Model() string { return p.inner.Model() }

// Generate runs the inner call through the breaker. An open breaker is
// reported as a retryable provider error.
func (p *BreakerProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.inner.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
			return nil, NewProviderError(p.inner.Name(), 0, "circuit breaker open", err)
		}
		return nil, err
	}
	return result.(*GenerateResult), nil
}

var _ Provider = (*BreakerProvider)(nil)
