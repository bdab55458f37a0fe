package safety

import (
	"context"
	"sync"
	"time"
)

// Protector combines a rate limiter and a circuit breaker per exchange.
// Every adapter call the router makes goes through Do.
type Protector struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	breakers map[string]*CircuitBreaker

	limiterCapacity int
	limiterRate     int
	breakerConfig   BreakerConfig

	onBreakerChange func(name string, from, to BreakerState)
}

// ProtectorConfig holds the per-exchange protection settings.
type ProtectorConfig struct {
	RateCapacity     int
	RatePerSecond    int
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// NewProtector creates a protector. Limiters and breakers are created
// lazily per exchange id.
func NewProtector(config ProtectorConfig) *Protector {
	return &Protector{
		limiters:        make(map[string]*RateLimiter),
		breakers:        make(map[string]*CircuitBreaker),
		limiterCapacity: config.RateCapacity,
		limiterRate:     config.RatePerSecond,
		breakerConfig: BreakerConfig{
			FailureThreshold: config.FailureThreshold,
			SuccessThreshold: config.SuccessThreshold,
			OpenTimeout:      config.OpenTimeout,
		},
	}
}

// OnBreakerChange registers a callback for breaker transitions on any
// exchange. Must be called before the first Do.
func (p *Protector) OnBreakerChange(fn func(name string, from, to BreakerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onBreakerChange = fn
}

// Do runs fn under the exchange's rate limit and circuit breaker. Context
// cancellation while waiting for a token is returned as-is.
func (p *Protector) Do(ctx context.Context, exchangeID string, fn func() error) error {
	limiter, breaker := p.forExchange(exchangeID)

	if err := breaker.Allow(); err != nil {
		return err
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		breaker.RecordFailure()
		return err
	}
	breaker.RecordSuccess()
	return nil
}

// BreakerState returns the breaker state for an exchange.
func (p *Protector) BreakerState(exchangeID string) BreakerState {
	_, breaker := p.forExchange(exchangeID)
	return breaker.State()
}

func (p *Protector) forExchange(exchangeID string) (*RateLimiter, *CircuitBreaker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, ok := p.limiters[exchangeID]
	if !ok {
		limiter = NewRateLimiter(exchangeID, p.limiterCapacity, p.limiterRate)
		p.limiters[exchangeID] = limiter
	}
	breaker, ok := p.breakers[exchangeID]
	if !ok {
		breaker = NewCircuitBreaker(exchangeID, p.breakerConfig)
		if p.onBreakerChange != nil {
			breaker.OnStateChange(p.onBreakerChange)
		}
		p.breakers[exchangeID] = breaker
	}
	return limiter, breaker
}
