package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/events"
	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/logger"
	"github.com/tradeflow-labs/signal-engine/internal/safety"
)

// State tracks an order submission through its lifecycle.
type State string

const (
	StateSubmitting State = "submitting"
	StateConfirmed  State = "confirmed"
	StateRejected   State = "rejected"
	StateUnknown    State = "unknown"
)

// Config holds the submission retry settings.
type Config struct {
	MaxAttempts    int           // total attempts including the first
	InitialBackoff time.Duration // delay before the second attempt
	MaxBackoff     time.Duration // backoff ceiling
	BackoffFactor  float64       // exponential growth per attempt
	CallTimeout    time.Duration // per-call deadline
}

// DefaultConfig returns the standard retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		CallTimeout:    10 * time.Second,
	}
}

// Result is the final outcome of a submission.
type Result struct {
	State State
	Order *exchange.Order
	Err   error
}

// Router submits order intents to exchange adapters with bounded retries.
// Retries never risk a duplicate order: only failures proven to have not
// reached the exchange are retried.
type Router struct {
	registry  *exchange.Registry
	protector *safety.Protector
	sink      events.Sink
	log       *logger.Logger
	config    Config
}

// New creates a router. sink and log may be nil.
func New(registry *exchange.Registry, protector *safety.Protector, sink events.Sink, log *logger.Logger, config Config) *Router {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 2.0
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = events.NullSink{}
	}
	return &Router{
		registry:  registry,
		protector: protector,
		sink:      sink,
		log:       log,
		config:    config,
	}
}

// Submit routes the intent to its exchange. The returned result is always
// non-nil; the error mirrors Result.Err for convenience.
func (r *Router) Submit(ctx context.Context, intent *exchange.OrderIntent, correlationID string) (*Result, error) {
	adapter, err := r.registry.Get(intent.Exchange)
	if err != nil {
		result := &Result{State: StateRejected, Err: err}
		r.emit(events.OrderRejected, intent, correlationID, "", err.Error())
		return result, err
	}

	r.emit(events.OrderSubmitted, intent, correlationID, "", "")

	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return r.unknownResult(intent, correlationID, ctx.Err())
			case <-time.After(r.backoff(attempt)):
			}
		}

		order, err := r.placeOnce(ctx, adapter, intent)
		if err == nil {
			return r.resolveOrder(intent, correlationID, order)
		}
		lastErr = err

		switch {
		case errors.Is(err, safety.ErrCircuitOpen):
			// Breaker open counts as unreachable; keep backing off.
			continue

		case exchange.IsRejected(err):
			r.logf("order rejected by %s: %v", intent.Exchange, err)
			r.emit(events.OrderRejected, intent, correlationID, "", err.Error())
			return &Result{State: StateRejected, Err: err}, err

		case exchange.IsAuth(err):
			r.registry.MarkAuthFailed(intent.Exchange)
			r.logf("exchange %s halted after auth failure: %v", intent.Exchange, err)
			r.emit(events.ExchangeHalted, intent, correlationID, "", err.Error())
			return &Result{State: StateRejected, Err: err}, err

		case exchange.IsTimeout(err):
			state, order, resolveErr := r.resolveTimeout(ctx, adapter, intent)
			switch state {
			case StateConfirmed:
				return r.resolveOrder(intent, correlationID, order)
			case StateSubmitting:
				// Proven not to have arrived; the retry is safe.
				continue
			default:
				return r.unknownResult(intent, correlationID, resolveErr)
			}

		case exchange.IsUnreachable(err):
			r.logf("exchange %s unreachable (attempt %d/%d): %v",
				intent.Exchange, attempt+1, r.config.MaxAttempts, err)
			continue

		default:
			return r.unknownResult(intent, correlationID, err)
		}
	}

	err = fmt.Errorf("submission attempts exhausted: %w", lastErr)
	r.emit(events.OrderRejected, intent, correlationID, "", err.Error())
	return &Result{State: StateRejected, Err: err}, err
}

// placeOnce performs one protected submission with a per-call deadline.
func (r *Router) placeOnce(ctx context.Context, adapter exchange.Adapter, intent *exchange.OrderIntent) (*exchange.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	var order *exchange.Order
	err := r.protector.Do(callCtx, intent.Exchange, func() error {
		var callErr error
		order, callErr = adapter.PlaceOrder(callCtx, intent)
		return callErr
	})
	return order, err
}

// resolveTimeout decides what a timed-out submission means. With a client
// order lookup, a not-found proves the submission never arrived and the
// caller may retry (StateSubmitting). A found order is the live submission.
// Anything else stays unknown.
func (r *Router) resolveTimeout(ctx context.Context, adapter exchange.Adapter, intent *exchange.OrderIntent) (State, *exchange.Order, error) {
	lookup, ok := adapter.(exchange.ClientOrderLookup)
	if !ok || intent.ClientOrderID == "" {
		return StateUnknown, nil, fmt.Errorf("submission timed out and %s cannot look up client order ids", intent.Exchange)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	order, err := lookup.FindOrderByClientID(lookupCtx, intent.Symbol, intent.ClientOrderID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return StateSubmitting, nil, nil
	}
	if err != nil {
		return StateUnknown, nil, fmt.Errorf("timeout reconciliation failed: %w", err)
	}
	return StateConfirmed, order, nil
}

// resolveOrder finishes a submission the exchange acknowledged.
func (r *Router) resolveOrder(intent *exchange.OrderIntent, correlationID string, order *exchange.Order) (*Result, error) {
	if order.Status == exchange.StatusRejected {
		err := fmt.Errorf("order %s rejected by %s", order.OrderID, intent.Exchange)
		r.emit(events.OrderRejected, intent, correlationID, order.OrderID, err.Error())
		return &Result{State: StateRejected, Order: order, Err: err}, err
	}

	r.logf("order confirmed on %s: id=%s status=%s", intent.Exchange, order.OrderID, order.Status)
	r.emit(events.OrderConfirmed, intent, correlationID, order.OrderID, "")
	return &Result{State: StateConfirmed, Order: order}, nil
}

func (r *Router) unknownResult(intent *exchange.OrderIntent, correlationID string, err error) (*Result, error) {
	if err == nil {
		err = errors.New("order outcome unknown")
	}
	r.logf("order outcome UNKNOWN on %s: %v", intent.Exchange, err)
	r.emit(events.OrderUnknown, intent, correlationID, "", err.Error())
	return &Result{State: StateUnknown, Err: err}, err
}

// OrderStatus fetches the current order state through the protection layer.
func (r *Router) OrderStatus(ctx context.Context, exchangeID, symbol, orderID string) (*exchange.Order, error) {
	adapter, err := r.registry.Get(exchangeID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	var order *exchange.Order
	err = r.protector.Do(callCtx, exchangeID, func() error {
		var callErr error
		order, callErr = adapter.GetOrderStatus(callCtx, symbol, orderID)
		return callErr
	})
	return order, err
}

// backoff returns the delay before the given attempt, with jitter so
// concurrent retries do not synchronize.
func (r *Router) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.InitialBackoff) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if delay > r.config.MaxBackoff {
		delay = r.config.MaxBackoff
	}
	jitter := time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))
	return delay + jitter
}

func (r *Router) emit(t events.Type, intent *exchange.OrderIntent, correlationID, orderID, reason string) {
	r.sink.Publish(events.Event{
		Type:          t,
		Time:          time.Now(),
		Exchange:      intent.Exchange,
		Symbol:        intent.Symbol,
		CorrelationID: correlationID,
		OrderID:       orderID,
		Side:          string(intent.Side),
		Quantity:      intent.Quantity,
		Price:         intent.Price,
		Reason:        reason,
	})
}

func (r *Router) logf(format string, args ...interface{}) {
	if r.log != nil {
		r.log.Order(format, args...)
	}
}
