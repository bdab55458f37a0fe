package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow-labs/signal-engine/internal/events"
	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/safety"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func testRouter(t *testing.T, adapter exchange.Adapter) (*Router, *exchange.Registry, *recordingSink) {
	t.Helper()
	registry := exchange.NewRegistry()
	registry.Register("mock", adapter)
	protector := safety.NewProtector(safety.ProtectorConfig{
		RateCapacity:     1000,
		RatePerSecond:    1000,
		FailureThreshold: 100,
	})
	sink := &recordingSink{}
	r := New(registry, protector, sink, nil, Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		CallTimeout:    time.Second,
	})
	return r, registry, sink
}

func intent() *exchange.OrderIntent {
	return &exchange.OrderIntent{
		Exchange:      "mock",
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		Quantity:      0.1,
		ClientOrderID: "client-1",
	}
}

func TestSubmitConfirmed(t *testing.T) {
	adapter := &exchange.MockAdapter{
		PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
			return &exchange.Order{OrderID: "ord-1", Status: exchange.StatusFilled}, nil
		},
	}
	r, _, sink := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, result.State)
	assert.Equal(t, "ord-1", result.Order.OrderID)
	assert.Equal(t, []events.Type{events.OrderSubmitted, events.OrderConfirmed}, sink.types())
}

func TestSubmitRejectedNoRetry(t *testing.T) {
	attempts := 0
	adapter := &exchange.MockAdapter{
		PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
			attempts++
			return nil, exchange.NewError(exchange.KindRejected, "mock", "place_order", "insufficient balance", nil)
		},
	}
	r, _, sink := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.Error(t, err)
	assert.Equal(t, StateRejected, result.State)
	assert.Equal(t, 1, attempts, "rejections must never retry")
	assert.Contains(t, sink.types(), events.OrderRejected)
}

func TestSubmitRetriesUnreachable(t *testing.T) {
	attempts := 0
	adapter := &exchange.MockAdapter{
		PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
			attempts++
			if attempts < 3 {
				return nil, exchange.NewError(exchange.KindUnreachable, "mock", "place_order", "connection refused", nil)
			}
			return &exchange.Order{OrderID: "ord-1", Status: exchange.StatusAccepted}, nil
		},
	}
	r, _, _ := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, result.State)
	assert.Equal(t, 3, attempts)
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	attempts := 0
	adapter := &exchange.MockAdapter{
		PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
			attempts++
			return nil, exchange.NewError(exchange.KindUnreachable, "mock", "place_order", "connection refused", nil)
		},
	}
	r, _, sink := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.Error(t, err)
	assert.Equal(t, StateRejected, result.State)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, sink.types(), events.OrderRejected)
}

func TestSubmitAuthFailureHaltsExchange(t *testing.T) {
	adapter := &exchange.MockAdapter{
		PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
			return nil, exchange.NewError(exchange.KindAuth, "mock", "place_order", "bad key", nil)
		},
	}
	r, registry, sink := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.Error(t, err)
	assert.Equal(t, StateRejected, result.State)
	assert.True(t, registry.Halted("mock"), "auth failure must halt the exchange")
	assert.Contains(t, sink.types(), events.ExchangeHalted)

	// Further submissions are refused until credentials are reset.
	result, err = r.Submit(context.Background(), intent(), "sig-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrAdapterUnavailable)
	assert.Equal(t, StateRejected, result.State)
}

func TestSubmitTimeoutWithoutLookupIsUnknown(t *testing.T) {
	attempts := 0
	adapter := &exchange.MockAdapter{
		PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
			attempts++
			return nil, exchange.NewError(exchange.KindTimeout, "mock", "place_order", "deadline exceeded", nil)
		},
	}
	r, _, sink := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.Error(t, err)
	assert.Equal(t, StateUnknown, result.State)
	assert.Equal(t, 1, attempts, "an unprovable timeout must never be retried")
	assert.Contains(t, sink.types(), events.OrderUnknown)
}

func TestSubmitTimeoutProvenNotArrivedRetries(t *testing.T) {
	attempts := 0
	adapter := &exchange.MockLookupAdapter{
		MockAdapter: exchange.MockAdapter{
			PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
				attempts++
				if attempts == 1 {
					return nil, exchange.NewError(exchange.KindTimeout, "mock", "place_order", "deadline exceeded", nil)
				}
				return &exchange.Order{OrderID: "ord-2", Status: exchange.StatusAccepted}, nil
			},
		},
		FindOrderByClientIDFn: func(ctx context.Context, symbol, clientOrderID string) (*exchange.Order, error) {
			return nil, exchange.ErrOrderNotFound
		},
	}
	r, _, _ := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, result.State)
	assert.Equal(t, 2, attempts)
}

func TestSubmitTimeoutFoundOrderConfirmsWithoutResubmit(t *testing.T) {
	attempts := 0
	adapter := &exchange.MockLookupAdapter{
		MockAdapter: exchange.MockAdapter{
			PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
				attempts++
				return nil, exchange.NewError(exchange.KindTimeout, "mock", "place_order", "deadline exceeded", nil)
			},
		},
		FindOrderByClientIDFn: func(ctx context.Context, symbol, clientOrderID string) (*exchange.Order, error) {
			return &exchange.Order{OrderID: "ord-live", ClientOrderID: clientOrderID, Status: exchange.StatusAccepted}, nil
		},
	}
	r, _, _ := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, result.State)
	assert.Equal(t, "ord-live", result.Order.OrderID)
	assert.Equal(t, 1, attempts, "the live order must be adopted, not resubmitted")
}

func TestSubmitUnknownExchange(t *testing.T) {
	r, _, _ := testRouter(t, &exchange.MockAdapter{})

	in := intent()
	in.Exchange = "nope"
	result, err := r.Submit(context.Background(), in, "sig-1")
	require.Error(t, err)
	assert.Equal(t, StateRejected, result.State)
}

func TestSubmitExchangeReportsRejectedOrder(t *testing.T) {
	adapter := &exchange.MockAdapter{
		PlaceOrderFn: func(ctx context.Context, in *exchange.OrderIntent) (*exchange.Order, error) {
			return &exchange.Order{OrderID: "ord-1", Status: exchange.StatusRejected}, nil
		},
	}
	r, _, _ := testRouter(t, adapter)

	result, err := r.Submit(context.Background(), intent(), "sig-1")
	require.Error(t, err)
	assert.Equal(t, StateRejected, result.State)
	assert.Equal(t, err, result.Err)
}
