package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow-labs/signal-engine/internal/events"
	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/guard"
	"github.com/tradeflow-labs/signal-engine/internal/position"
	"github.com/tradeflow-labs/signal-engine/internal/risk"
	"github.com/tradeflow-labs/signal-engine/internal/router"
	"github.com/tradeflow-labs/signal-engine/internal/safety"
	"github.com/tradeflow-labs/signal-engine/internal/signal"
	"github.com/tradeflow-labs/signal-engine/internal/state"
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

func (s *recordingSink) has(t events.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// recordingAdapter wraps the mock with thread-safe capture of placed intents.
// entryErr and closeErr fail entry and reduce-only placements respectively.
type recordingAdapter struct {
	exchange.MockAdapter
	mu       sync.Mutex
	intents  []*exchange.OrderIntent
	entryErr error
	closeErr error
}

func (a *recordingAdapter) PlaceOrder(ctx context.Context, intent *exchange.OrderIntent) (*exchange.Order, error) {
	a.mu.Lock()
	a.intents = append(a.intents, intent)
	entryErr, closeErr := a.entryErr, a.closeErr
	a.mu.Unlock()
	if intent.ReduceOnly && closeErr != nil {
		return nil, closeErr
	}
	if !intent.ReduceOnly && entryErr != nil {
		return nil, entryErr
	}
	return &exchange.Order{
		OrderID:       "ord-" + intent.ClientOrderID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		Status:        exchange.StatusFilled,
		AvgPrice:      50000,
	}, nil
}

func (a *recordingAdapter) placed() []*exchange.OrderIntent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*exchange.OrderIntent, len(a.intents))
	copy(out, a.intents)
	return out
}

// tradingAdapter is a healthy mock market: last price 50000, flat history,
// 10000 USDT of equity.
func tradingAdapter() *recordingAdapter {
	closes := make([]exchange.Candle, 30)
	for i := range closes {
		closes[i] = exchange.Candle{Close: 50000}
	}
	return &recordingAdapter{
		MockAdapter: exchange.MockAdapter{
			GetPriceFn: func(ctx context.Context, symbol string, priceType exchange.PriceType) (float64, error) {
				return 50000, nil
			},
			GetKlinesFn: func(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
				return closes, nil
			},
			GetBalanceFn: func(ctx context.Context, asset string) (float64, error) {
				return 10000, nil
			},
			GetMinQuantityFn: func(ctx context.Context, symbol string) (float64, error) {
				return 0.001, nil
			},
		},
	}
}

type testHarness struct {
	engine  *Engine
	guard   *guard.Guard
	sink    *recordingSink
	adapter *recordingAdapter
}

func newHarness(t *testing.T, adapter *recordingAdapter, guardConfig guard.Config) *testHarness {
	t.Helper()

	registry := exchange.NewRegistry()
	registry.Register("mock", adapter)

	g := guard.New(guardConfig)
	sink := &recordingSink{}
	protector := safety.NewProtector(safety.ProtectorConfig{
		RateCapacity:     1000,
		RatePerSecond:    1000,
		FailureThreshold: 100,
	})
	r := router.New(registry, protector, sink, nil, router.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		CallTimeout:    time.Second,
	})
	supervisor := position.NewSupervisor(registry, r, sink, nil, position.Config{
		PollInterval:      time.Hour, // tests drive ticks explicitly
		CloseTimeout:      time.Second,
		ReconcileInterval: 10 * time.Millisecond,
	})

	profile := risk.Profile{
		RiskPerTrade:        0.01,
		MaxPositionFraction: 1.0,
		MaxLeverage:         5,
		BaseStopFraction:    0.02,
		VolSensitivity:      0.5,
		RewardRatio:         2,
		LookbackWindow:      30,
	}
	vol := risk.NewCalculator("D", 30, 252, time.Minute)

	e := New(
		signal.NewNormalizer(nil, nil),
		g, registry, r, supervisor,
		risk.NewSizer(profile), vol,
		sink, nil,
		Config{ExecuteTimeout: 5 * time.Second, ReconcileDelay: 10 * time.Millisecond},
	)
	t.Cleanup(e.Shutdown)
	return &testHarness{engine: e, guard: g, sink: sink, adapter: adapter}
}

func entrySignal(correlationID string) *signal.RawSignal {
	return &signal.RawSignal{
		Exchange:      "mock",
		Symbol:        "BTCUSDT",
		Action:        "buy",
		CorrelationID: correlationID,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEntrySignalOpensPosition(t *testing.T) {
	h := newHarness(t, tradingAdapter(), guard.Config{})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))
	waitFor(t, "position to open", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})

	placed := h.adapter.placed()
	require.Len(t, placed, 1)
	assert.Equal(t, exchange.SideBuy, placed[0].Side)
	// 1% of 10000 equity at a 2% stop on 50000 is exactly 0.1.
	assert.InDelta(t, 0.1, placed[0].Quantity, 1e-9)
	assert.InDelta(t, 49000, placed[0].StopLoss, 1e-6)
	assert.InDelta(t, 52000, placed[0].TakeProfit, 1e-6)
	assert.True(t, h.sink.has(events.SignalAccepted))
	assert.True(t, h.sink.has(events.PositionOpened))
}

func TestInvalidSignalRejected(t *testing.T) {
	h := newHarness(t, tradingAdapter(), guard.Config{})

	err := h.engine.HandleSignal(&signal.RawSignal{
		Exchange: "mock", Symbol: "BTCUSDT", Action: "hodl",
	})
	require.ErrorIs(t, err, signal.ErrInvalidSignal)
	assert.True(t, h.sink.has(events.SignalRejected))
	assert.Empty(t, h.adapter.placed())
}

func TestDuplicateSignalDropped(t *testing.T) {
	h := newHarness(t, tradingAdapter(), guard.Config{})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))
	err := h.engine.HandleSignal(entrySignal("sig-1"))
	require.ErrorIs(t, err, guard.ErrDuplicateSignal)

	waitFor(t, "first signal to execute", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})
	assert.Len(t, h.adapter.placed(), 1, "the duplicate must never reach the exchange")
	assert.True(t, h.sink.has(events.SignalDuplicate))
}

func TestConflictingEntryRejected(t *testing.T) {
	h := newHarness(t, tradingAdapter(), guard.Config{Policy: guard.PolicyReject})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))
	waitFor(t, "position to open", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})

	err := h.engine.HandleSignal(entrySignal("sig-2"))
	require.ErrorIs(t, err, guard.ErrPairBusy)
	assert.Len(t, h.adapter.placed(), 1)
}

func TestExitWithoutPositionIsNoOp(t *testing.T) {
	h := newHarness(t, tradingAdapter(), guard.Config{})

	raw := entrySignal("sig-1")
	raw.Action = "exit"
	require.NoError(t, h.engine.HandleSignal(raw))
	assert.Empty(t, h.adapter.placed())
}

func TestExitClosesPositionAndFreesPair(t *testing.T) {
	h := newHarness(t, tradingAdapter(), guard.Config{})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))
	waitFor(t, "position to open", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})
	assert.True(t, h.guard.Busy("mock", "BTCUSDT"), "pair must stay claimed while the position is open")

	exit := entrySignal("sig-2")
	exit.Action = "exit"
	require.NoError(t, h.engine.HandleSignal(exit))

	waitFor(t, "position to close", func() bool {
		return !h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})
	waitFor(t, "pair to free", func() bool {
		return !h.guard.Busy("mock", "BTCUSDT")
	})

	placed := h.adapter.placed()
	require.Len(t, placed, 2)
	assert.True(t, placed[1].ReduceOnly, "the close must be reduce-only")
	assert.Equal(t, exchange.SideSell, placed[1].Side)
	assert.True(t, h.sink.has(events.PositionClosed))
}

func TestSizeTooSmallReleasesPair(t *testing.T) {
	adapter := tradingAdapter()
	adapter.GetMinQuantityFn = func(ctx context.Context, symbol string) (float64, error) {
		return 1.0, nil // far above the 0.1 the profile can afford
	}
	h := newHarness(t, adapter, guard.Config{})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))
	waitFor(t, "pair to free after rejection", func() bool {
		return !h.guard.Busy("mock", "BTCUSDT")
	})
	assert.Empty(t, h.adapter.placed())
	assert.True(t, h.sink.has(events.SignalRejected))
}

func TestQueuedSignalRunsAfterClose(t *testing.T) {
	h := newHarness(t, tradingAdapter(), guard.Config{Policy: guard.PolicyQueue})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))
	waitFor(t, "position to open", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})

	// Parked behind the open position.
	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-2")))
	assert.True(t, h.sink.has(events.SignalQueued))
	assert.Equal(t, 1, h.guard.QueuedCount("mock", "BTCUSDT"))

	exit := entrySignal("sig-3")
	exit.Action = "exit"
	require.NoError(t, h.engine.HandleSignal(exit))

	// The close frees the pair and the queued entry opens a fresh position.
	waitFor(t, "queued entry to execute", func() bool {
		return len(h.adapter.placed()) == 3
	})
	waitFor(t, "queued position to open", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})
	assert.Equal(t, 0, h.guard.QueuedCount("mock", "BTCUSDT"))
}

func TestPriceHintFallback(t *testing.T) {
	adapter := tradingAdapter()
	adapter.GetPriceFn = func(ctx context.Context, symbol string, priceType exchange.PriceType) (float64, error) {
		return 0, exchange.NewError(exchange.KindUnreachable, "mock", "get_price", "feed down", nil)
	}
	h := newHarness(t, adapter, guard.Config{})

	raw := entrySignal("sig-1")
	raw.PriceHint = 40000
	require.NoError(t, h.engine.HandleSignal(raw))

	waitFor(t, "position to open", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})
	placed := h.adapter.placed()
	require.Len(t, placed, 1)
	// Sized from the hint: a 2% stop on 40000.
	assert.InDelta(t, 39200, placed[0].StopLoss, 1e-6)
}

func TestUnresolvedCloseKeepsPairClaimed(t *testing.T) {
	adapter := tradingAdapter()
	adapter.closeErr = exchange.NewError(exchange.KindTimeout, "mock", "place_order", "no response", nil)
	adapter.GetPositionFn = func(ctx context.Context, symbol string) (*exchange.PositionState, error) {
		return &exchange.PositionState{Symbol: symbol, Side: exchange.SideBuy, Size: 0.1, EntryPrice: 50000}, nil
	}
	h := newHarness(t, adapter, guard.Config{Policy: guard.PolicyReject})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))
	waitFor(t, "position to open", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})

	exit := entrySignal("sig-2")
	exit.Action = "exit"
	require.NoError(t, h.engine.HandleSignal(exit))

	waitFor(t, "unknown close to be reported", func() bool {
		return h.sink.has(events.OrderUnknown)
	})

	// The book still shows the position, so nothing may be released.
	assert.True(t, h.engine.supervisor.HasOpen("mock", "BTCUSDT"),
		"position must stay supervised while the close is unresolved")
	assert.True(t, h.guard.Busy("mock", "BTCUSDT"),
		"pair must stay claimed while the close is unresolved")

	err := h.engine.HandleSignal(entrySignal("sig-3"))
	require.ErrorIs(t, err, guard.ErrPairBusy,
		"a fresh entry must not open a second position on top of an unresolved close")

	for i, intent := range h.adapter.placed()[1:] {
		assert.True(t, intent.ReduceOnly,
			"order %d after the entry must be reduce-only, never a new exposure", i+1)
	}
}

func TestUnknownEntryAdoptedFromBook(t *testing.T) {
	adapter := tradingAdapter()
	adapter.entryErr = exchange.NewError(exchange.KindTimeout, "mock", "place_order", "no response", nil)
	adapter.GetPositionFn = func(ctx context.Context, symbol string) (*exchange.PositionState, error) {
		return &exchange.PositionState{Symbol: symbol, Side: exchange.SideBuy, Size: 0.1, EntryPrice: 50000}, nil
	}
	h := newHarness(t, adapter, guard.Config{Policy: guard.PolicyReject})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))

	// The submission timed out but the book shows the fill; reconciliation
	// adopts it instead of giving up.
	waitFor(t, "entry to be adopted from the book", func() bool {
		return h.engine.supervisor.HasOpen("mock", "BTCUSDT")
	})
	assert.True(t, h.sink.has(events.ReconcileStarted))
	assert.True(t, h.guard.Busy("mock", "BTCUSDT"))

	err := h.engine.HandleSignal(entrySignal("sig-2"))
	require.ErrorIs(t, err, guard.ErrPairBusy)
	assert.Len(t, h.adapter.placed(), 1, "a timed-out entry must never be resubmitted blindly")
}

func TestUnknownEntryReleasedWhenBookStaysFlat(t *testing.T) {
	adapter := tradingAdapter()
	adapter.entryErr = exchange.NewError(exchange.KindTimeout, "mock", "place_order", "no response", nil)
	h := newHarness(t, adapter, guard.Config{Policy: guard.PolicyReject})

	require.NoError(t, h.engine.HandleSignal(entrySignal("sig-1")))

	// Repeated flat book reads prove the entry never landed; only then is
	// the pair freed.
	waitFor(t, "pair to free after flat book reads", func() bool {
		return !h.guard.Busy("mock", "BTCUSDT")
	})
	assert.False(t, h.engine.supervisor.HasOpen("mock", "BTCUSDT"))
	assert.True(t, h.sink.has(events.SignalRejected))
	assert.Len(t, h.adapter.placed(), 1)
}

func TestRestoreReclaimsPair(t *testing.T) {
	h := newHarness(t, tradingAdapter(), guard.Config{})

	h.engine.Restore(&state.Snapshot{
		Positions: []state.PositionRecord{{
			Exchange:      "mock",
			Symbol:        "BTCUSDT",
			Side:          string(exchange.SideBuy),
			Quantity:      0.1,
			EntryPrice:    50000,
			StopLoss:      49000,
			TakeProfit:    52000,
			OrderID:       "ord-old",
			CorrelationID: "sig-old",
			OpenedAt:      time.Now().Add(-time.Hour),
		}},
	})

	assert.True(t, h.engine.supervisor.HasOpen("mock", "BTCUSDT"))
	assert.True(t, h.guard.Busy("mock", "BTCUSDT"))

	err := h.engine.HandleSignal(entrySignal("sig-new"))
	require.ErrorIs(t, err, guard.ErrPairBusy)

	records := h.engine.SnapshotPositions()
	require.Len(t, records, 1)
	assert.Equal(t, "BTCUSDT", records[0].Symbol)
	assert.Equal(t, 49000.0, records[0].StopLoss)
}
