package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/router"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	intents []*exchange.OrderIntent
	results []*router.Result // consumed in order, then result applies
	result  *router.Result
	err     error
}

func (f *fakeSubmitter) Submit(ctx context.Context, intent *exchange.OrderIntent, correlationID string) (*router.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	if len(f.results) > 0 {
		result := f.results[0]
		f.results = f.results[1:]
		return result, f.err
	}
	if f.result != nil {
		return f.result, f.err
	}
	return &router.Result{
		State: router.StateConfirmed,
		Order: &exchange.Order{OrderID: "close-1", Status: exchange.StatusFilled},
	}, nil
}

func (f *fakeSubmitter) lastIntent() *exchange.OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.intents) == 0 {
		return nil
	}
	return f.intents[len(f.intents)-1]
}

func (f *fakeSubmitter) submitted() []*exchange.OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*exchange.OrderIntent, len(f.intents))
	copy(out, f.intents)
	return out
}

func testSupervisor(t *testing.T, adapter exchange.Adapter, submit Submitter) (*Supervisor, chan *Position) {
	t.Helper()
	registry := exchange.NewRegistry()
	registry.Register("mock", adapter)

	s := NewSupervisor(registry, submit, nil, nil, Config{
		PollInterval:      time.Hour, // tests drive prices through PushTick
		CloseTimeout:      time.Second,
		ReconcileInterval: 10 * time.Millisecond,
	})
	closed := make(chan *Position, 1)
	s.OnClosed(func(pos *Position, reason CloseReason) {
		closed <- pos
	})
	t.Cleanup(s.Shutdown)
	return s, closed
}

func longPosition() *Position {
	return &Position{
		Exchange:      "mock",
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Quantity:      0.1,
		EntryPrice:    50000,
		StopLoss:      49000,
		TakeProfit:    52000,
		OrderID:       "ord-1",
		CorrelationID: "sig-1",
		OpenedAt:      time.Now(),
	}
}

func waitClosed(t *testing.T, closed chan *Position) *Position {
	t.Helper()
	select {
	case pos := <-closed:
		return pos
	case <-time.After(2 * time.Second):
		t.Fatal("position was not closed in time")
		return nil
	}
}

func TestStopLossClosesLong(t *testing.T) {
	submit := &fakeSubmitter{}
	s, closed := testSupervisor(t, &exchange.MockAdapter{}, submit)

	s.Watch(longPosition())
	if !s.HasOpen("mock", "BTCUSDT") {
		t.Fatal("position not supervised after Watch")
	}

	// Above the stop: nothing happens.
	s.PushTick("mock", "BTCUSDT", 49500)
	// Crossing the stop triggers the close.
	s.PushTick("mock", "BTCUSDT", 48900)

	pos := waitClosed(t, closed)
	if pos.Status != StatusClosedByStop {
		t.Fatalf("expected closed_by_stop, got %s", pos.Status)
	}
	if s.HasOpen("mock", "BTCUSDT") {
		t.Error("pair still supervised after close")
	}

	intent := submit.lastIntent()
	if intent == nil {
		t.Fatal("no close order submitted")
	}
	if intent.Side != exchange.SideSell || !intent.ReduceOnly {
		t.Errorf("close must be a reduce-only sell, got side=%s reduceOnly=%v", intent.Side, intent.ReduceOnly)
	}
	if intent.Quantity != 0.1 {
		t.Errorf("close quantity %v, want full position 0.1", intent.Quantity)
	}
}

func TestTakeProfitClosesShort(t *testing.T) {
	submit := &fakeSubmitter{}
	s, closed := testSupervisor(t, &exchange.MockAdapter{}, submit)

	pos := longPosition()
	pos.Side = exchange.SideSell
	pos.StopLoss = 51000
	pos.TakeProfit = 48000
	s.Watch(pos)

	s.PushTick("mock", "BTCUSDT", 47900)

	done := waitClosed(t, closed)
	if done.Status != StatusClosedByTarget {
		t.Fatalf("expected closed_by_target, got %s", done.Status)
	}
	if intent := submit.lastIntent(); intent.Side != exchange.SideBuy {
		t.Errorf("short close must buy back, got %s", intent.Side)
	}
}

func TestRequestCloseSignalExit(t *testing.T) {
	submit := &fakeSubmitter{}
	s, closed := testSupervisor(t, &exchange.MockAdapter{}, submit)

	s.Watch(longPosition())
	if err := s.RequestClose("mock", "BTCUSDT", CloseSignalExit); err != nil {
		t.Fatalf("request close failed: %v", err)
	}

	pos := waitClosed(t, closed)
	if pos.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", pos.Status)
	}
}

func TestRequestCloseWithoutPosition(t *testing.T) {
	s, _ := testSupervisor(t, &exchange.MockAdapter{}, &fakeSubmitter{})

	err := s.RequestClose("mock", "BTCUSDT", CloseSignalExit)
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestUnknownCloseReconciledAgainstBook(t *testing.T) {
	submit := &fakeSubmitter{
		result: &router.Result{State: router.StateUnknown, Err: errors.New("timeout")},
		err:    errors.New("timeout"),
	}
	// The book says the position is gone, so the close did execute.
	adapter := &exchange.MockAdapter{
		GetPositionFn: func(ctx context.Context, symbol string) (*exchange.PositionState, error) {
			return &exchange.PositionState{Symbol: symbol}, nil
		},
	}
	s, closed := testSupervisor(t, adapter, submit)

	s.Watch(longPosition())
	s.PushTick("mock", "BTCUSDT", 48000)

	pos := waitClosed(t, closed)
	if pos.Status != StatusClosedByStop {
		t.Fatalf("flat book must resolve to closed_by_stop, got %s", pos.Status)
	}
}

func TestUnresolvedCloseStaysSupervised(t *testing.T) {
	submit := &fakeSubmitter{
		result: &router.Result{State: router.StateUnknown, Err: errors.New("timeout")},
		err:    errors.New("timeout"),
	}
	// The book keeps showing the full position: the close never lands.
	adapter := &exchange.MockAdapter{
		GetPositionFn: func(ctx context.Context, symbol string) (*exchange.PositionState, error) {
			return &exchange.PositionState{Symbol: symbol, Side: exchange.SideBuy, Size: 0.1}, nil
		},
	}
	s, closed := testSupervisor(t, adapter, submit)

	s.Watch(longPosition())
	s.PushTick("mock", "BTCUSDT", 48000)

	// Let several reconcile passes run.
	time.Sleep(100 * time.Millisecond)

	if !s.HasOpen("mock", "BTCUSDT") {
		t.Fatal("pair must stay supervised while the close is unresolved")
	}
	select {
	case pos := <-closed:
		t.Fatalf("unresolved close must not report a terminal state, got %s", pos.Status)
	default:
	}

	intents := submit.submitted()
	if len(intents) < 2 {
		t.Fatalf("expected repeated close attempts, got %d", len(intents))
	}
	for i, intent := range intents {
		if !intent.ReduceOnly {
			t.Errorf("close attempt %d must be reduce-only", i)
		}
	}
}

func TestUnresolvedCloseRetriesUntilConfirmed(t *testing.T) {
	submit := &fakeSubmitter{
		results: []*router.Result{
			{State: router.StateUnknown, Err: errors.New("timeout")},
		},
	}
	adapter := &exchange.MockAdapter{
		GetPositionFn: func(ctx context.Context, symbol string) (*exchange.PositionState, error) {
			return &exchange.PositionState{Symbol: symbol, Side: exchange.SideBuy, Size: 0.1}, nil
		},
	}
	s, closed := testSupervisor(t, adapter, submit)

	s.Watch(longPosition())
	s.PushTick("mock", "BTCUSDT", 48000)

	pos := waitClosed(t, closed)
	if pos.Status != StatusClosedByStop {
		t.Fatalf("retried close must resolve to closed_by_stop, got %s", pos.Status)
	}
	if s.HasOpen("mock", "BTCUSDT") {
		t.Error("pair still supervised after the retry confirmed")
	}
	if len(submit.submitted()) < 2 {
		t.Errorf("expected the close to be resubmitted, got %d attempts", len(submit.submitted()))
	}
}

func TestTickForUnwatchedPairIsIgnored(t *testing.T) {
	s, _ := testSupervisor(t, &exchange.MockAdapter{}, &fakeSubmitter{})

	// Must not panic or block.
	s.PushTick("mock", "ETHUSDT", 3000)
}

func TestSnapshotCopiesPositions(t *testing.T) {
	s, _ := testSupervisor(t, &exchange.MockAdapter{}, &fakeSubmitter{})

	s.Watch(longPosition())
	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 position in snapshot, got %d", len(snap))
	}
	if snap[0].Symbol != "BTCUSDT" || snap[0].StopLoss != 49000 {
		t.Errorf("snapshot fields wrong: %+v", snap[0])
	}
	if s.OpenCount("mock") != 1 {
		t.Errorf("open count = %d, want 1", s.OpenCount("mock"))
	}
}
