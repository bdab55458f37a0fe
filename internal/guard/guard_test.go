package guard

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/signal"
)

func TestRememberDeduplicates(t *testing.T) {
	g := New(Config{DedupTTL: time.Minute})

	if err := g.Remember("sig-1"); err != nil {
		t.Fatalf("first delivery rejected: %v", err)
	}
	if err := g.Remember("sig-1"); !errors.Is(err, ErrDuplicateSignal) {
		t.Fatalf("expected ErrDuplicateSignal, got %v", err)
	}
	if err := g.Remember("sig-2"); err != nil {
		t.Fatalf("distinct id rejected: %v", err)
	}
}

func TestRememberExpiresAfterTTL(t *testing.T) {
	g := New(Config{DedupTTL: time.Minute})
	current := time.Now()
	g.now = func() time.Time { return current }

	if err := g.Remember("sig-1"); err != nil {
		t.Fatalf("first delivery rejected: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if err := g.Remember("sig-1"); err != nil {
		t.Fatalf("expired id should be accepted again: %v", err)
	}
}

func TestRememberConcurrentDuplicates(t *testing.T) {
	g := New(Config{DedupTTL: time.Minute})

	var accepted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Remember("burst") == nil {
				atomic.AddInt64(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("expected exactly 1 accepted delivery, got %d", accepted)
	}
}

func TestAcquireRejectPolicy(t *testing.T) {
	g := New(Config{Policy: PolicyReject})

	ok, err := g.Acquire("bybit", "BTCUSDT", nil)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	ok, err = g.Acquire("bybit", "BTCUSDT", nil)
	if ok || !errors.Is(err, ErrPairBusy) {
		t.Fatalf("expected ErrPairBusy, got ok=%v err=%v", ok, err)
	}

	// A different pair is unaffected.
	ok, err = g.Acquire("bybit", "ETHUSDT", nil)
	if err != nil || !ok {
		t.Fatalf("independent pair blocked: ok=%v err=%v", ok, err)
	}

	if next := g.Release("bybit", "BTCUSDT"); next != nil {
		t.Fatalf("reject policy should never queue, got %+v", next)
	}
	ok, err = g.Acquire("bybit", "BTCUSDT", nil)
	if err != nil || !ok {
		t.Fatalf("acquire after release failed: ok=%v err=%v", ok, err)
	}
}

func TestAcquireQueuePolicy(t *testing.T) {
	g := New(Config{Policy: PolicyQueue, QueueDepth: 2})

	ok, err := g.Acquire("bybit", "BTCUSDT", nil)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	first := &signal.Signal{CorrelationID: "queued-1"}
	second := &signal.Signal{CorrelationID: "queued-2"}
	for _, sig := range []*signal.Signal{first, second} {
		ok, err = g.Acquire("bybit", "BTCUSDT", sig)
		if ok || err != nil {
			t.Fatalf("expected queueing, got ok=%v err=%v", ok, err)
		}
	}

	ok, err = g.Acquire("bybit", "BTCUSDT", &signal.Signal{CorrelationID: "overflow"})
	if ok || !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got ok=%v err=%v", ok, err)
	}

	// Release hands out the queued signals in FIFO order, keeping the pair
	// claimed until the queue drains.
	if next := g.Release("bybit", "BTCUSDT"); next != first {
		t.Fatalf("expected first queued signal, got %+v", next)
	}
	if !g.Busy("bybit", "BTCUSDT") {
		t.Fatal("pair must stay claimed while queue drains")
	}
	if next := g.Release("bybit", "BTCUSDT"); next != second {
		t.Fatalf("expected second queued signal, got %+v", next)
	}
	if next := g.Release("bybit", "BTCUSDT"); next != nil {
		t.Fatalf("expected empty queue, got %+v", next)
	}
	if g.Busy("bybit", "BTCUSDT") {
		t.Fatal("pair must be free after final release")
	}
}
