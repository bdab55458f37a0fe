package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/signal"
)

// ConflictPolicy decides what happens to a signal that arrives while the
// same (exchange, symbol) pair is still being executed.
type ConflictPolicy string

const (
	// PolicyReject drops the conflicting signal.
	PolicyReject ConflictPolicy = "reject"
	// PolicyQueue parks the conflicting signal until the pair frees up.
	PolicyQueue ConflictPolicy = "queue"
)

var (
	// ErrDuplicateSignal marks a correlation id seen within the dedup window.
	ErrDuplicateSignal = errors.New("duplicate signal")
	// ErrPairBusy marks a signal rejected because its pair is mid-execution.
	ErrPairBusy = errors.New("pair busy")
	// ErrQueueFull marks a signal that could not be parked.
	ErrQueueFull = errors.New("conflict queue full")
)

// Config holds the guard settings.
type Config struct {
	Policy     ConflictPolicy
	QueueDepth int           // per pair, default 4
	DedupTTL   time.Duration // default 5m
}

type pairState struct {
	busy  bool
	queue []*signal.Signal
}

// Guard provides correlation-id deduplication and per-pair mutual exclusion.
// All methods are safe for concurrent use.
type Guard struct {
	mu     sync.Mutex
	config Config
	seen   map[string]time.Time
	pairs  map[pairKey]*pairState

	lastPrune time.Time
	now       func() time.Time
}

type pairKey struct {
	exchange string
	symbol   string
}

// New creates a guard. Zero config fields get defaults.
func New(config Config) *Guard {
	if config.Policy == "" {
		config.Policy = PolicyReject
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 4
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = 5 * time.Minute
	}
	return &Guard{
		config: config,
		seen:   make(map[string]time.Time),
		pairs:  make(map[pairKey]*pairState),
		now:    time.Now,
	}
}

// Remember records a correlation id, returning ErrDuplicateSignal when it
// was already seen within the dedup window. First caller wins.
func (g *Guard) Remember(correlationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)

	if at, ok := g.seen[correlationID]; ok && now.Sub(at) < g.config.DedupTTL {
		return ErrDuplicateSignal
	}
	g.seen[correlationID] = now
	return nil
}

// pruneLocked drops expired dedup entries. Runs at most once per TTL so the
// map stays bounded without a background goroutine.
func (g *Guard) pruneLocked(now time.Time) {
	if now.Sub(g.lastPrune) < g.config.DedupTTL {
		return
	}
	g.lastPrune = now
	for id, at := range g.seen {
		if now.Sub(at) >= g.config.DedupTTL {
			delete(g.seen, id)
		}
	}
}

// Acquire claims the (exchange, symbol) pair for the signal. It returns
// true when the caller may execute immediately. Under PolicyQueue a busy
// pair parks the signal and returns false with no error; under PolicyReject
// it returns ErrPairBusy.
func (g *Guard) Acquire(exchange, symbol string, sig *signal.Signal) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := pairKey{exchange, symbol}
	state, ok := g.pairs[key]
	if !ok {
		state = &pairState{}
		g.pairs[key] = state
	}

	if !state.busy {
		state.busy = true
		return true, nil
	}

	if g.config.Policy == PolicyReject {
		return false, ErrPairBusy
	}
	if len(state.queue) >= g.config.QueueDepth {
		return false, ErrQueueFull
	}
	state.queue = append(state.queue, sig)
	return false, nil
}

// Release frees the pair after execution finished. When signals are queued
// the pair stays claimed and the next signal is returned for the caller to
// execute; otherwise nil.
func (g *Guard) Release(exchange, symbol string) *signal.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := pairKey{exchange, symbol}
	state, ok := g.pairs[key]
	if !ok {
		return nil
	}

	if len(state.queue) > 0 {
		next := state.queue[0]
		state.queue = state.queue[1:]
		return next
	}

	delete(g.pairs, key)
	return nil
}

// Busy reports whether the pair is currently claimed.
func (g *Guard) Busy(exchange, symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.pairs[pairKey{exchange, symbol}]
	return ok && state.busy
}

// QueuedCount returns how many signals are parked for the pair.
func (g *Guard) QueuedCount(exchange, symbol string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.pairs[pairKey{exchange, symbol}]
	if !ok {
		return 0
	}
	return len(state.queue)
}
