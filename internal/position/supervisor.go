package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tradeflow-labs/signal-engine/internal/events"
	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/logger"
	"github.com/tradeflow-labs/signal-engine/internal/router"
)

// ErrNoPosition is returned when a close is requested for a pair with no
// supervised position.
var ErrNoPosition = errors.New("no supervised position")

// Submitter is the slice of the router the supervisor needs for closes.
type Submitter interface {
	Submit(ctx context.Context, intent *exchange.OrderIntent, correlationID string) (*router.Result, error)
}

// Config holds the supervisor settings.
type Config struct {
	PollInterval      time.Duration // price poll fallback, default 5s
	CloseTimeout      time.Duration // deadline per close submission, default 30s
	ReconcileInterval time.Duration // delay between unresolved-close retries, default 10s
}

// Supervisor watches open positions and closes them when price crosses the
// stop or target, or when an exit signal arrives. Stops and targets are
// enforced client-side so they work the same on every exchange.
type Supervisor struct {
	registry *exchange.Registry
	submit   Submitter
	sink     events.Sink
	log      *logger.Logger
	config   Config

	mu       sync.Mutex
	watchers map[pairKey]*watcher

	onClosed func(pos *Position, reason CloseReason)
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type pairKey struct {
	exchange string
	symbol   string
}

type watcher struct {
	pos     *Position
	ticks   chan float64
	closeCh chan CloseReason
}

// NewSupervisor creates a supervisor. sink and log may be nil.
func NewSupervisor(registry *exchange.Registry, submit Submitter, sink events.Sink, log *logger.Logger, config Config) *Supervisor {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = 30 * time.Second
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = 10 * time.Second
	}
	if sink == nil {
		sink = events.NullSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry: registry,
		submit:   submit,
		sink:     sink,
		log:      log,
		config:   config,
		watchers: make(map[pairKey]*watcher),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnClosed registers a callback invoked after a position reaches a terminal
// state. Must be set before the first Watch.
func (s *Supervisor) OnClosed(fn func(pos *Position, reason CloseReason)) {
	s.onClosed = fn
}

// Watch starts supervising a position. One position per (exchange, symbol)
// pair; a second Watch for the same pair is ignored.
func (s *Supervisor) Watch(pos *Position) {
	key := pairKey{pos.Exchange, pos.Symbol}

	s.mu.Lock()
	if _, exists := s.watchers[key]; exists {
		s.mu.Unlock()
		return
	}
	pos.Status = StatusOpen
	w := &watcher{
		pos:     pos,
		ticks:   make(chan float64, 1),
		closeCh: make(chan CloseReason, 1),
	}
	s.watchers[key] = w
	s.mu.Unlock()

	s.emit(events.PositionOpened, pos, "", pos.EntryPrice)
	s.logf("supervising %s %s %s qty=%.8f entry=%.2f stop=%.2f target=%.2f",
		pos.Exchange, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.StopLoss, pos.TakeProfit)

	s.wg.Add(1)
	go s.run(w)
}

// PushTick feeds a streamed price to the pair's watcher. Only the newest
// tick is kept; a pending stale one is replaced.
func (s *Supervisor) PushTick(exchangeID, symbol string, price float64) {
	s.mu.Lock()
	w, ok := s.watchers[pairKey{exchangeID, symbol}]
	s.mu.Unlock()
	if !ok {
		return
	}
	for {
		select {
		case w.ticks <- price:
			return
		default:
			select {
			case <-w.ticks:
			default:
			}
		}
	}
}

// RequestClose asks the watcher to close its position.
func (s *Supervisor) RequestClose(exchangeID, symbol string, reason CloseReason) error {
	s.mu.Lock()
	w, ok := s.watchers[pairKey{exchangeID, symbol}]
	s.mu.Unlock()
	if !ok {
		return ErrNoPosition
	}
	select {
	case w.closeCh <- reason:
	default:
		// A close is already pending.
	}
	return nil
}

// HasOpen reports whether the pair has a supervised position.
func (s *Supervisor) HasOpen(exchangeID, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchers[pairKey{exchangeID, symbol}]
	return ok
}

// OpenCount returns the number of supervised positions for an exchange.
func (s *Supervisor) OpenCount(exchangeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.watchers {
		if key.exchange == exchangeID {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all supervised positions.
func (s *Supervisor) Snapshot() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, *w.pos)
	}
	return out
}

// Shutdown stops all watchers without closing positions and waits for them
// to exit. Positions stay open on the exchange and are restored from the
// state snapshot on restart.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) run(w *watcher) {
	defer s.wg.Done()

	poll := time.NewTicker(s.config.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case price := <-w.ticks:
			if s.evaluate(w, price) {
				return
			}

		case <-poll.C:
			price, err := s.fetchPrice(w.pos)
			if err != nil {
				s.logf("price poll failed for %s %s: %v", w.pos.Exchange, w.pos.Symbol, err)
				continue
			}
			if s.evaluate(w, price) {
				return
			}

		case reason := <-w.closeCh:
			s.close(w, reason)
			return
		}
	}
}

// evaluate checks exit levels against a fresh price. Returns true when the
// watcher is done.
func (s *Supervisor) evaluate(w *watcher, price float64) bool {
	w.pos.LastPrice = price

	switch {
	case w.pos.stopHit(price):
		s.close(w, CloseStopLoss)
		return true
	case w.pos.targetHit(price):
		s.close(w, CloseTakeProfit)
		return true
	}
	return false
}

func (s *Supervisor) fetchPrice(pos *Position) (float64, error) {
	adapter, err := s.registry.Get(pos.Exchange)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.config.PollInterval)
	defer cancel()
	return adapter.GetPrice(ctx, pos.Symbol, exchange.PriceLast)
}

// close submits a reduce-only market order for the full position. When the
// outcome is not a confirmed fill, the watcher stays registered and the
// close is reconciled against the live book until it resolves: the pair
// claim must never be released while the position may still be live.
func (s *Supervisor) close(w *watcher, reason CloseReason) {
	pos := w.pos
	pos.Status = StatusClosing

	if s.submitClose(pos) || s.bookFlat(pos) {
		pos.Status = closeStatus(reason)
		s.finish(w, reason)
		return
	}

	pos.Status = StatusUnknownClose
	s.emit(events.OrderUnknown, pos, string(reason), pos.LastPrice)
	s.logf("close outcome UNKNOWN for %s %s; reconciling against the book", pos.Exchange, pos.Symbol)
	s.reconcile(w, reason)
}

// submitClose places one reduce-only market close for the full position.
// True means the router confirmed the fill.
func (s *Supervisor) submitClose(pos *Position) bool {
	intent := &exchange.OrderIntent{
		Exchange:      pos.Exchange,
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          exchange.OrderTypeMarket,
		Quantity:      pos.Quantity,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.CloseTimeout)
	defer cancel()

	result, err := s.submit.Submit(ctx, intent, pos.CorrelationID)
	if err != nil || result == nil || result.State != router.StateConfirmed {
		s.logf("close submission unconfirmed for %s %s: %v", pos.Exchange, pos.Symbol, err)
		return false
	}
	return true
}

// bookFlat reads the live position; true means the exchange shows nothing
// left open, i.e. the close went through.
func (s *Supervisor) bookFlat(pos *Position) bool {
	adapter, err := s.registry.Get(pos.Exchange)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.CloseTimeout)
	defer cancel()

	live, err := adapter.GetPosition(ctx, pos.Symbol)
	return err == nil && live.Size == 0
}

// reconcile chases an unresolved close to a definitive answer. Each pass
// reads the book first: flat means done; anything still open gets a fresh
// reduce-only close, which can only shrink exposure. On shutdown the
// position stays supervised and is restored from the snapshot on restart.
func (s *Supervisor) reconcile(w *watcher, reason CloseReason) {
	pos := w.pos
	retry := time.NewTicker(s.config.ReconcileInterval)
	defer retry.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-retry.C:
		}

		if s.bookFlat(pos) || s.submitClose(pos) {
			pos.Status = closeStatus(reason)
			s.finish(w, reason)
			return
		}
		s.logf("close still unresolved for %s %s; retrying", pos.Exchange, pos.Symbol)
	}
}

// finish removes the watcher and reports the terminal state. Only a
// resolved close reaches here.
func (s *Supervisor) finish(w *watcher, reason CloseReason) {
	pos := w.pos

	s.mu.Lock()
	delete(s.watchers, pairKey{pos.Exchange, pos.Symbol})
	s.mu.Unlock()

	s.emit(events.PositionClosed, pos, string(reason), pos.LastPrice)
	if s.log != nil {
		s.log.LogPositionClosed(pos.Exchange, pos.Symbol, string(reason), pos.EntryPrice, pos.LastPrice)
	}

	if s.onClosed != nil {
		s.onClosed(pos, reason)
	}
}

func (s *Supervisor) emit(t events.Type, pos *Position, reason string, price float64) {
	s.sink.Publish(events.Event{
		Type:          t,
		Time:          time.Now(),
		Exchange:      pos.Exchange,
		Symbol:        pos.Symbol,
		CorrelationID: pos.CorrelationID,
		OrderID:       pos.OrderID,
		Side:          string(pos.Side),
		Quantity:      pos.Quantity,
		Price:         price,
		Reason:        reason,
	})
}

func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Status(format, args...)
	}
}
