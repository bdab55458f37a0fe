package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/events"
	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/guard"
	"github.com/tradeflow-labs/signal-engine/internal/logger"
	"github.com/tradeflow-labs/signal-engine/internal/monitoring"
	"github.com/tradeflow-labs/signal-engine/internal/position"
	"github.com/tradeflow-labs/signal-engine/internal/risk"
	"github.com/tradeflow-labs/signal-engine/internal/router"
	"github.com/tradeflow-labs/signal-engine/internal/signal"
	"github.com/tradeflow-labs/signal-engine/internal/state"
)

// Config holds engine-level settings.
type Config struct {
	QuoteAsset        string        // asset equity is read in, default USDT
	ExecuteTimeout    time.Duration // deadline for one signal execution, default 1m
	ReconcileAttempts int           // consecutive flat book reads that prove a dead entry, default 3
	ReconcileDelay    time.Duration // delay between reconciliation passes, default 2s
}

// Engine drives the signal pipeline: normalize, dedup, claim the pair,
// size, route, then hand confirmed fills to the position supervisor. The
// pair stays claimed from entry submission until the position closes, so
// queued signals run strictly one at a time per pair.
type Engine struct {
	normalizer *signal.Normalizer
	guard      *guard.Guard
	registry   *exchange.Registry
	router     *router.Router
	supervisor *position.Supervisor
	sizer      *risk.Sizer
	vol        *risk.Calculator
	sink       events.Sink
	log        *logger.Logger
	config     Config

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires an engine together. sink and log may be nil.
func New(
	normalizer *signal.Normalizer,
	g *guard.Guard,
	registry *exchange.Registry,
	r *router.Router,
	supervisor *position.Supervisor,
	sizer *risk.Sizer,
	vol *risk.Calculator,
	sink events.Sink,
	log *logger.Logger,
	config Config,
) *Engine {
	if config.QuoteAsset == "" {
		config.QuoteAsset = "USDT"
	}
	if config.ExecuteTimeout <= 0 {
		config.ExecuteTimeout = time.Minute
	}
	if config.ReconcileAttempts <= 0 {
		config.ReconcileAttempts = 3
	}
	if config.ReconcileDelay <= 0 {
		config.ReconcileDelay = 2 * time.Second
	}
	if sink == nil {
		sink = events.NullSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		normalizer: normalizer,
		guard:      g,
		registry:   registry,
		router:     r,
		supervisor: supervisor,
		sizer:      sizer,
		vol:        vol,
		sink:       sink,
		log:        log,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
	}
	supervisor.OnClosed(e.onPositionClosed)
	return e
}

// HandleSignal runs the synchronous part of the pipeline: validation,
// deduplication and pair claiming. Execution continues on a background
// goroutine; the returned error reflects only intake decisions.
func (e *Engine) HandleSignal(raw *signal.RawSignal) error {
	sig, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.emitRaw(events.SignalRejected, raw, err.Error())
		return err
	}

	if err := e.guard.Remember(sig.CorrelationID); err != nil {
		e.emitSig(events.SignalDuplicate, sig, "already processed")
		e.logf("duplicate signal dropped: %s", sig.CorrelationID)
		return err
	}

	if !sig.Action.Entry() {
		return e.handleExit(sig)
	}

	acquired, err := e.guard.Acquire(sig.Exchange, sig.Symbol, sig)
	if err != nil {
		e.emitSig(events.SignalRejected, sig, err.Error())
		return err
	}
	if !acquired {
		e.emitSig(events.SignalQueued, sig, "")
		e.logf("signal queued behind busy pair %s/%s: %s", sig.Exchange, sig.Symbol, sig.CorrelationID)
		return nil
	}

	e.emitSig(events.SignalAccepted, sig, "")
	e.spawnExecute(sig)
	return nil
}

// handleExit routes exit and flatten actions straight to the supervisor.
// An exit with nothing open is a recorded no-op, not an error.
func (e *Engine) handleExit(sig *signal.Signal) error {
	reason := position.CloseSignalExit
	if sig.Action == signal.ActionFlatten {
		reason = position.CloseFlatten
	}

	err := e.supervisor.RequestClose(sig.Exchange, sig.Symbol, reason)
	if errors.Is(err, position.ErrNoPosition) {
		e.emitSig(events.SignalAccepted, sig, "no open position")
		e.logf("exit signal with no open position for %s/%s", sig.Exchange, sig.Symbol)
		return nil
	}
	if err != nil {
		e.emitSig(events.SignalRejected, sig, err.Error())
		return err
	}
	e.emitSig(events.SignalAccepted, sig, "")
	return nil
}

func (e *Engine) spawnExecute(sig *signal.Signal) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(sig)
	}()
}

// execute sizes and submits one entry signal. The pair claim is released
// only on a definitive failure; on success it is held until the position
// closes, and on shutdown it dies with the process rather than freeing the
// pair for a second entry.
func (e *Engine) execute(sig *signal.Signal) {
	ctx, cancel := context.WithTimeout(e.ctx, e.config.ExecuteTimeout)
	defer cancel()

	confirmed, err := e.tryExecute(ctx, sig)
	if err != nil {
		e.logError(fmt.Sprintf("execution failed for %s", sig.CorrelationID), err)
	}
	if !confirmed && e.ctx.Err() == nil {
		e.releasePair(sig.Exchange, sig.Symbol)
	}
}

func (e *Engine) tryExecute(ctx context.Context, sig *signal.Signal) (bool, error) {
	adapter, err := e.registry.Get(sig.Exchange)
	if err != nil {
		e.emitSig(events.SignalRejected, sig, err.Error())
		return false, err
	}

	if e.supervisor.HasOpen(sig.Exchange, sig.Symbol) {
		err := fmt.Errorf("position already open on %s/%s", sig.Exchange, sig.Symbol)
		e.emitSig(events.SignalRejected, sig, err.Error())
		return false, err
	}

	price, err := e.entryPrice(ctx, adapter, sig)
	if err != nil {
		e.emitSig(events.SignalRejected, sig, err.Error())
		return false, err
	}

	vol, err := e.vol.Annualized(ctx, adapter, sig.Exchange, sig.Symbol)
	if err != nil {
		e.emitSig(events.SignalRejected, sig, err.Error())
		monitoring.RecordError("insufficient_data")
		return false, err
	}
	monitoring.UpdateVolatility(sig.Exchange, sig.Symbol, vol)

	equity, err := adapter.GetBalance(ctx, e.config.QuoteAsset)
	if err != nil {
		e.emitSig(events.SignalRejected, sig, err.Error())
		return false, err
	}

	minQty, err := adapter.GetMinQuantity(ctx, sig.Symbol)
	if err != nil {
		e.emitSig(events.SignalRejected, sig, err.Error())
		return false, err
	}

	maxLev, err := adapter.GetMaxLeverage(ctx, sig.Symbol)
	if err != nil {
		// The configured leverage cap still applies on its own.
		e.logf("max leverage lookup failed for %s/%s: %v", sig.Exchange, sig.Symbol, err)
		maxLev = 0
	}

	sizing, err := e.sizer.Size(equity, price, vol, minQty, maxLev)
	if err != nil {
		e.emitSig(events.SignalRejected, sig, err.Error())
		if errors.Is(err, risk.ErrSizeTooSmall) {
			monitoring.RecordError("size_too_small")
		}
		return false, err
	}

	intent := e.sizer.BuildIntent(sig.Exchange, sig.Symbol, sig.Action.Side(), price, sizing)

	result, err := e.router.Submit(ctx, intent, sig.CorrelationID)
	switch result.State {
	case router.StateConfirmed:
		e.watch(sig, intent, sizing, result.Order, price)
		return true, nil
	case router.StateUnknown:
		return e.reconcileUnknown(adapter, sig, intent, sizing, price)
	default:
		return false, err
	}
}

// entryPrice fetches the last price, falling back to the signal's hint if
// the exchange cannot be read.
func (e *Engine) entryPrice(ctx context.Context, adapter exchange.Adapter, sig *signal.Signal) (float64, error) {
	price, err := adapter.GetPrice(ctx, sig.Symbol, exchange.PriceLast)
	if err == nil {
		return price, nil
	}
	if sig.PriceHint > 0 {
		e.logf("price fetch failed for %s/%s, using signal hint %.2f: %v",
			sig.Exchange, sig.Symbol, sig.PriceHint, err)
		return sig.PriceHint, nil
	}
	return 0, fmt.Errorf("no price available: %w", err)
}

// reconcileUnknown chases an unknown entry to a definitive answer. The loop
// runs on the engine context, not the execution deadline, and the pair stays
// claimed the whole time: an unresolved entry must never free the pair for a
// second one. Adapters that can look up client order ids are polled for the
// order; for the rest the live book decides, with a run of consecutive flat
// reads proving the entry never landed.
func (e *Engine) reconcileUnknown(adapter exchange.Adapter, sig *signal.Signal, intent *exchange.OrderIntent, sizing *risk.Sizing, price float64) (bool, error) {
	e.sink.Publish(events.Event{
		Type:          events.ReconcileStarted,
		Time:          time.Now(),
		Exchange:      sig.Exchange,
		Symbol:        sig.Symbol,
		CorrelationID: sig.CorrelationID,
		StrategyTag:   sig.StrategyTag,
	})

	lookup, canLookup := adapter.(exchange.ClientOrderLookup)
	flatReads := 0

	for {
		select {
		case <-e.ctx.Done():
			return false, e.ctx.Err()
		case <-time.After(e.config.ReconcileDelay):
		}

		ctx, cancel := context.WithTimeout(e.ctx, e.config.ExecuteTimeout)

		if canLookup {
			order, err := lookup.FindOrderByClientID(ctx, sig.Symbol, intent.ClientOrderID)
			cancel()
			switch {
			case errors.Is(err, exchange.ErrOrderNotFound):
				// Never reached the exchange; the signal is safely dead.
				e.emitSig(events.SignalRejected, sig, "submission never reached the exchange")
				return false, nil
			case err != nil:
				e.logf("reconciliation lookup failed for %s: %v", sig.CorrelationID, err)
			case order.Status.Live():
				e.watch(sig, intent, sizing, order, price)
				return true, nil
			case order.Status.Terminal():
				e.emitSig(events.SignalRejected, sig, fmt.Sprintf("order ended %s during reconciliation", order.Status))
				return false, nil
			}
			continue
		}

		live, err := adapter.GetPosition(ctx, sig.Symbol)
		cancel()
		if err != nil {
			e.logf("reconciliation book read failed for %s: %v", sig.CorrelationID, err)
			flatReads = 0
			continue
		}
		if live.Size > 0 {
			// The entry landed; adopt what the book shows.
			e.watch(sig, intent, sizing, &exchange.Order{
				ClientOrderID: intent.ClientOrderID,
				Symbol:        sig.Symbol,
				Side:          intent.Side,
				Quantity:      live.Size,
				AvgPrice:      live.EntryPrice,
				Status:        exchange.StatusFilled,
			}, price)
			return true, nil
		}
		flatReads++
		if flatReads >= e.config.ReconcileAttempts {
			e.emitSig(events.SignalRejected, sig, "no position appeared on the book")
			return false, nil
		}
	}
}

// watch hands a confirmed entry to the supervisor.
func (e *Engine) watch(sig *signal.Signal, intent *exchange.OrderIntent, sizing *risk.Sizing, order *exchange.Order, price float64) {
	entryPrice := order.AvgPrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	quantity := order.Quantity
	if quantity <= 0 {
		quantity = intent.Quantity
	}

	e.supervisor.Watch(&position.Position{
		Exchange:      sig.Exchange,
		Symbol:        sig.Symbol,
		Side:          intent.Side,
		Quantity:      quantity,
		EntryPrice:    entryPrice,
		StopLoss:      sizing.StopLoss,
		TakeProfit:    sizing.TakeProfit,
		OrderID:       order.OrderID,
		CorrelationID: sig.CorrelationID,
		OpenedAt:      time.Now(),
	})
	monitoring.SetOpenPositions(sig.Exchange, e.supervisor.OpenCount(sig.Exchange))
}

// onPositionClosed frees the pair and runs the next queued signal, if any.
func (e *Engine) onPositionClosed(pos *position.Position, reason position.CloseReason) {
	monitoring.SetOpenPositions(pos.Exchange, e.supervisor.OpenCount(pos.Exchange))
	e.releasePair(pos.Exchange, pos.Symbol)
}

func (e *Engine) releasePair(exchangeID, symbol string) {
	next := e.guard.Release(exchangeID, symbol)
	if next == nil {
		return
	}
	e.logf("running queued signal for %s/%s: %s", exchangeID, symbol, next.CorrelationID)
	e.emitSig(events.SignalAccepted, next, "dequeued")
	e.spawnExecute(next)
}

// PushTick forwards a streamed price to the supervisor and metrics.
func (e *Engine) PushTick(exchangeID, symbol string, price float64) {
	monitoring.UpdatePrice(exchangeID, symbol, price)
	e.supervisor.PushTick(exchangeID, symbol, price)
}

// SnapshotPositions returns the supervised positions in persistable form.
func (e *Engine) SnapshotPositions() []state.PositionRecord {
	positions := e.supervisor.Snapshot()
	records := make([]state.PositionRecord, len(positions))
	for i, pos := range positions {
		records[i] = state.PositionRecord{
			Exchange:      pos.Exchange,
			Symbol:        pos.Symbol,
			Side:          string(pos.Side),
			Quantity:      pos.Quantity,
			EntryPrice:    pos.EntryPrice,
			StopLoss:      pos.StopLoss,
			TakeProfit:    pos.TakeProfit,
			OrderID:       pos.OrderID,
			CorrelationID: pos.CorrelationID,
			OpenedAt:      pos.OpenedAt,
		}
	}
	return records
}

// Restore resumes supervision of positions from a state snapshot. The pair
// is claimed again so new entries queue or reject exactly as they would
// have before the restart.
func (e *Engine) Restore(snapshot *state.Snapshot) {
	for _, record := range snapshot.Positions {
		sig := &signal.Signal{
			Exchange:      record.Exchange,
			Symbol:        record.Symbol,
			CorrelationID: record.CorrelationID,
		}
		if acquired, err := e.guard.Acquire(record.Exchange, record.Symbol, sig); err != nil || !acquired {
			e.logf("could not reclaim pair %s/%s during restore", record.Exchange, record.Symbol)
			continue
		}
		e.supervisor.Watch(&position.Position{
			Exchange:      record.Exchange,
			Symbol:        record.Symbol,
			Side:          exchange.Side(record.Side),
			Quantity:      record.Quantity,
			EntryPrice:    record.EntryPrice,
			StopLoss:      record.StopLoss,
			TakeProfit:    record.TakeProfit,
			OrderID:       record.OrderID,
			CorrelationID: record.CorrelationID,
			OpenedAt:      record.OpenedAt,
		})
		e.logf("restored position %s/%s from snapshot", record.Exchange, record.Symbol)
	}
}

// Shutdown stops accepting work and waits for in-flight executions, then
// stops the supervisor. Open positions are left on the exchange.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
	e.supervisor.Shutdown()
}

func (e *Engine) emitSig(t events.Type, sig *signal.Signal, reason string) {
	e.sink.Publish(events.Event{
		Type:          t,
		Time:          time.Now(),
		Exchange:      sig.Exchange,
		Symbol:        sig.Symbol,
		CorrelationID: sig.CorrelationID,
		StrategyTag:   sig.StrategyTag,
		Reason:        reason,
	})
}

func (e *Engine) emitRaw(t events.Type, raw *signal.RawSignal, reason string) {
	event := events.Event{Type: t, Time: time.Now(), Reason: reason}
	if raw != nil {
		event.Exchange = raw.Exchange
		event.Symbol = raw.Symbol
		event.CorrelationID = raw.CorrelationID
	}
	e.sink.Publish(event)
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.log != nil {
		e.log.Signal(format, args...)
	}
}

func (e *Engine) logError(context string, err error) {
	if e.log != nil {
		e.log.LogError(context, err)
	}
}
