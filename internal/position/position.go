package position

import (
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/exchange"
)

// Status tracks a supervised position through its lifecycle.
type Status string

const (
	StatusOpen           Status = "open"
	StatusClosing        Status = "closing"
	StatusClosed         Status = "closed"
	StatusClosedByStop   Status = "closed_by_stop"
	StatusClosedByTarget Status = "closed_by_target"
	StatusUnknownClose   Status = "unknown_close"
)

// CloseReason names what triggered a close.
type CloseReason string

const (
	CloseSignalExit CloseReason = "signal_exit"
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseFlatten    CloseReason = "flatten"
)

// Position is a filled entry the supervisor watches until it exits.
type Position struct {
	Exchange      string
	Symbol        string
	Side          exchange.Side
	Quantity      float64
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	OrderID       string
	CorrelationID string
	OpenedAt      time.Time

	Status    Status
	LastPrice float64
}

// stopHit reports whether price crossed the stop level.
func (p *Position) stopHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Side == exchange.SideBuy {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// targetHit reports whether price crossed the take-profit level.
func (p *Position) targetHit(price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Side == exchange.SideBuy {
		return price >= p.TakeProfit
	}
	return price <= p.TakeProfit
}

// closeStatus maps a close reason onto the terminal status.
func closeStatus(reason CloseReason) Status {
	switch reason {
	case CloseStopLoss:
		return StatusClosedByStop
	case CloseTakeProfit:
		return StatusClosedByTarget
	default:
		return StatusClosed
	}
}
