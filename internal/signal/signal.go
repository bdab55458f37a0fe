package signal

import (
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/exchange"
)

// Action is the normalized instruction a signal carries.
type Action string

const (
	ActionEnterLong  Action = "enter_long"
	ActionEnterShort Action = "enter_short"
	ActionExit       Action = "exit"
	ActionFlatten    Action = "flatten"
)

// Entry reports whether the action opens a position.
func (a Action) Entry() bool {
	return a == ActionEnterLong || a == ActionEnterShort
}

// Side returns the order side for an entry action.
func (a Action) Side() exchange.Side {
	if a == ActionEnterShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// RawSignal is the wire payload as external systems send it. Every field is
// untrusted until the normalizer has seen it. Time accepts RFC 3339 or a
// unix timestamp, the two formats TradingView alert templates produce.
type RawSignal struct {
	Exchange      string  `json:"exchange"`
	Symbol        string  `json:"symbol"`
	Action        string  `json:"action"`
	PriceHint     float64 `json:"price,omitempty"`
	Time          string  `json:"time,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	StrategyTag   string  `json:"strategy_tag,omitempty"`
	Secret        string  `json:"secret,omitempty"`
}

// Signal is a validated, normalized signal ready for execution.
type Signal struct {
	Exchange      string
	Symbol        string
	Action        Action
	PriceHint     float64 // optional, 0 when absent
	Time          time.Time
	CorrelationID string
	StrategyTag   string // optional, names the emitting strategy
	ReceivedAt    time.Time
}
