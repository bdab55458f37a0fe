package exchange

import "time"

// Side represents the side of an order (string-based for API compatibility)
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing side for a position opened on this side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents different order types
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// PriceType selects which quote an adapter should return for a symbol.
type PriceType string

const (
	PriceLast PriceType = "last"
	PriceBid  PriceType = "bid"
	PriceAsk  PriceType = "ask"
	PriceHigh PriceType = "high"
	PriceLow  PriceType = "low"
	PriceVWAP PriceType = "vwap"
)

// OrderIntent is a fully sized, validated order ready for submission.
// The router owns an intent until the resulting order is confirmed.
type OrderIntent struct {
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`       // limit orders only
	StopLoss      float64   `json:"stop_loss,omitempty"`   // attached where supported
	TakeProfit    float64   `json:"take_profit,omitempty"` // attached where supported
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	ClientOrderID string    `json:"client_order_id"` // derived from the signal correlation id
}

// OrderStatus represents the status of an exchange order.
// StatusUnknown is a first-class outcome: the submission may or may not have
// reached the exchange and must be reconciled, never retried blindly.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusRejected        OrderStatus = "rejected"
	StatusCancelled       OrderStatus = "cancelled"
	StatusUnknown         OrderStatus = "unknown"
)

// Live reports whether the order is working or done on the exchange side,
// i.e. the submission definitely reached the exchange.
func (s OrderStatus) Live() bool {
	switch s {
	case StatusAccepted, StatusPartiallyFilled, StatusFilled:
		return true
	}
	return false
}

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Order represents order information returned by exchanges, reduced to the
// fields the engine acts on.
type Order struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Quantity      float64     `json:"quantity"`
	FilledQty     float64     `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Status        OrderStatus `json:"status"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// PositionState is the exchange-side view of an open position, used to
// reconcile unknown order and close outcomes against reality.
type PositionState struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

// Candle is a single OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}
