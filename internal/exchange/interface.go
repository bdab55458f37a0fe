package exchange

import "context"

// Adapter is the uniform trading capability set implemented once per
// exchange. All calls carry a context; adapters must honor its deadline and
// surface failures as *Error so no exchange-specific vocabulary leaks upward.
type Adapter interface {
	Name() string

	// Market data
	GetPrice(ctx context.Context, symbol string, priceType PriceType) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// Account
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetPosition(ctx context.Context, symbol string) (*PositionState, error)

	// Trading
	PlaceOrder(ctx context.Context, intent *OrderIntent) (*Order, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// Constraints
	GetMinQuantity(ctx context.Context, symbol string) (float64, error)
	GetMaxLeverage(ctx context.Context, symbol string) (float64, error)
}

// ClientOrderLookup is an optional capability: adapters that can look an
// order up by the client-assigned id let the router prove that a timed-out
// submission never reached the exchange, which makes the retry safe. Without
// it a timeout resolves to StatusUnknown.
type ClientOrderLookup interface {
	FindOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*Order, error)
}
