package exchange

import "context"

// MockAdapter is a scripted adapter for tests. Every capability can be
// overridden with a function field; unset capabilities return zero values.
type MockAdapter struct {
	NameValue string

	GetPriceFn       func(ctx context.Context, symbol string, priceType PriceType) (float64, error)
	GetKlinesFn      func(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetBalanceFn     func(ctx context.Context, asset string) (float64, error)
	GetPositionFn    func(ctx context.Context, symbol string) (*PositionState, error)
	PlaceOrderFn     func(ctx context.Context, intent *OrderIntent) (*Order, error)
	GetOrderStatusFn func(ctx context.Context, symbol, orderID string) (*Order, error)
	CancelOrderFn    func(ctx context.Context, symbol, orderID string) error
	GetMinQuantityFn func(ctx context.Context, symbol string) (float64, error)
	GetMaxLeverageFn func(ctx context.Context, symbol string) (float64, error)
}

func (m *MockAdapter) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

func (m *MockAdapter) GetPrice(ctx context.Context, symbol string, priceType PriceType) (float64, error) {
	if m.GetPriceFn != nil {
		return m.GetPriceFn(ctx, symbol, priceType)
	}
	return 0, nil
}

func (m *MockAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if m.GetKlinesFn != nil {
		return m.GetKlinesFn(ctx, symbol, interval, limit)
	}
	return nil, nil
}

func (m *MockAdapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	if m.GetBalanceFn != nil {
		return m.GetBalanceFn(ctx, asset)
	}
	return 0, nil
}

func (m *MockAdapter) GetPosition(ctx context.Context, symbol string) (*PositionState, error) {
	if m.GetPositionFn != nil {
		return m.GetPositionFn(ctx, symbol)
	}
	return &PositionState{Symbol: symbol}, nil
}

func (m *MockAdapter) PlaceOrder(ctx context.Context, intent *OrderIntent) (*Order, error) {
	if m.PlaceOrderFn != nil {
		return m.PlaceOrderFn(ctx, intent)
	}
	return nil, ErrOrderNotFound
}

func (m *MockAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error) {
	if m.GetOrderStatusFn != nil {
		return m.GetOrderStatusFn(ctx, symbol, orderID)
	}
	return nil, ErrOrderNotFound
}

func (m *MockAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if m.CancelOrderFn != nil {
		return m.CancelOrderFn(ctx, symbol, orderID)
	}
	return nil
}

func (m *MockAdapter) GetMinQuantity(ctx context.Context, symbol string) (float64, error) {
	if m.GetMinQuantityFn != nil {
		return m.GetMinQuantityFn(ctx, symbol)
	}
	return 0, nil
}

func (m *MockAdapter) GetMaxLeverage(ctx context.Context, symbol string) (float64, error) {
	if m.GetMaxLeverageFn != nil {
		return m.GetMaxLeverageFn(ctx, symbol)
	}
	return 1, nil
}

// MockLookupAdapter extends MockAdapter with the ClientOrderLookup
// capability.
type MockLookupAdapter struct {
	MockAdapter
	FindOrderByClientIDFn func(ctx context.Context, symbol, clientOrderID string) (*Order, error)
}

func (m *MockLookupAdapter) FindOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	if m.FindOrderByClientIDFn != nil {
		return m.FindOrderByClientIDFn(ctx, symbol, clientOrderID)
	}
	return nil, ErrOrderNotFound
}
