package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PaperAdapter simulates an exchange in memory. It fills market orders
// immediately at the current price and is used for dry runs and tests.
type PaperAdapter struct {
	mu sync.Mutex

	name     string
	balances map[string]float64
	prices   map[string]float64
	candles  map[string][]Candle
	orders   map[string]*Order
	byClient map[string]string // client order id -> order id
	position map[string]*PositionState
	minQty   map[string]float64
	seq      int
}

// NewPaperAdapter creates a paper adapter with the given quote balance.
func NewPaperAdapter(name, quoteAsset string, balance float64) *PaperAdapter {
	return &PaperAdapter{
		name:     name,
		balances: map[string]float64{quoteAsset: balance},
		prices:   make(map[string]float64),
		candles:  make(map[string][]Candle),
		orders:   make(map[string]*Order),
		byClient: make(map[string]string),
		position: make(map[string]*PositionState),
		minQty:   make(map[string]float64),
	}
}

func (p *PaperAdapter) Name() string { return p.name }

// SetPrice updates the simulated market price for a symbol.
func (p *PaperAdapter) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetCandles seeds the kline history returned for a symbol.
func (p *PaperAdapter) SetCandles(symbol string, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol] = candles
}

// SetMinQuantity sets the minimum order quantity for a symbol.
func (p *PaperAdapter) SetMinQuantity(symbol string, qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minQty[symbol] = qty
}

func (p *PaperAdapter) GetPrice(ctx context.Context, symbol string, priceType PriceType) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, NewError(KindRejected, p.name, "get_price", fmt.Sprintf("no price for %s", symbol), nil)
	}
	// Paper trading has no book: every price type collapses to last.
	return price, nil
}

func (p *PaperAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candles := p.candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (p *PaperAdapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

func (p *PaperAdapter) GetPosition(ctx context.Context, symbol string) (*PositionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.position[symbol]
	if !ok {
		return &PositionState{Symbol: symbol}, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *PaperAdapter) PlaceOrder(ctx context.Context, intent *OrderIntent) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price := intent.Price
	if intent.Type == OrderTypeMarket {
		var ok bool
		price, ok = p.prices[intent.Symbol]
		if !ok {
			return nil, NewError(KindRejected, p.name, "place_order",
				fmt.Sprintf("no price for %s", intent.Symbol), nil)
		}
	}
	if intent.Quantity <= 0 {
		return nil, NewError(KindRejected, p.name, "place_order", "quantity must be positive", nil)
	}
	if min := p.minQty[intent.Symbol]; min > 0 && intent.Quantity < min {
		return nil, NewError(KindRejected, p.name, "place_order",
			fmt.Sprintf("quantity %v below minimum %v", intent.Quantity, min), nil)
	}

	p.seq++
	now := time.Now()
	order := &Order{
		OrderID:       fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		FilledQty:     intent.Quantity,
		AvgPrice:      price,
		Status:        StatusFilled,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	p.orders[order.OrderID] = order
	if intent.ClientOrderID != "" {
		p.byClient[intent.ClientOrderID] = order.OrderID
	}
	p.applyFill(intent, price)
	return order, nil
}

// applyFill updates the simulated position book. Reduce-only orders shrink
// the position; entries replace it.
func (p *PaperAdapter) applyFill(intent *OrderIntent, price float64) {
	if intent.ReduceOnly {
		pos, ok := p.position[intent.Symbol]
		if !ok {
			return
		}
		pos.Size -= intent.Quantity
		if pos.Size <= 0 {
			delete(p.position, intent.Symbol)
		}
		return
	}
	p.position[intent.Symbol] = &PositionState{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Size:       intent.Quantity,
		EntryPrice: price,
	}
}

func (p *PaperAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Status.Terminal() {
		return NewError(KindRejected, p.name, "cancel_order", "order already terminal", nil)
	}
	order.Status = StatusCancelled
	order.UpdatedAt = time.Now()
	return nil
}

func (p *PaperAdapter) GetMinQuantity(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minQty[symbol], nil
}

func (p *PaperAdapter) GetMaxLeverage(ctx context.Context, symbol string) (float64, error) {
	return 1, nil
}

// FindOrderByClientID implements ClientOrderLookup.
func (p *PaperAdapter) FindOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byClient[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *p.orders[id]
	return &cp, nil
}
