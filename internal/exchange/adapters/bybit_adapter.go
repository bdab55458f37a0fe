package adapters

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/exchange/bybit"
)

// BybitAdapter implements exchange.Adapter on top of the Bybit v5 API.
type BybitAdapter struct {
	client *bybit.Client

	mu     sync.Mutex
	limits map[string]*bybit.InstrumentLimits
}

// NewBybitAdapter creates a Bybit adapter.
func NewBybitAdapter(config bybit.Config) *BybitAdapter {
	return &BybitAdapter{
		client: bybit.NewClient(config),
		limits: make(map[string]*bybit.InstrumentLimits),
	}
}

func (a *BybitAdapter) Name() string { return "bybit" }

func (a *BybitAdapter) GetPrice(ctx context.Context, symbol string, priceType exchange.PriceType) (float64, error) {
	ticker, err := a.client.GetTicker(ctx, symbol)
	if err != nil {
		return 0, a.wrapError("get_price", err)
	}

	var price float64
	switch priceType {
	case exchange.PriceBid:
		price = ticker.BidPrice
	case exchange.PriceAsk:
		price = ticker.AskPrice
	case exchange.PriceHigh:
		price = ticker.HighPrice
	case exchange.PriceLow:
		price = ticker.LowPrice
	case exchange.PriceVWAP:
		price = ticker.VWAP24h
	default:
		price = ticker.LastPrice
	}
	if price <= 0 {
		return 0, exchange.NewError(exchange.KindRejected, a.Name(), "get_price",
			"no "+string(priceType)+" price for "+symbol, nil)
	}
	return price, nil
}

func (a *BybitAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	klines, err := a.client.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, a.wrapError("get_klines", err)
	}

	candles := make([]exchange.Candle, len(klines))
	for i, k := range klines {
		candles[i] = exchange.Candle{
			Timestamp: k.StartTime,
			Open:      k.OpenPrice,
			High:      k.HighPrice,
			Low:       k.LowPrice,
			Close:     k.ClosePrice,
			Volume:    k.Volume,
		}
	}
	return candles, nil
}

func (a *BybitAdapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	balance, err := a.client.GetWalletBalance(ctx, asset)
	if err != nil {
		return 0, a.wrapError("get_balance", err)
	}
	return balance, nil
}

func (a *BybitAdapter) GetPosition(ctx context.Context, symbol string) (*exchange.PositionState, error) {
	pos, err := a.client.GetPosition(ctx, symbol)
	if err != nil {
		return nil, a.wrapError("get_position", err)
	}

	state := &exchange.PositionState{
		Symbol:     pos.Symbol,
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice,
	}
	switch pos.Side {
	case "Buy":
		state.Side = exchange.SideBuy
	case "Sell":
		state.Side = exchange.SideSell
	}
	return state, nil
}

func (a *BybitAdapter) PlaceOrder(ctx context.Context, intent *exchange.OrderIntent) (*exchange.Order, error) {
	params := bybit.PlaceOrderParams{
		Symbol:      intent.Symbol,
		Side:        bybit.OrderSide(intent.Side),
		OrderType:   bybit.OrderType(intent.Type),
		Qty:         formatQty(intent.Quantity),
		OrderLinkID: intent.ClientOrderID,
		ReduceOnly:  intent.ReduceOnly,
	}
	if intent.Type == exchange.OrderTypeLimit {
		params.Price = formatQty(intent.Price)
	}
	if intent.StopLoss > 0 {
		params.StopLoss = formatQty(intent.StopLoss)
	}
	if intent.TakeProfit > 0 {
		params.TakeProfit = formatQty(intent.TakeProfit)
	}

	order, err := a.client.PlaceOrder(ctx, params)
	if err != nil {
		return nil, a.wrapError("place_order", err)
	}
	return a.convertOrder(intent.Symbol, order), nil
}

func (a *BybitAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	order, err := a.client.GetOrder(ctx, symbol, orderID, "")
	if err != nil {
		return nil, a.wrapError("get_order_status", err)
	}
	return a.convertOrder(symbol, order), nil
}

// FindOrderByClientID implements exchange.ClientOrderLookup via orderLinkId.
func (a *BybitAdapter) FindOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*exchange.Order, error) {
	order, err := a.client.GetOrder(ctx, symbol, "", clientOrderID)
	if err != nil {
		return nil, a.wrapError("find_order", err)
	}
	return a.convertOrder(symbol, order), nil
}

func (a *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := a.client.CancelOrder(ctx, symbol, orderID); err != nil {
		return a.wrapError("cancel_order", err)
	}
	return nil
}

func (a *BybitAdapter) GetMinQuantity(ctx context.Context, symbol string) (float64, error) {
	limits, err := a.instrumentLimits(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return limits.MinOrderQty, nil
}

func (a *BybitAdapter) GetMaxLeverage(ctx context.Context, symbol string) (float64, error) {
	limits, err := a.instrumentLimits(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return limits.MaxLeverage, nil
}

// instrumentLimits caches instrument constraints per symbol. They change
// rarely enough that a process-lifetime cache is fine.
func (a *BybitAdapter) instrumentLimits(ctx context.Context, symbol string) (*bybit.InstrumentLimits, error) {
	a.mu.Lock()
	cached, ok := a.limits[symbol]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	limits, err := a.client.GetInstrumentLimits(ctx, symbol)
	if err != nil {
		return nil, a.wrapError("get_instrument_limits", err)
	}

	a.mu.Lock()
	a.limits[symbol] = limits
	a.mu.Unlock()
	return limits, nil
}

// convertOrder maps a Bybit order onto the uniform order model.
func (a *BybitAdapter) convertOrder(symbol string, o *bybit.Order) *exchange.Order {
	order := &exchange.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        symbol,
		Side:          exchange.Side(o.Side),
		Quantity:      parseQty(o.Qty),
		FilledQty:     parseQty(o.CumExecQty),
		AvgPrice:      parseQty(o.AvgPrice),
		SubmittedAt:   o.CreatedTime,
		UpdatedAt:     o.UpdatedTime,
	}
	switch o.OrderStatus {
	case bybit.OrderStatusNew:
		order.Status = exchange.StatusAccepted
	case bybit.OrderStatusPartiallyFilled:
		order.Status = exchange.StatusPartiallyFilled
	case bybit.OrderStatusFilled:
		order.Status = exchange.StatusFilled
	case bybit.OrderStatusCancelled:
		order.Status = exchange.StatusCancelled
	case bybit.OrderStatusRejected:
		order.Status = exchange.StatusRejected
	default:
		order.Status = exchange.StatusUnknown
	}
	return order
}

// wrapError converts Bybit failures into the uniform error taxonomy.
func (a *BybitAdapter) wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if bybit.IsOrderNotFoundError(err) {
		return exchange.ErrOrderNotFound
	}
	if bybit.IsAuthenticationError(err) {
		return exchange.NewError(exchange.KindAuth, a.Name(), op, "authentication failed", err)
	}
	var apiErr *bybit.APIError
	if errors.As(err, &apiErr) {
		return exchange.NewError(exchange.KindRejected, a.Name(), op, apiErr.Message, err)
	}
	return exchange.NewError(exchange.KindOf(err), a.Name(), op, "", err)
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseQty(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
