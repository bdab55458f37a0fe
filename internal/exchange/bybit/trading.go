package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// OrderStatus represents the status of an order on Bybit.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// Order represents a trading order as Bybit reports it.
type Order struct {
	OrderID     string      `json:"orderId"`
	OrderLinkID string      `json:"orderLinkId"`
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	OrderType   OrderType   `json:"orderType"`
	Qty         string      `json:"qty"`
	Price       string      `json:"price"`
	OrderStatus OrderStatus `json:"orderStatus"`
	CumExecQty  string      `json:"cumExecQty"`
	AvgPrice    string      `json:"avgPrice"`
	TakeProfit  string      `json:"takeProfit"`
	StopLoss    string      `json:"stopLoss"`
	CreatedTime time.Time   `json:"createdTime"`
	UpdatedTime time.Time   `json:"updatedTime"`
}

// PlaceOrderParams holds parameters for placing an order.
type PlaceOrderParams struct {
	Symbol      string
	Side        OrderSide
	OrderType   OrderType
	Qty         string
	Price       string // required for limit orders
	OrderLinkID string // client-assigned id, idempotent per account
	TakeProfit  string
	StopLoss    string
	ReduceOnly  bool
}

// PlaceOrder places a new order.
func (c *Client) PlaceOrder(ctx context.Context, params PlaceOrderParams) (*Order, error) {
	if params.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if params.Side == "" {
		return nil, fmt.Errorf("side is required")
	}
	if params.OrderType == "" {
		return nil, fmt.Errorf("orderType is required")
	}
	if params.Qty == "" {
		return nil, fmt.Errorf("qty is required")
	}
	if params.OrderType == OrderTypeLimit && params.Price == "" {
		return nil, fmt.Errorf("price is required for limit orders")
	}

	apiParams := map[string]interface{}{
		"category":  c.category,
		"symbol":    params.Symbol,
		"side":      string(params.Side),
		"orderType": string(params.OrderType),
		"qty":       params.Qty,
	}
	if params.Price != "" {
		apiParams["price"] = params.Price
		apiParams["timeInForce"] = "GTC"
	}
	if params.OrderLinkID != "" {
		apiParams["orderLinkId"] = params.OrderLinkID
	}
	if params.TakeProfit != "" {
		apiParams["takeProfit"] = params.TakeProfit
	}
	if params.StopLoss != "" {
		apiParams["stopLoss"] = params.StopLoss
	}
	if params.ReduceOnly {
		apiParams["reduceOnly"] = params.ReduceOnly
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(apiParams).PlaceOrder(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	order, err := c.parseOrderResponse(result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	return order, nil
}

// CancelOrder cancels an existing order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if _, err := unwrapResult("cancel_order", result); err != nil {
		return err
	}
	return nil
}

// GetOrder retrieves an order by exchange id or by client-assigned link id.
// Exactly one of orderID and orderLinkID must be set. Open orders are
// checked first, then history.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID, orderLinkID string) (*Order, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}
	if orderID != "" {
		params["orderId"] = orderID
	} else if orderLinkID != "" {
		params["orderLinkId"] = orderLinkID
	} else {
		return nil, fmt.Errorf("orderId or orderLinkId is required")
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	orders, err := c.parseOrdersResponse("get_open_orders", result)
	if err != nil {
		return nil, err
	}
	if order := matchOrder(orders, orderID, orderLinkID); order != nil {
		return order, nil
	}

	result, err = c.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}
	orders, err = c.parseOrdersResponse("get_order_history", result)
	if err != nil {
		return nil, err
	}
	if order := matchOrder(orders, orderID, orderLinkID); order != nil {
		return order, nil
	}

	return nil, newAPIError("get_order", ErrCodeOrderNotFound, "order not found")
}

func matchOrder(orders []Order, orderID, orderLinkID string) *Order {
	for i := range orders {
		if orderID != "" && orders[i].OrderID == orderID {
			return &orders[i]
		}
		if orderLinkID != "" && orders[i].OrderLinkID == orderLinkID {
			return &orders[i]
		}
	}
	return nil
}

// PositionInfo represents a derivatives position.
type PositionInfo struct {
	Symbol        string
	Side          string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealisedPnl float64
	TakeProfit    float64
	StopLoss      float64
	UpdatedTime   time.Time
}

// GetPosition retrieves the position for a symbol. A flat book returns a
// zero-size position, not an error.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*PositionInfo, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	resultBytes, err := unwrapResult("get_positions", result)
	if err != nil {
		return nil, err
	}

	var positionResult struct {
		Category string `json:"category"`
		List     []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			TakeProfit    string `json:"takeProfit"`
			StopLoss      string `json:"stopLoss"`
			UpdatedTime   string `json:"updatedTime"`
		} `json:"list"`
	}

	if err := json.Unmarshal(resultBytes, &positionResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position result: %w", err)
	}

	for _, pos := range positionResult.List {
		if pos.Symbol != symbol {
			continue
		}
		return &PositionInfo{
			Symbol:        pos.Symbol,
			Side:          pos.Side,
			Size:          parseFloat64(pos.Size),
			EntryPrice:    parseFloat64(pos.AvgPrice),
			MarkPrice:     parseFloat64(pos.MarkPrice),
			UnrealisedPnl: parseFloat64(pos.UnrealisedPnl),
			TakeProfit:    parseFloat64(pos.TakeProfit),
			StopLoss:      parseFloat64(pos.StopLoss),
			UpdatedTime:   parseTimestamp(pos.UpdatedTime),
		}, nil
	}

	return &PositionInfo{Symbol: symbol}, nil
}

// GetWalletBalance retrieves the unified account balance for a coin.
func (c *Client) GetWalletBalance(ctx context.Context, coin string) (float64, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
		"coin":        coin,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get account balance: %w", err)
	}

	resultBytes, err := unwrapResult("get_wallet_balance", result)
	if err != nil {
		return 0, err
	}

	var walletResult struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}

	if err := json.Unmarshal(resultBytes, &walletResult); err != nil {
		return 0, fmt.Errorf("failed to unmarshal wallet result: %w", err)
	}

	for _, account := range walletResult.List {
		for _, c := range account.Coin {
			if c.Coin == coin {
				return parseFloat64(c.WalletBalance), nil
			}
		}
	}

	return 0, fmt.Errorf("coin %s not found in account", coin)
}

// parseOrderResponse parses the order placement response. Placement returns
// only the ids; the remaining fields come from GetOrder.
func (c *Client) parseOrderResponse(response interface{}) (*Order, error) {
	resultBytes, err := unwrapResult("place_order", response)
	if err != nil {
		return nil, err
	}

	var orderResult struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}

	if err := json.Unmarshal(resultBytes, &orderResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order result: %w", err)
	}

	return &Order{
		OrderID:     orderResult.OrderID,
		OrderLinkID: orderResult.OrderLinkID,
		OrderStatus: OrderStatusNew,
		CreatedTime: time.Now(),
		UpdatedTime: time.Now(),
	}, nil
}

// parseOrdersResponse parses an order list response.
func (c *Client) parseOrdersResponse(op string, response interface{}) ([]Order, error) {
	resultBytes, err := unwrapResult(op, response)
	if err != nil {
		return nil, err
	}

	var orderListResult struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			TakeProfit  string `json:"takeProfit"`
			StopLoss    string `json:"stopLoss"`
			CreatedTime string `json:"createdTime"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
		NextPageCursor string `json:"nextPageCursor"`
		Category       string `json:"category"`
	}

	if err := json.Unmarshal(resultBytes, &orderListResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order list result: %w", err)
	}

	var orders []Order
	for _, orderData := range orderListResult.List {
		orders = append(orders, Order{
			OrderID:     orderData.OrderID,
			OrderLinkID: orderData.OrderLinkID,
			Symbol:      orderData.Symbol,
			Side:        OrderSide(orderData.Side),
			OrderType:   OrderType(orderData.OrderType),
			Qty:         orderData.Qty,
			Price:       orderData.Price,
			OrderStatus: OrderStatus(orderData.OrderStatus),
			CumExecQty:  orderData.CumExecQty,
			AvgPrice:    orderData.AvgPrice,
			TakeProfit:  orderData.TakeProfit,
			StopLoss:    orderData.StopLoss,
			CreatedTime: parseTimestamp(orderData.CreatedTime),
			UpdatedTime: parseTimestamp(orderData.UpdatedTime),
		})
	}

	return orders, nil
}
