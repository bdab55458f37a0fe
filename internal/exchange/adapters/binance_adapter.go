package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/exchange"
)

// Binance API error codes.
const (
	binanceCodeInvalidAPIKey  = -2014
	binanceCodeRejectedAPIKey = -2015
	binanceCodeUnknownOrder   = -2013
	binanceCodeInvalidTs      = -1021
)

// BinanceAdapter implements exchange.Adapter against the Binance USDT-M
// futures REST API. Stop loss and take profit are not attached to the entry
// order; the position supervisor enforces exits client-side.
type BinanceAdapter struct {
	apiKey  string
	secret  string
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	minQty map[string]float64
	maxLev map[string]float64
}

// NewBinanceAdapter creates a Binance futures adapter.
func NewBinanceAdapter(apiKey, secret string, testnet bool) *BinanceAdapter {
	baseURL := "https://fapi.binance.com"
	if testnet {
		baseURL = "https://testnet.binancefuture.com"
	}

	return &BinanceAdapter{
		apiKey:  apiKey,
		secret:  secret,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		minQty: make(map[string]float64),
		maxLev: make(map[string]float64),
	}
}

func (b *BinanceAdapter) Name() string { return "binance" }

func (b *BinanceAdapter) GetPrice(ctx context.Context, symbol string, priceType exchange.PriceType) (float64, error) {
	if priceType == exchange.PriceBid || priceType == exchange.PriceAsk {
		return b.getBookPrice(ctx, symbol, priceType)
	}

	var tickerData struct {
		Symbol           string `json:"symbol"`
		LastPrice        string `json:"lastPrice"`
		HighPrice        string `json:"highPrice"`
		LowPrice         string `json:"lowPrice"`
		WeightedAvgPrice string `json:"weightedAvgPrice"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", params, false, &tickerData); err != nil {
		return 0, b.wrapError("get_price", err)
	}

	var price float64
	switch priceType {
	case exchange.PriceHigh:
		price = parseQty(tickerData.HighPrice)
	case exchange.PriceLow:
		price = parseQty(tickerData.LowPrice)
	case exchange.PriceVWAP:
		price = parseQty(tickerData.WeightedAvgPrice)
	default:
		price = parseQty(tickerData.LastPrice)
	}
	if price <= 0 {
		return 0, exchange.NewError(exchange.KindRejected, b.Name(), "get_price",
			"no "+string(priceType)+" price for "+symbol, nil)
	}
	return price, nil
}

func (b *BinanceAdapter) getBookPrice(ctx context.Context, symbol string, priceType exchange.PriceType) (float64, error) {
	var bookData struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false, &bookData); err != nil {
		return 0, b.wrapError("get_price", err)
	}

	price := parseQty(bookData.BidPrice)
	if priceType == exchange.PriceAsk {
		price = parseQty(bookData.AskPrice)
	}
	if price <= 0 {
		return 0, exchange.NewError(exchange.KindRejected, b.Name(), "get_price",
			"no "+string(priceType)+" price for "+symbol, nil)
	}
	return price, nil
}

func (b *BinanceAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	if limit <= 0 {
		limit = 200
	}
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}

	var klinesData [][]interface{}
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &klinesData); err != nil {
		return nil, b.wrapError("get_klines", err)
	}

	candles := make([]exchange.Candle, 0, len(klinesData))
	// Binance kline format: [openTime, open, high, low, close, volume, ...]
	for _, kline := range klinesData {
		if len(kline) < 6 {
			continue
		}
		openTime, ok := kline[0].(float64)
		if !ok {
			continue
		}
		candles = append(candles, exchange.Candle{
			Timestamp: time.UnixMilli(int64(openTime)),
			Open:      parseField(kline[1]),
			High:      parseField(kline[2]),
			Low:       parseField(kline[3]),
			Close:     parseField(kline[4]),
			Volume:    parseField(kline[5]),
		})
	}
	return candles, nil
}

func (b *BinanceAdapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	var balances []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, true, &balances); err != nil {
		return 0, b.wrapError("get_balance", err)
	}

	for _, bal := range balances {
		if bal.Asset == asset {
			return parseQty(bal.Balance), nil
		}
	}
	return 0, nil
}

func (b *BinanceAdapter) GetPosition(ctx context.Context, symbol string) (*exchange.PositionState, error) {
	var positions []struct {
		Symbol     string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice string `json:"entryPrice"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &positions); err != nil {
		return nil, b.wrapError("get_position", err)
	}

	state := &exchange.PositionState{Symbol: symbol}
	for _, pos := range positions {
		if pos.Symbol != symbol {
			continue
		}
		amt := parseQty(pos.PositionAmt)
		if amt == 0 {
			continue
		}
		state.EntryPrice = parseQty(pos.EntryPrice)
		if amt > 0 {
			state.Side = exchange.SideBuy
			state.Size = amt
		} else {
			state.Side = exchange.SideSell
			state.Size = -amt
		}
		break
	}
	return state, nil
}

func (b *BinanceAdapter) PlaceOrder(ctx context.Context, intent *exchange.OrderIntent) (*exchange.Order, error) {
	params := url.Values{
		"symbol":   {intent.Symbol},
		"side":     {strings.ToUpper(string(intent.Side))},
		"type":     {strings.ToUpper(string(intent.Type))},
		"quantity": {formatQty(intent.Quantity)},
	}
	if intent.Type == exchange.OrderTypeLimit {
		params.Set("price", formatQty(intent.Price))
		params.Set("timeInForce", "GTC")
	}
	if intent.ClientOrderID != "" {
		params.Set("newClientOrderId", intent.ClientOrderID)
	}
	if intent.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var orderData binanceOrder
	if err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true, &orderData); err != nil {
		return nil, b.wrapError("place_order", err)
	}
	return b.convertOrder(&orderData), nil
}

func (b *BinanceAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {orderID},
	}
	var orderData binanceOrder
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true, &orderData); err != nil {
		return nil, b.wrapError("get_order_status", err)
	}
	return b.convertOrder(&orderData), nil
}

// FindOrderByClientID implements exchange.ClientOrderLookup via
// origClientOrderId.
func (b *BinanceAdapter) FindOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*exchange.Order, error) {
	params := url.Values{
		"symbol":            {symbol},
		"origClientOrderId": {clientOrderID},
	}
	var orderData binanceOrder
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true, &orderData); err != nil {
		return nil, b.wrapError("find_order", err)
	}
	return b.convertOrder(&orderData), nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {orderID},
	}
	var orderData binanceOrder
	if err := b.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true, &orderData); err != nil {
		return b.wrapError("cancel_order", err)
	}
	return nil
}

func (b *BinanceAdapter) GetMinQuantity(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	cached, ok := b.minQty[symbol]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false, &info); err != nil {
		return 0, b.wrapError("get_min_quantity", err)
	}

	for _, sym := range info.Symbols {
		if sym.Symbol != symbol {
			continue
		}
		for _, f := range sym.Filters {
			if f.FilterType == "LOT_SIZE" {
				min := parseQty(f.MinQty)
				b.mu.Lock()
				b.minQty[symbol] = min
				b.mu.Unlock()
				return min, nil
			}
		}
	}
	return 0, exchange.NewError(exchange.KindRejected, b.Name(), "get_min_quantity",
		"symbol "+symbol+" not found", nil)
}

func (b *BinanceAdapter) GetMaxLeverage(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	cached, ok := b.maxLev[symbol]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	var brackets []struct {
		Symbol   string `json:"symbol"`
		Brackets []struct {
			InitialLeverage float64 `json:"initialLeverage"`
		} `json:"brackets"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/leverageBracket", params, true, &brackets); err != nil {
		return 0, b.wrapError("get_max_leverage", err)
	}

	for _, entry := range brackets {
		if entry.Symbol != symbol || len(entry.Brackets) == 0 {
			continue
		}
		max := entry.Brackets[0].InitialLeverage
		b.mu.Lock()
		b.maxLev[symbol] = max
		b.mu.Unlock()
		return max, nil
	}
	return 0, exchange.NewError(exchange.KindRejected, b.Name(), "get_max_leverage",
		"symbol "+symbol+" not found", nil)
}

type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (b *BinanceAdapter) convertOrder(o *binanceOrder) *exchange.Order {
	order := &exchange.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Quantity:      parseQty(o.OrigQty),
		FilledQty:     parseQty(o.ExecutedQty),
		AvgPrice:      parseQty(o.AvgPrice),
		SubmittedAt:   time.UnixMilli(o.Time),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
	switch o.Side {
	case "BUY":
		order.Side = exchange.SideBuy
	case "SELL":
		order.Side = exchange.SideSell
	}
	switch o.Status {
	case "NEW":
		order.Status = exchange.StatusAccepted
	case "PARTIALLY_FILLED":
		order.Status = exchange.StatusPartiallyFilled
	case "FILLED":
		order.Status = exchange.StatusFilled
	case "CANCELED", "EXPIRED":
		order.Status = exchange.StatusCancelled
	case "REJECTED":
		order.Status = exchange.StatusRejected
	default:
		order.Status = exchange.StatusUnknown
	}
	return order
}

// binanceAPIError is the error body Binance returns with non-2xx statuses.
type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *binanceAPIError) Error() string {
	return fmt.Sprintf("Binance API error %d: %s", e.Code, e.Msg)
}

// doRequest performs a REST call, signing it when required, and decodes the
// JSON response into out.
func (b *BinanceAdapter) doRequest(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		params.Set("signature", b.sign(params.Encode()))
	}

	reqURL := b.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr binanceAPIError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
			return &apiErr
		}
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// sign computes the HMAC SHA256 signature over the query string.
func (b *BinanceAdapter) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// wrapError converts Binance failures into the uniform error taxonomy.
func (b *BinanceAdapter) wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*binanceAPIError); ok {
		switch apiErr.Code {
		case binanceCodeUnknownOrder:
			return exchange.ErrOrderNotFound
		case binanceCodeInvalidAPIKey, binanceCodeRejectedAPIKey, binanceCodeInvalidTs:
			return exchange.NewError(exchange.KindAuth, b.Name(), op, "authentication failed", err)
		}
		return exchange.NewError(exchange.KindRejected, b.Name(), op, apiErr.Msg, err)
	}
	return exchange.NewError(exchange.KindOf(err), b.Name(), op, "", err)
}

func parseField(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	return parseQty(s)
}
