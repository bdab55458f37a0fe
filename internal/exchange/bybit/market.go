package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
)

// Kline represents a single candlestick.
type Kline struct {
	StartTime  time.Time
	OpenPrice  float64
	HighPrice  float64
	LowPrice   float64
	ClosePrice float64
	Volume     float64
	Turnover   float64
}

// Ticker holds the price fields the engine sizes from. VWAP24h is derived
// from 24h turnover over 24h volume.
type Ticker struct {
	Symbol     string
	LastPrice  float64
	BidPrice   float64
	AskPrice   float64
	HighPrice  float64
	LowPrice   float64
	VWAP24h    float64
	Volume24h  float64
	MarkPrice  float64
	IndexPrice float64
}

// InstrumentLimits holds the tradable constraints for a symbol.
type InstrumentLimits struct {
	Symbol      string
	MinOrderQty float64
	MaxOrderQty float64
	QtyStep     float64
	MaxLeverage float64
}

// GetTicker fetches the full ticker for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker: %w", err)
	}

	return c.parseTickerResponse(result)
}

// GetKlines fetches candlestick data for a symbol. Bybit returns candles
// newest first; the result here is oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"interval": interval,
		"limit":    limit,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines: %w", err)
	}

	return c.parseKlineResponse(result)
}

// GetInstrumentLimits fetches the order size and leverage constraints for a
// symbol.
func (c *Client) GetInstrumentLimits(ctx context.Context, symbol string) (*InstrumentLimits, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument info: %w", err)
	}

	return c.parseInstrumentResponse(result, symbol)
}

func (c *Client) parseTickerResponse(response interface{}) (*Ticker, error) {
	resultBytes, err := unwrapResult("get_ticker", response)
	if err != nil {
		return nil, err
	}

	var tickerResult struct {
		Category string `json:"category"`
		List     []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			Bid1Price    string `json:"bid1Price"`
			Ask1Price    string `json:"ask1Price"`
			HighPrice24h string `json:"highPrice24h"`
			LowPrice24h  string `json:"lowPrice24h"`
			Volume24h    string `json:"volume24h"`
			Turnover24h  string `json:"turnover24h"`
			MarkPrice    string `json:"markPrice"`
			IndexPrice   string `json:"indexPrice"`
		} `json:"list"`
	}

	if err := json.Unmarshal(resultBytes, &tickerResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticker result: %w", err)
	}

	if len(tickerResult.List) == 0 {
		return nil, fmt.Errorf("no ticker data found")
	}

	t := tickerResult.List[0]
	ticker := &Ticker{
		Symbol:     t.Symbol,
		LastPrice:  parseFloat64(t.LastPrice),
		BidPrice:   parseFloat64(t.Bid1Price),
		AskPrice:   parseFloat64(t.Ask1Price),
		HighPrice:  parseFloat64(t.HighPrice24h),
		LowPrice:   parseFloat64(t.LowPrice24h),
		Volume24h:  parseFloat64(t.Volume24h),
		MarkPrice:  parseFloat64(t.MarkPrice),
		IndexPrice: parseFloat64(t.IndexPrice),
	}
	if ticker.Volume24h > 0 {
		ticker.VWAP24h = parseFloat64(t.Turnover24h) / ticker.Volume24h
	}
	return ticker, nil
}

func (c *Client) parseKlineResponse(response interface{}) ([]Kline, error) {
	resultBytes, err := unwrapResult("get_klines", response)
	if err != nil {
		return nil, err
	}

	var klineResult struct {
		Symbol   string     `json:"symbol"`
		Category string     `json:"category"`
		List     [][]string `json:"list"`
	}

	if err := json.Unmarshal(resultBytes, &klineResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kline result: %w", err)
	}

	klines := make([]Kline, 0, len(klineResult.List))
	// Bybit kline format: [startTime, open, high, low, close, volume, turnover]
	for i := len(klineResult.List) - 1; i >= 0; i-- {
		item := klineResult.List[i]
		if len(item) < 7 {
			continue
		}
		klines = append(klines, Kline{
			StartTime:  time.UnixMilli(parseInt64(item[0])),
			OpenPrice:  parseFloat64(item[1]),
			HighPrice:  parseFloat64(item[2]),
			LowPrice:   parseFloat64(item[3]),
			ClosePrice: parseFloat64(item[4]),
			Volume:     parseFloat64(item[5]),
			Turnover:   parseFloat64(item[6]),
		})
	}

	return klines, nil
}

func (c *Client) parseInstrumentResponse(response interface{}, symbol string) (*InstrumentLimits, error) {
	resultBytes, err := unwrapResult("get_instrument_info", response)
	if err != nil {
		return nil, err
	}

	var instrumentResult struct {
		Category string `json:"category"`
		List     []struct {
			Symbol         string `json:"symbol"`
			LotSizeFilter  struct {
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			LeverageFilter struct {
				MinLeverage string `json:"minLeverage"`
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}

	if err := json.Unmarshal(resultBytes, &instrumentResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instrument result: %w", err)
	}

	for _, inst := range instrumentResult.List {
		if inst.Symbol != symbol {
			continue
		}
		return &InstrumentLimits{
			Symbol:      inst.Symbol,
			MinOrderQty: parseFloat64(inst.LotSizeFilter.MinOrderQty),
			MaxOrderQty: parseFloat64(inst.LotSizeFilter.MaxOrderQty),
			QtyStep:     parseFloat64(inst.LotSizeFilter.QtyStep),
			MaxLeverage: parseFloat64(inst.LeverageFilter.MaxLeverage),
		}, nil
	}

	return nil, fmt.Errorf("instrument %s not found", symbol)
}

// unwrapResult checks the retCode and returns the marshaled Result payload.
func unwrapResult(op string, response interface{}) ([]byte, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("invalid response type")
	}

	if serverResp.RetCode != 0 {
		return nil, newAPIError(op, serverResp.RetCode, serverResp.RetMsg)
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return resultBytes, nil
}

// Helper functions for parsing string numbers.
func parseFloat64(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}

// parseTimestamp converts a milliseconds timestamp to time.Time.
func parseTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	return time.UnixMilli(parseInt64(ts))
}
