package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/exchange"
)

// ErrInsufficientData marks a volatility request with too little history to
// compute a return series.
var ErrInsufficientData = errors.New("insufficient data for volatility")

// KlineSource is the slice of the adapter surface the calculator needs.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error)
}

// Calculator estimates annualized volatility from candle closes and caches
// the result per (exchange, symbol) so back-to-back signals do not refetch
// history.
type Calculator struct {
	interval       string
	lookback       int
	periodsPerYear float64
	ttl            time.Duration

	mu    sync.Mutex
	cache map[string]volEntry
	now   func() time.Time
}

type volEntry struct {
	value float64
	at    time.Time
}

// NewCalculator creates a volatility calculator. periodsPerYear converts the
// per-candle volatility into an annualized figure (252 for daily candles).
func NewCalculator(interval string, lookback int, periodsPerYear float64, ttl time.Duration) *Calculator {
	if lookback < 2 {
		lookback = 30
	}
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Calculator{
		interval:       interval,
		lookback:       lookback,
		periodsPerYear: periodsPerYear,
		ttl:            ttl,
		cache:          make(map[string]volEntry),
		now:            time.Now,
	}
}

// Annualized returns the annualized volatility for the symbol, fetching
// candles from src unless a fresh cached value exists.
func (c *Calculator) Annualized(ctx context.Context, src KlineSource, exchangeID, symbol string) (float64, error) {
	key := exchangeID + "/" + symbol

	c.mu.Lock()
	entry, ok := c.cache[key]
	if ok && c.now().Sub(entry.at) < c.ttl {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	candles, err := src.GetKlines(ctx, symbol, c.interval, c.lookback)
	if err != nil {
		return 0, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}

	closes := make([]float64, 0, len(candles))
	for _, candle := range candles {
		if candle.Close > 0 {
			closes = append(closes, candle.Close)
		}
	}

	vol, err := AnnualizedFromCloses(closes, c.periodsPerYear)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cache[key] = volEntry{value: vol, at: c.now()}
	c.mu.Unlock()
	return vol, nil
}

// AnnualizedFromCloses computes the population standard deviation of log
// returns over the close series, scaled by sqrt(periodsPerYear). At least
// two closes are required.
func AnnualizedFromCloses(closes []float64, periodsPerYear float64) (float64, error) {
	if len(closes) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 closes, got %d", ErrInsufficientData, len(closes))
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return 0, fmt.Errorf("%w: non-positive close in series", ErrInsufficientData)
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * math.Sqrt(periodsPerYear), nil
}
