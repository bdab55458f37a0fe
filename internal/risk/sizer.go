package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/tradeflow-labs/signal-engine/internal/exchange"
)

// ErrSizeTooSmall marks an order whose risk-derived quantity falls below the
// exchange minimum. Sizes are never rounded up to meet the minimum.
var ErrSizeTooSmall = errors.New("order size below exchange minimum")

// Sizer converts a risk profile plus market conditions into order sizes.
type Sizer struct {
	profile Profile
}

// NewSizer creates a sizer for the profile.
func NewSizer(profile Profile) *Sizer {
	return &Sizer{profile: profile}
}

// Profile returns the profile the sizer was built with.
func (s *Sizer) Profile() Profile {
	return s.profile
}

// StopDistance returns the absolute price distance between entry and stop.
// Higher volatility widens the stop, which in turn shrinks the size.
func (s *Sizer) StopDistance(price, annualizedVol float64) float64 {
	return price * s.profile.BaseStopFraction * (1 + s.profile.VolSensitivity*annualizedVol)
}

// Sizing is the full result of a sizing decision, kept for logging and
// event payloads.
type Sizing struct {
	Quantity     float64
	StopDistance float64
	StopLoss     float64
	TakeProfit   float64
	RiskAmount   float64
}

// Size computes the order quantity for an entry at price with the given
// volatility estimate. minQty and exchangeMaxLeverage come from the
// exchange; a computed quantity below the minimum returns ErrSizeTooSmall,
// and the tighter of the configured and exchange leverage caps applies.
// Zero exchangeMaxLeverage means the exchange reported no cap.
func (s *Sizer) Size(equity, price, annualizedVol, minQty, exchangeMaxLeverage float64) (*Sizing, error) {
	if equity <= 0 {
		return nil, fmt.Errorf("equity must be positive, got %v", equity)
	}
	if price <= 0 {
		return nil, fmt.Errorf("price must be positive, got %v", price)
	}
	if annualizedVol < 0 {
		return nil, fmt.Errorf("volatility must be non-negative, got %v", annualizedVol)
	}

	stopDistance := s.StopDistance(price, annualizedVol)
	riskAmount := equity * s.profile.RiskPerTrade
	quantity := riskAmount / stopDistance

	// Cap notional by the position fraction and the tighter leverage limit.
	maxLeverage := s.profile.MaxLeverage
	if exchangeMaxLeverage > 0 && exchangeMaxLeverage < maxLeverage {
		maxLeverage = exchangeMaxLeverage
	}
	maxNotional := equity * s.profile.MaxPositionFraction
	if levNotional := equity * maxLeverage; levNotional < maxNotional {
		maxNotional = levNotional
	}
	if quantity*price > maxNotional {
		quantity = maxNotional / price
	}

	if quantity < minQty || quantity <= 0 {
		return nil, fmt.Errorf("%w: computed %v, minimum %v", ErrSizeTooSmall, quantity, minQty)
	}

	return &Sizing{
		Quantity:     quantity,
		StopDistance: stopDistance,
		RiskAmount:   quantity * stopDistance,
	}, nil
}

// BuildIntent produces the order intent for an entry, attaching stop loss
// and take profit derived from the sizing.
func (s *Sizer) BuildIntent(exchangeID, symbol string, side exchange.Side, price float64, sizing *Sizing) *exchange.OrderIntent {
	stopLoss := price - sizing.StopDistance
	takeProfit := price + sizing.StopDistance*s.profile.RewardRatio
	if side == exchange.SideSell {
		stopLoss = price + sizing.StopDistance
		takeProfit = price - sizing.StopDistance*s.profile.RewardRatio
	}
	sizing.StopLoss = roundPrice(stopLoss)
	sizing.TakeProfit = roundPrice(takeProfit)

	return &exchange.OrderIntent{
		Exchange:      exchangeID,
		Symbol:        symbol,
		Side:          side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      sizing.Quantity,
		StopLoss:      sizing.StopLoss,
		TakeProfit:    sizing.TakeProfit,
		ClientOrderID: uuid.NewString(),
	}
}

// roundPrice trims float noise from derived prices.
func roundPrice(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
