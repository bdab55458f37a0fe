package risk

import "fmt"

// Profile holds the account risk settings every sizing decision uses.
type Profile struct {
	// RiskPerTrade is the fraction of equity put at risk between entry and
	// stop, e.g. 0.01 for 1%.
	RiskPerTrade float64

	// MaxPositionFraction caps the position notional as a fraction of
	// equity.
	MaxPositionFraction float64

	// MaxLeverage caps effective leverage regardless of what the exchange
	// allows.
	MaxLeverage float64

	// BaseStopFraction is the stop distance as a fraction of entry price
	// before the volatility adjustment, e.g. 0.02 for 2%.
	BaseStopFraction float64

	// VolSensitivity scales how much annualized volatility widens the stop.
	// Zero disables the adjustment.
	VolSensitivity float64

	// RewardRatio is the take-profit distance as a multiple of the stop
	// distance.
	RewardRatio float64

	// LookbackWindow is how many candles feed the volatility estimate.
	LookbackWindow int
}

// DefaultProfile returns the conservative defaults.
func DefaultProfile() Profile {
	return Profile{
		RiskPerTrade:        0.01,
		MaxPositionFraction: 0.25,
		MaxLeverage:         5,
		BaseStopFraction:    0.02,
		VolSensitivity:      0.5,
		RewardRatio:         2.0,
		LookbackWindow:      30,
	}
}

// Validate checks the profile for values that would produce nonsense sizes.
func (p Profile) Validate() error {
	if p.RiskPerTrade <= 0 || p.RiskPerTrade > 0.1 {
		return fmt.Errorf("risk_per_trade must be in (0, 0.1], got %v", p.RiskPerTrade)
	}
	if p.MaxPositionFraction <= 0 || p.MaxPositionFraction > 1 {
		return fmt.Errorf("max_position_fraction must be in (0, 1], got %v", p.MaxPositionFraction)
	}
	if p.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage must be >= 1, got %v", p.MaxLeverage)
	}
	if p.BaseStopFraction <= 0 || p.BaseStopFraction >= 1 {
		return fmt.Errorf("base_stop_fraction must be in (0, 1), got %v", p.BaseStopFraction)
	}
	if p.VolSensitivity < 0 {
		return fmt.Errorf("vol_sensitivity must be >= 0, got %v", p.VolSensitivity)
	}
	if p.RewardRatio <= 0 {
		return fmt.Errorf("reward_ratio must be > 0, got %v", p.RewardRatio)
	}
	if p.LookbackWindow < 2 {
		return fmt.Errorf("lookback_window must be >= 2, got %d", p.LookbackWindow)
	}
	return nil
}
