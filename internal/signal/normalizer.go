package signal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSignal marks payloads that fail validation. The wrapped message
// names the offending field.
var ErrInvalidSignal = errors.New("invalid signal")

// actionAliases maps the vocabulary external systems use onto the normalized
// actions. TradingView strategies commonly emit buy/sell, long/short or the
// explicit enter_* forms.
var actionAliases = map[string]Action{
	"buy":         ActionEnterLong,
	"long":        ActionEnterLong,
	"enter_long":  ActionEnterLong,
	"sell":        ActionEnterShort,
	"short":       ActionEnterShort,
	"enter_short": ActionEnterShort,
	"exit":        ActionExit,
	"close":       ActionExit,
	"exit_long":   ActionExit,
	"exit_short":  ActionExit,
	"flatten":     ActionFlatten,
	"flat":        ActionFlatten,
}

// Normalizer validates raw signals against the configured exchange and
// symbol allowlists and translates action aliases.
type Normalizer struct {
	exchanges map[string]bool
	symbols   map[string]bool
}

// NewNormalizer creates a normalizer. Empty allowlists accept everything,
// which is only sensible in tests.
func NewNormalizer(exchanges, symbols []string) *Normalizer {
	n := &Normalizer{
		exchanges: make(map[string]bool, len(exchanges)),
		symbols:   make(map[string]bool, len(symbols)),
	}
	for _, e := range exchanges {
		n.exchanges[strings.ToLower(e)] = true
	}
	for _, s := range symbols {
		n.symbols[strings.ToUpper(s)] = true
	}
	return n
}

// Normalize validates a raw signal and produces the canonical form. A
// missing correlation id gets a generated one; such signals can never be
// deduplicated against upstream retries.
func (n *Normalizer) Normalize(raw *RawSignal) (*Signal, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidSignal)
	}

	ex := strings.ToLower(strings.TrimSpace(raw.Exchange))
	if ex == "" {
		return nil, fmt.Errorf("%w: exchange is required", ErrInvalidSignal)
	}
	if len(n.exchanges) > 0 && !n.exchanges[ex] {
		return nil, fmt.Errorf("%w: exchange %q is not allowed", ErrInvalidSignal, raw.Exchange)
	}

	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	if len(n.symbols) > 0 && !n.symbols[symbol] {
		return nil, fmt.Errorf("%w: symbol %q is not allowed", ErrInvalidSignal, raw.Symbol)
	}

	action, ok := actionAliases[strings.ToLower(strings.TrimSpace(raw.Action))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidSignal, raw.Action)
	}

	if raw.PriceHint < 0 {
		return nil, fmt.Errorf("%w: negative price hint", ErrInvalidSignal)
	}

	receivedAt := time.Now()
	signalTime, err := parseSignalTime(raw.Time, receivedAt)
	if err != nil {
		return nil, err
	}

	correlationID := strings.TrimSpace(raw.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return &Signal{
		Exchange:      ex,
		Symbol:        symbol,
		Action:        action,
		PriceHint:     raw.PriceHint,
		Time:          signalTime,
		CorrelationID: correlationID,
		StrategyTag:   strings.TrimSpace(raw.StrategyTag),
		ReceivedAt:    receivedAt,
	}, nil
}

// parseSignalTime accepts RFC 3339 or unix seconds/milliseconds. A missing
// time falls back to the receipt time.
func parseSignalTime(value string, receivedAt time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return receivedAt, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(value, 10, 64); err == nil && unix > 0 {
		if unix > 1e12 {
			return time.UnixMilli(unix), nil
		}
		return time.Unix(unix, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: unparseable time %q", ErrInvalidSignal, value)
}
