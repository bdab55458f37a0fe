package adapters

import (
	"fmt"
	"strings"

	"github.com/tradeflow-labs/signal-engine/internal/exchange"
	"github.com/tradeflow-labs/signal-engine/internal/exchange/bybit"
)

// ExchangeConfig carries the per-exchange credentials the factory needs.
type ExchangeConfig struct {
	Name    string
	Bybit   *BybitConfig
	Binance *BinanceConfig
}

// BybitConfig holds Bybit credentials and environment selection.
type BybitConfig struct {
	APIKey    string
	APISecret string
	Category  string
	Testnet   bool
	Demo      bool
}

// BinanceConfig holds Binance credentials and environment selection.
type BinanceConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Factory creates exchange adapters based on configuration.
type Factory struct{}

// NewFactory creates a new adapter factory.
func NewFactory() *Factory {
	return &Factory{}
}

// SupportedExchanges returns the exchange ids the factory can build.
func (f *Factory) SupportedExchanges() []string {
	return []string{"bybit", "binance", "paper"}
}

// CreateAdapter creates an adapter for the named exchange.
func (f *Factory) CreateAdapter(config ExchangeConfig) (exchange.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(config.Name)) {
	case "bybit":
		return f.createBybit(config.Bybit)
	case "binance":
		return f.createBinance(config.Binance)
	case "paper":
		return exchange.NewPaperAdapter("paper", "USDT", 10000), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q (supported: %s)",
			config.Name, strings.Join(f.SupportedExchanges(), ", "))
	}
}

func (f *Factory) createBybit(config *BybitConfig) (exchange.Adapter, error) {
	if err := f.validateCredentials("bybit", config == nil, func() (string, string) {
		return config.APIKey, config.APISecret
	}); err != nil {
		return nil, err
	}
	if config.Testnet && config.Demo {
		return nil, fmt.Errorf("bybit: testnet and demo mode are mutually exclusive")
	}

	return NewBybitAdapter(bybit.Config{
		APIKey:    config.APIKey,
		APISecret: config.APISecret,
		Category:  config.Category,
		Testnet:   config.Testnet,
		Demo:      config.Demo,
	}), nil
}

func (f *Factory) createBinance(config *BinanceConfig) (exchange.Adapter, error) {
	if err := f.validateCredentials("binance", config == nil, func() (string, string) {
		return config.APIKey, config.APISecret
	}); err != nil {
		return nil, err
	}
	return NewBinanceAdapter(config.APIKey, config.APISecret, config.Testnet), nil
}

func (f *Factory) validateCredentials(name string, missing bool, creds func() (string, string)) error {
	if missing {
		return fmt.Errorf("%s configuration is required", name)
	}
	key, secret := creds()
	if key == "" {
		return fmt.Errorf("%s API key is required", name)
	}
	if secret == "" {
		return fmt.Errorf("%s API secret is required", name)
	}
	return nil
}
