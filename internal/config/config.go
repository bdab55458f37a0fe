package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tradeflow-labs/signal-engine/internal/exchange/adapters"
	"github.com/tradeflow-labs/signal-engine/internal/guard"
	"github.com/tradeflow-labs/signal-engine/internal/risk"
)

// Config is the complete engine configuration, loaded from a JSON file with
// credentials overlaid from the environment.
type Config struct {
	// Exchanges the engine may route orders to
	Exchanges []ExchangeConfig `json:"exchanges"`

	// Symbols the engine accepts signals for (empty accepts all)
	Symbols []string `json:"symbols"`

	// Asset equity is denominated in
	QuoteAsset string `json:"quote_asset"`

	Risk          RiskConfig          `json:"risk"`
	Router        RouterConfig        `json:"router"`
	Guard         GuardConfig         `json:"guard"`
	Supervisor    SupervisorConfig    `json:"supervisor"`
	Safety        SafetyConfig        `json:"safety"`
	Server        ServerConfig        `json:"server"`
	Stream        StreamConfig        `json:"stream"`
	Notifications *NotificationConfig `json:"notifications,omitempty"`

	// Where the position snapshot is written
	StateFile string `json:"state_file"`

	// Directory for session log files
	LogDir string `json:"log_dir"`
}

// ExchangeConfig selects and configures one exchange. Credentials are never
// stored in the file; they come from the environment.
type ExchangeConfig struct {
	Name     string `json:"name"`               // bybit, binance or paper
	Category string `json:"category,omitempty"` // bybit product category
	Testnet  bool   `json:"testnet,omitempty"`
	Demo     bool   `json:"demo,omitempty"` // bybit demo trading
}

// RiskConfig holds the sizing profile and the volatility estimator settings.
type RiskConfig struct {
	RiskPerTrade        float64 `json:"risk_per_trade"`        // fraction of equity risked per entry
	MaxPositionFraction float64 `json:"max_position_fraction"` // notional cap as a fraction of equity
	MaxLeverage         float64 `json:"max_leverage"`
	BaseStopFraction    float64 `json:"base_stop_fraction"` // stop distance at zero volatility
	VolSensitivity      float64 `json:"vol_sensitivity"`    // stop widening per unit of volatility
	RewardRatio         float64 `json:"reward_ratio"`       // take profit as a multiple of the stop

	Interval       string  `json:"interval"`         // candle interval for volatility
	LookbackWindow int     `json:"lookback_window"`  // candles per estimate
	PeriodsPerYear float64 `json:"periods_per_year"` // annualization factor
	VolCacheTTL    string  `json:"vol_cache_ttl"`    // e.g. "1m"
}

// RouterConfig holds the submission retry settings.
type RouterConfig struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialBackoff string  `json:"initial_backoff"` // e.g. "1s"
	MaxBackoff     string  `json:"max_backoff"`
	BackoffFactor  float64 `json:"backoff_factor"`
	CallTimeout    string  `json:"call_timeout"`
}

// GuardConfig holds deduplication and conflict settings.
type GuardConfig struct {
	ConflictPolicy string `json:"conflict_policy"` // reject or queue
	QueueDepth     int    `json:"queue_depth"`
	DedupTTL       string `json:"dedup_ttl"`
}

// SupervisorConfig holds position supervision settings.
type SupervisorConfig struct {
	PollInterval      string `json:"poll_interval"`
	CloseTimeout      string `json:"close_timeout"`
	ReconcileInterval string `json:"reconcile_interval"`
}

// SafetyConfig holds the per-exchange rate limiter and circuit breaker
// settings.
type SafetyConfig struct {
	RateCapacity     int    `json:"rate_capacity"`
	RatePerSecond    int    `json:"rate_per_second"`
	FailureThreshold int    `json:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold"`
	OpenTimeout      string `json:"open_timeout"`
}

// ServerConfig holds the webhook server settings.
type ServerConfig struct {
	ListenAddr    string `json:"listen_addr"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // env WEBHOOK_SECRET overrides
}

// StreamConfig holds the public price stream settings.
type StreamConfig struct {
	Enabled  bool   `json:"enabled"`
	Exchange string `json:"exchange"` // which configured exchange the stream feeds
	URL      string `json:"url,omitempty"`
}

// NotificationConfig holds Telegram alert settings. Token and chat id come
// from the environment when omitted.
type NotificationConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"`
	TelegramChat  string `json:"telegram_chat,omitempty"`
}

// Load reads a config file, applies defaults, overlays environment
// credentials and validates the result. A bare name resolves to
// configs/<name>.json.
func Load(configFile string) (*Config, error) {
	if !strings.ContainsAny(configFile, "/\\") {
		configFile = filepath.Join("configs", configFile)
	}
	if !strings.HasSuffix(configFile, ".json") {
		configFile += ".json"
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	config.applyEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	if c.StateFile == "" {
		c.StateFile = "data/positions.json"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}

	// Risk defaults
	if c.Risk.RiskPerTrade == 0 {
		c.Risk.RiskPerTrade = 0.01
	}
	if c.Risk.MaxPositionFraction == 0 {
		c.Risk.MaxPositionFraction = 0.25
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 5
	}
	if c.Risk.BaseStopFraction == 0 {
		c.Risk.BaseStopFraction = 0.02
	}
	if c.Risk.VolSensitivity == 0 {
		c.Risk.VolSensitivity = 0.5
	}
	if c.Risk.RewardRatio == 0 {
		c.Risk.RewardRatio = 2.0
	}
	if c.Risk.Interval == "" {
		c.Risk.Interval = "D"
	}
	if c.Risk.LookbackWindow == 0 {
		c.Risk.LookbackWindow = 30
	}
	if c.Risk.PeriodsPerYear == 0 {
		c.Risk.PeriodsPerYear = 252
	}
	if c.Risk.VolCacheTTL == "" {
		c.Risk.VolCacheTTL = "1m"
	}

	// Router defaults
	if c.Router.MaxAttempts == 0 {
		c.Router.MaxAttempts = 3
	}
	if c.Router.InitialBackoff == "" {
		c.Router.InitialBackoff = "1s"
	}
	if c.Router.MaxBackoff == "" {
		c.Router.MaxBackoff = "30s"
	}
	if c.Router.BackoffFactor == 0 {
		c.Router.BackoffFactor = 2.0
	}
	if c.Router.CallTimeout == "" {
		c.Router.CallTimeout = "10s"
	}

	// Guard defaults
	if c.Guard.ConflictPolicy == "" {
		c.Guard.ConflictPolicy = string(guard.PolicyReject)
	}
	if c.Guard.QueueDepth == 0 {
		c.Guard.QueueDepth = 4
	}
	if c.Guard.DedupTTL == "" {
		c.Guard.DedupTTL = "5m"
	}

	// Supervisor defaults
	if c.Supervisor.PollInterval == "" {
		c.Supervisor.PollInterval = "5s"
	}
	if c.Supervisor.CloseTimeout == "" {
		c.Supervisor.CloseTimeout = "30s"
	}
	if c.Supervisor.ReconcileInterval == "" {
		c.Supervisor.ReconcileInterval = "10s"
	}

	// Safety defaults
	if c.Safety.RateCapacity == 0 {
		c.Safety.RateCapacity = 10
	}
	if c.Safety.RatePerSecond == 0 {
		c.Safety.RatePerSecond = 5
	}
	if c.Safety.FailureThreshold == 0 {
		c.Safety.FailureThreshold = 5
	}
	if c.Safety.SuccessThreshold == 0 {
		c.Safety.SuccessThreshold = 2
	}
	if c.Safety.OpenTimeout == "" {
		c.Safety.OpenTimeout = "30s"
	}

	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
}

// applyEnv overlays secrets from the environment so they never have to live
// in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.Server.WebhookSecret = v
	}
	if c.Notifications != nil {
		if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
			c.Notifications.TelegramToken = v
		}
		if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
			c.Notifications.TelegramChat = v
		}
	}
}

func (c *Config) validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	seen := make(map[string]bool)
	for _, ex := range c.Exchanges {
		name := strings.ToLower(strings.TrimSpace(ex.Name))
		if name == "" {
			return fmt.Errorf("exchange name is required")
		}
		if seen[name] {
			return fmt.Errorf("exchange %q configured twice", name)
		}
		seen[name] = true
	}

	if err := c.RiskProfile().Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	policy := guard.ConflictPolicy(c.Guard.ConflictPolicy)
	if policy != guard.PolicyReject && policy != guard.PolicyQueue {
		return fmt.Errorf("conflict policy must be %q or %q, got %q",
			guard.PolicyReject, guard.PolicyQueue, c.Guard.ConflictPolicy)
	}

	for name, value := range map[string]string{
		"vol_cache_ttl":      c.Risk.VolCacheTTL,
		"initial_backoff":    c.Router.InitialBackoff,
		"max_backoff":        c.Router.MaxBackoff,
		"call_timeout":       c.Router.CallTimeout,
		"dedup_ttl":          c.Guard.DedupTTL,
		"poll_interval":      c.Supervisor.PollInterval,
		"close_timeout":      c.Supervisor.CloseTimeout,
		"reconcile_interval": c.Supervisor.ReconcileInterval,
		"open_timeout":       c.Safety.OpenTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, value)
		}
	}

	if c.Stream.Enabled && c.Stream.Exchange == "" {
		return fmt.Errorf("stream exchange is required when the stream is enabled")
	}
	return nil
}

// ExchangeNames returns the lowercased ids of all configured exchanges.
func (c *Config) ExchangeNames() []string {
	names := make([]string, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		names[i] = strings.ToLower(strings.TrimSpace(ex.Name))
	}
	return names
}

// AdapterConfig builds the factory input for one configured exchange,
// pulling credentials from the environment (BYBIT_API_KEY and so on).
func (c *Config) AdapterConfig(ex ExchangeConfig) adapters.ExchangeConfig {
	name := strings.ToLower(strings.TrimSpace(ex.Name))
	out := adapters.ExchangeConfig{Name: name}
	switch name {
	case "bybit":
		out.Bybit = &adapters.BybitConfig{
			APIKey:    os.Getenv("BYBIT_API_KEY"),
			APISecret: os.Getenv("BYBIT_API_SECRET"),
			Category:  ex.Category,
			Testnet:   ex.Testnet,
			Demo:      ex.Demo,
		}
	case "binance":
		out.Binance = &adapters.BinanceConfig{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			APISecret: os.Getenv("BINANCE_API_SECRET"),
			Testnet:   ex.Testnet,
		}
	}
	return out
}

// RiskProfile converts the risk section into a sizing profile.
func (c *Config) RiskProfile() risk.Profile {
	return risk.Profile{
		RiskPerTrade:        c.Risk.RiskPerTrade,
		MaxPositionFraction: c.Risk.MaxPositionFraction,
		MaxLeverage:         c.Risk.MaxLeverage,
		BaseStopFraction:    c.Risk.BaseStopFraction,
		VolSensitivity:      c.Risk.VolSensitivity,
		RewardRatio:         c.Risk.RewardRatio,
		LookbackWindow:      c.Risk.LookbackWindow,
	}
}

// GuardSettings converts the guard section into guard.Config.
func (c *Config) GuardSettings() guard.Config {
	return guard.Config{
		Policy:     guard.ConflictPolicy(c.Guard.ConflictPolicy),
		QueueDepth: c.Guard.QueueDepth,
		DedupTTL:   duration(c.Guard.DedupTTL),
	}
}

// Duration parses a validated duration field. Call only after Load.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// VolCacheTTL returns the parsed volatility cache TTL.
func (c *Config) VolCacheTTL() time.Duration { return duration(c.Risk.VolCacheTTL) }

// RouterBackoffs returns the parsed router durations.
func (c *Config) RouterBackoffs() (initial, max, call time.Duration) {
	return duration(c.Router.InitialBackoff), duration(c.Router.MaxBackoff), duration(c.Router.CallTimeout)
}

// SupervisorIntervals returns the parsed supervisor durations.
func (c *Config) SupervisorIntervals() (poll, close, reconcile time.Duration) {
	return duration(c.Supervisor.PollInterval), duration(c.Supervisor.CloseTimeout),
		duration(c.Supervisor.ReconcileInterval)
}

// BreakerOpenTimeout returns the parsed breaker open timeout.
func (c *Config) BreakerOpenTimeout() time.Duration { return duration(c.Safety.OpenTimeout) }
