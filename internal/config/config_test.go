package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow-labs/signal-engine/internal/guard"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"exchanges": [{"name": "paper"}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 0.01, cfg.Risk.RiskPerTrade)
	assert.Equal(t, 30, cfg.Risk.LookbackWindow)
	assert.Equal(t, 3, cfg.Router.MaxAttempts)
	assert.Equal(t, string(guard.PolicyReject), cfg.Guard.ConflictPolicy)
	assert.Equal(t, 5*time.Minute, cfg.GuardSettings().DedupTTL)

	initial, max, call := cfg.RouterBackoffs()
	assert.Equal(t, time.Second, initial)
	assert.Equal(t, 30*time.Second, max)
	assert.Equal(t, 10*time.Second, call)

	poll, closeTimeout, reconcile := cfg.SupervisorIntervals()
	assert.Equal(t, 5*time.Second, poll)
	assert.Equal(t, 30*time.Second, closeTimeout)
	assert.Equal(t, 10*time.Second, reconcile)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `{
		"exchanges": [{"name": "bybit", "demo": true}],
		"symbols": ["BTCUSDT", "ETHUSDT"],
		"risk": {"risk_per_trade": 0.02, "max_leverage": 3},
		"guard": {"conflict_policy": "queue", "queue_depth": 8}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.02, cfg.RiskProfile().RiskPerTrade)
	assert.Equal(t, 3.0, cfg.RiskProfile().MaxLeverage)
	assert.Equal(t, guard.PolicyQueue, cfg.GuardSettings().Policy)
	assert.Equal(t, 8, cfg.GuardSettings().QueueDepth)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
}

func TestLoadRequiresExchange(t *testing.T) {
	path := writeConfig(t, `{}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one exchange")
}

func TestLoadRejectsDuplicateExchange(t *testing.T) {
	path := writeConfig(t, `{
		"exchanges": [{"name": "paper"}, {"name": "Paper"}]
	}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured twice")
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	path := writeConfig(t, `{
		"exchanges": [{"name": "paper"}],
		"guard": {"conflict_policy": "drop"}
	}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict policy")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{
		"exchanges": [{"name": "paper"}],
		"supervisor": {"poll_interval": "fast"}
	}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestEnvOverlaysSecrets(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "hunter2")
	t.Setenv("BYBIT_API_KEY", "key-1")
	t.Setenv("BYBIT_API_SECRET", "secret-1")

	path := writeConfig(t, `{
		"exchanges": [{"name": "bybit", "demo": true, "category": "linear"}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Server.WebhookSecret)

	ac := cfg.AdapterConfig(cfg.Exchanges[0])
	require.NotNil(t, ac.Bybit)
	assert.Equal(t, "key-1", ac.Bybit.APIKey)
	assert.Equal(t, "secret-1", ac.Bybit.APISecret)
	assert.Equal(t, "linear", ac.Bybit.Category)
	assert.True(t, ac.Bybit.Demo)
}
