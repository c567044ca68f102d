package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/risk"
)

const yamlConfig = `
server:
  addr: ":9000"
log:
  level: debug
portfolio:
  capital: 10000
  monitor_interval: 1m
risk_limits:
  max_total_exposure: 8000
  max_position_size: 500
  max_daily_loss: 400
  max_drawdown: 0.1
  max_correlation: 0.7
  max_leverage: 2
  min_liquidity: 500
  max_volatility: 0.3
strategies:
  - name: btc-dca
    kind: dca
    tokens: [BTC]
    interval: 1h
    allocation: 40
    enabled: true
    risk_level: low
    max_position_size: 200
    params:
      buy_interval: 86400
  - name: eth-momentum
    kind: momentum
    tokens: [ETH]
    allocation: 30
    enabled: true
    risk_level: high
    max_position_size: 300
    stop_loss: 2
    take_profit: 4
    ai_confirm: true
database:
  driver: sqlite
  conn_str: /tmp/quantaguard.db
ai_config:
  enabled: true
  api_key: sk-test
  min_confidence: 0.8
`

const jsonConfig = `{
  "portfolio": {"capital": 5000, "quote_asset": "USDC"},
  "strategies": [
    {"name": "grid", "kind": "grid", "tokens": ["BTC"], "allocation": 50, "enabled": true, "max_position_size": 100}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8000.0, cfg.RiskLimits.MaxTotalExposure)
	assert.Equal(t, 0.1, cfg.RiskLimits.MaxDrawdown)
	require.Len(t, cfg.Strategies, 2)
	assert.Equal(t, models.RiskHigh, cfg.Strategies[1].RiskLevel)
	assert.Equal(t, 86400.0, cfg.Strategies[0].Params["buy_interval"])
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	// defaults
	assert.Equal(t, "USDT", cfg.Portfolio.QuoteAsset)
	assert.Equal(t, "paper", cfg.Exchange.Kind)
	assert.Equal(t, map[string]float64{"USDT": 10000}, cfg.Exchange.PaperBalances)
	assert.Equal(t, models.SeverityHigh, cfg.Notification.MinSeverity)
	assert.Equal(t, 20, cfg.Portfolio.FrequencyThreshold)
}

func TestLoad_JSON(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.json", jsonConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, risk.DefaultLimits(), cfg.RiskLimits)
	assert.Equal(t, []string{"USDC"}, cfg.Exchange.QuoteAssets)
	assert.Equal(t, models.RiskMedium, cfg.Strategies[0].RiskLevel)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeFile(t, "broken.json", "{"))
	assert.ErrorContains(t, err, "parse json config")

	_, err = Load(writeFile(t, "empty.yaml", "log:\n  level: info\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUANTAGUARD_AI_API_KEY", "sk-env")
	t.Setenv("QUANTAGUARD_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("QUANTAGUARD_TELEGRAM_CHAT_ID", "-1001")
	t.Setenv("QUANTAGUARD_LOG_LEVEL", "warn")

	cfg, err := Load(writeFile(t, "config.yaml", yamlConfig))
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.AIConfig.APIKey)
	assert.Equal(t, "123:abc", cfg.Notification.Telegram.Token)
	assert.Equal(t, int64(-1001), cfg.Notification.Telegram.ChatID)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Parse([]byte(yamlConfig), ".yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no capital", func(c *Config) { c.Portfolio.Capital = 0 }, "portfolio.capital"},
		{"bad interval", func(c *Config) { c.Portfolio.MonitorInterval = "5 minutes" }, "portfolio.monitor_interval"},
		{"emergency drawdown", func(c *Config) { c.Portfolio.EmergencyDrawdown = 1.5 }, "thresholds"},
		{"bad limits", func(c *Config) { c.RiskLimits.MaxDrawdown = 2 }, "risk_limits"},
		{"unknown kind", func(c *Config) { c.Strategies[0].Kind = "martingale" }, "unknown kind"},
		{"duplicate name", func(c *Config) { c.Strategies[1].Name = "btc-dca" }, "duplicate name"},
		{"allocation range", func(c *Config) { c.Strategies[0].Allocation = 101 }, "allocation must be within"},
		{"allocation sum", func(c *Config) { c.Strategies[0].Allocation = 80 }, "sum to 110.00%"},
		{"risk level", func(c *Config) { c.Strategies[0].RiskLevel = "extreme" }, "invalid risk level"},
		{"no tokens", func(c *Config) { c.Strategies[0].Tokens = nil }, "no tokens"},
		{"position size", func(c *Config) { c.Strategies[0].MaxPositionSize = 0 }, "max_position_size"},
		{"binance keys", func(c *Config) { c.Exchange.Kind = "binance" }, "api_key and secret_key"},
		{"exchange kind", func(c *Config) { c.Exchange.Kind = "kraken" }, "exchange.kind"},
		{"database", func(c *Config) { c.Database.ConnStr = "" }, "requires conn_str"},
		{"severity", func(c *Config) { c.Notification.MinSeverity = "loud" }, "min_severity"},
		{"telegram chat", func(c *Config) { c.Notification.Telegram.Token = "t" }, "chat_id"},
		{"ai key", func(c *Config) { c.AIConfig.APIKey = "" }, "ai_config: api_key"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStrategy_UnitConfig(t *testing.T) {
	cfg := validConfig(t)

	dca := cfg.Strategies[0].UnitConfig("USDT", 0.8)
	assert.Equal(t, "btc-dca", dca.Name)
	assert.Equal(t, time.Hour, dca.Interval)
	assert.Equal(t, 30*time.Second, dca.TradeTimeout)
	assert.Zero(t, dca.MinConfidence, "AI confirmation off")

	mom := cfg.Strategies[1].UnitConfig("USDT", 0.8)
	assert.Equal(t, time.Minute, mom.Interval)
	assert.Equal(t, 0.8, mom.MinConfidence)
	assert.Equal(t, 2.0, mom.StopLoss)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 10*time.Second, ParseDuration("", 10*time.Second))
	assert.Equal(t, 10*time.Second, ParseDuration("soon", 10*time.Second))
	assert.Equal(t, 90*time.Second, ParseDuration("1m30s", 10*time.Second))
}
