package configs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/quantaguard/internal/logger"
	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/risk"
	"github.com/songzhibin97/quantaguard/internal/strategy"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes the environment variables that override secrets.
const EnvPrefix = "QUANTAGUARD_"

type Config struct {
	Proxy string `json:"proxy" yaml:"proxy"` // HTTP(S) 代理

	Server    Server    `json:"server" yaml:"server"`
	Log       Log       `json:"log" yaml:"log"`
	Portfolio Portfolio `json:"portfolio" yaml:"portfolio"`

	// 风险控制参数
	RiskLimits risk.Limits `json:"risk_limits" yaml:"risk_limits"`

	Strategies []Strategy `json:"strategies" yaml:"strategies"`

	// 交易所配置
	Exchange Exchange `json:"exchange" yaml:"exchange"`

	Database     Database     `json:"database" yaml:"database"`
	Notification Notification `json:"notification" yaml:"notification"`

	// AI 确认参数
	AIConfig AIConfig `json:"ai_config" yaml:"ai_config"`
}

type Server struct {
	Addr string `json:"addr" yaml:"addr"`
	// ExposeErrors adds the internal error message to 500 responses.
	ExposeErrors bool `json:"expose_errors" yaml:"expose_errors"`
	// OTPSecret enables the TOTP guard on mutating endpoints when set.
	OTPSecret    string `json:"otp_secret" yaml:"otp_secret"`
	EventBuffer  int    `json:"event_buffer" yaml:"event_buffer"`
	RecentEvents int    `json:"recent_events" yaml:"recent_events"`
}

type Log struct {
	Level   string `json:"level" yaml:"level"`
	Service string `json:"service" yaml:"service"`
}

type Portfolio struct {
	Capital            float64 `json:"capital" yaml:"capital"`         // 初始资金（计价资产）
	QuoteAsset         string  `json:"quote_asset" yaml:"quote_asset"` // 计价资产
	MonitorInterval    string  `json:"monitor_interval" yaml:"monitor_interval"`
	EmergencyInterval  string  `json:"emergency_interval" yaml:"emergency_interval"`
	StopTimeout        string  `json:"stop_timeout" yaml:"stop_timeout"`
	RebalanceThreshold float64 `json:"rebalance_threshold" yaml:"rebalance_threshold"` // 百分点
	EmergencyDrawdown  float64 `json:"emergency_drawdown" yaml:"emergency_drawdown"`
	DisableScore       float64 `json:"disable_score" yaml:"disable_score"`
	FrequencyWindow    string  `json:"frequency_window" yaml:"frequency_window"`
	FrequencyThreshold int     `json:"frequency_threshold" yaml:"frequency_threshold"`
}

// Strategy 单个策略配置
type Strategy struct {
	Name             string             `json:"name" yaml:"name"`
	Kind             string             `json:"kind" yaml:"kind"`
	Tokens           []string           `json:"tokens" yaml:"tokens"`
	Interval         string             `json:"interval" yaml:"interval"`
	Allocation       float64            `json:"allocation" yaml:"allocation"` // 百分比
	Enabled          bool               `json:"enabled" yaml:"enabled"`
	RiskLevel        models.RiskLevel   `json:"risk_level" yaml:"risk_level"`
	MaxPositionSize  float64            `json:"max_position_size" yaml:"max_position_size"`
	MaxTradesPerHour int                `json:"max_trades_per_hour" yaml:"max_trades_per_hour"`
	Cooldown         string             `json:"cooldown" yaml:"cooldown"`
	StopLoss         float64            `json:"stop_loss" yaml:"stop_loss"`     // 百分比
	TakeProfit       float64            `json:"take_profit" yaml:"take_profit"` // 百分比
	FeeRate          float64            `json:"fee_rate" yaml:"fee_rate"`
	MaxSlippage      float64            `json:"max_slippage" yaml:"max_slippage"`
	TradeTimeout     string             `json:"trade_timeout" yaml:"trade_timeout"`
	AIConfirm        bool               `json:"ai_confirm" yaml:"ai_confirm"`
	Params           map[string]float64 `json:"params" yaml:"params"`
}

type Exchange struct {
	// Kind selects the gateway: paper (default) or binance.
	Kind        string   `json:"kind" yaml:"kind"`
	Testnet     bool     `json:"testnet" yaml:"testnet"`
	APIKey      string   `json:"api_key" yaml:"api_key"`       // 交易所API密钥
	SecretKey   string   `json:"secret_key" yaml:"secret_key"` // 交易所密钥
	SlippageBps int64    `json:"slippage_bps" yaml:"slippage_bps"`
	QuoteAssets []string `json:"quote_assets" yaml:"quote_assets"`
	// MarketDataURL is the REST base of the paper gateway's market data source.
	MarketDataURL string             `json:"market_data_url" yaml:"market_data_url"`
	CacheTTL      string             `json:"cache_ttl" yaml:"cache_ttl"`
	PaperBalances map[string]float64 `json:"paper_balances" yaml:"paper_balances"`
}

type Database struct {
	// Driver is postgres or sqlite; empty disables the journal.
	Driver  string `json:"driver" yaml:"driver"`
	ConnStr string `json:"conn_str" yaml:"conn_str"` // 数据库连接字符串
}

type Notification struct {
	MinSeverity models.Severity `json:"min_severity" yaml:"min_severity"`
	Telegram    Telegram        `json:"telegram" yaml:"telegram"`
	Webhook     Webhook         `json:"webhook" yaml:"webhook"`
	Redis       Redis           `json:"redis" yaml:"redis"`
}

type Telegram struct {
	Token  string `json:"token" yaml:"token"`
	ChatID int64  `json:"chat_id" yaml:"chat_id"`
}

type Webhook struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type AIConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"` // AI确认最小置信度
	APIKey        string  `json:"api_key" yaml:"api_key"`               // AI服务API密钥
	ModelType     string  `json:"model_type" yaml:"model_type"`         // AI模型类型
	BaseURL       string  `json:"base_url" yaml:"base_url"`
}

// Load reads a JSON or YAML file (by extension), applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw as YAML for .yaml/.yml and JSON otherwise, then applies defaults.
func Parse(raw []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.EventBuffer <= 0 {
		c.Server.EventBuffer = 1024
	}
	if c.Server.RecentEvents <= 0 {
		c.Server.RecentEvents = 200
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Service == "" {
		c.Log.Service = "quantaguard"
	}

	p := &c.Portfolio
	if p.QuoteAsset == "" {
		p.QuoteAsset = "USDT"
	}
	if p.FrequencyThreshold <= 0 {
		p.FrequencyThreshold = 20
	}

	if c.RiskLimits == (risk.Limits{}) {
		c.RiskLimits = risk.DefaultLimits()
	}

	if c.Exchange.Kind == "" {
		c.Exchange.Kind = "paper"
	}
	if len(c.Exchange.QuoteAssets) == 0 {
		c.Exchange.QuoteAssets = []string{p.QuoteAsset}
	}
	if c.Exchange.PaperBalances == nil && c.Exchange.Kind == "paper" {
		c.Exchange.PaperBalances = map[string]float64{p.QuoteAsset: p.Capital}
	}
	if c.Notification.MinSeverity == "" {
		c.Notification.MinSeverity = models.SeverityHigh
	}
	if c.AIConfig.MinConfidence == 0 {
		c.AIConfig.MinConfidence = 0.7
	}

	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.RiskLevel == "" {
			s.RiskLevel = models.RiskMedium
		}
	}
}

// ApplyEnv overrides secrets and endpoints from QUANTAGUARD_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	set("LOG_LEVEL", &c.Log.Level)
	set("SERVER_ADDR", &c.Server.Addr)
	set("OTP_SECRET", &c.Server.OTPSecret)
	set("EXCHANGE_API_KEY", &c.Exchange.APIKey)
	set("EXCHANGE_SECRET_KEY", &c.Exchange.SecretKey)
	set("DATABASE_CONN_STR", &c.Database.ConnStr)
	set("TELEGRAM_TOKEN", &c.Notification.Telegram.Token)
	set("WEBHOOK_URL", &c.Notification.Webhook.URL)
	set("REDIS_ADDR", &c.Notification.Redis.Addr)
	set("REDIS_PASSWORD", &c.Notification.Redis.Password)
	set("AI_API_KEY", &c.AIConfig.APIKey)

	if v, ok := lookup(EnvPrefix + "TELEGRAM_CHAT_ID"); ok && v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notification.Telegram.ChatID = id
		}
	}
}

// Validate reports every problem found, joined and wrapped with ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	p := c.Portfolio
	if !(p.Capital > 0) {
		add("portfolio.capital must be positive")
	}
	for name, v := range map[string]string{
		"monitor_interval":   p.MonitorInterval,
		"emergency_interval": p.EmergencyInterval,
		"stop_timeout":       p.StopTimeout,
		"frequency_window":   p.FrequencyWindow,
	} {
		if err := checkDuration(v); err != nil {
			add("portfolio.%s: %v", name, err)
		}
	}
	if p.RebalanceThreshold < 0 || p.EmergencyDrawdown < 0 || p.EmergencyDrawdown >= 1 || p.DisableScore < 0 || p.DisableScore > 100 {
		add("portfolio: thresholds out of range")
	}

	if err := c.RiskLimits.Validate(); err != nil {
		add("risk_limits: %v", err)
	}

	names := make(map[string]bool, len(c.Strategies))
	var sum float64
	for i, s := range c.Strategies {
		where := fmt.Sprintf("strategies[%d]", i)
		if s.Name == "" {
			add("%s: name is required", where)
		} else if names[s.Name] {
			add("%s: duplicate name %q", where, s.Name)
		}
		names[s.Name] = true
		if !knownKind(s.Kind) {
			add("%s: unknown kind %q (known: %v)", where, s.Kind, strategy.Kinds())
		}
		if s.Allocation < 0 || s.Allocation > 100 {
			add("%s: allocation must be within [0, 100]", where)
		}
		if s.Enabled {
			sum += s.Allocation
		}
		if !s.RiskLevel.Valid() {
			add("%s: invalid risk level %q", where, s.RiskLevel)
		}
		if len(s.Tokens) == 0 {
			add("%s: no tokens", where)
		}
		if !(s.MaxPositionSize > 0) {
			add("%s: max_position_size must be positive", where)
		}
		for name, v := range map[string]string{"interval": s.Interval, "cooldown": s.Cooldown, "trade_timeout": s.TradeTimeout} {
			if err := checkDuration(v); err != nil {
				add("%s.%s: %v", where, name, err)
			}
		}
	}
	if sum > 100 {
		add("strategies: enabled allocations sum to %.2f%%", sum)
	}

	switch c.Exchange.Kind {
	case "paper":
	case "binance":
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			add("exchange: binance requires api_key and secret_key")
		}
	default:
		add("exchange.kind: unknown %q", c.Exchange.Kind)
	}
	if err := checkDuration(c.Exchange.CacheTTL); err != nil {
		add("exchange.cache_ttl: %v", err)
	}

	switch c.Database.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Database.ConnStr == "" {
			add("database: %s requires conn_str", c.Database.Driver)
		}
	default:
		add("database.driver: unknown %q", c.Database.Driver)
	}

	switch c.Notification.MinSeverity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
	default:
		add("notification.min_severity: unknown %q", c.Notification.MinSeverity)
	}
	if c.Notification.Telegram.Token != "" && c.Notification.Telegram.ChatID == 0 {
		add("notification.telegram: chat_id is required")
	}

	if c.AIConfig.Enabled && c.AIConfig.APIKey == "" {
		add("ai_config: api_key is required when enabled")
	}
	if c.AIConfig.MinConfidence < 0 || c.AIConfig.MinConfidence > 1 {
		add("ai_config.min_confidence must be within [0, 1]")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// UnitConfig converts the strategy section into a unit configuration.
func (s Strategy) UnitConfig(quote string, minConfidence float64) strategy.Config {
	cfg := strategy.Config{
		Name:             s.Name,
		RiskLevel:        s.RiskLevel,
		QuoteAsset:       quote,
		Tokens:           s.Tokens,
		Interval:         ParseDuration(s.Interval, time.Minute),
		MaxPositionSize:  s.MaxPositionSize,
		MaxTradesPerHour: s.MaxTradesPerHour,
		Cooldown:         ParseDuration(s.Cooldown, 0),
		StopLoss:         s.StopLoss,
		TakeProfit:       s.TakeProfit,
		FeeRate:          s.FeeRate,
		MaxSlippage:      s.MaxSlippage,
		TradeTimeout:     ParseDuration(s.TradeTimeout, 30*time.Second),
	}
	if s.AIConfirm {
		cfg.MinConfidence = minConfidence
	}
	return cfg
}

// ParseDuration parses s, returning def when s is empty or invalid.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func checkDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative duration %s", s)
	}
	return nil
}

func knownKind(kind string) bool {
	for _, k := range strategy.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
