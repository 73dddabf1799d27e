package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Kimssss/kis-autotrader/internal/broker"
)

// App holds process-wide settings.
type App struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// API tunes the resilient client layer.
type API struct {
	RateLimitMs      int    `yaml:"rate_limit_ms"`
	MaxRetries       int    `yaml:"max_retries"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	TokenCacheDir    string `yaml:"token_cache_dir"`
	TokenRetryCount  int    `yaml:"token_retry_count"`
	TokenCooldownSec int    `yaml:"token_cooldown_seconds"`
}

// Runner tunes the scheduling loop.
type Runner struct {
	CheckIntervalSec int `yaml:"check_interval_seconds"`
	IdleIntervalSec  int `yaml:"idle_interval_seconds"`
	CooldownSec      int `yaml:"cooldown_seconds"`
	PausePollSec     int `yaml:"pause_poll_seconds"`
}

// Strategy is the flat knob surface shared by both strategy variants.
// Percent knobs are percentages, not fractions: take_profit 5.0 means +5%.
type Strategy struct {
	Name string `yaml:"name"` // momentum_volume | volatility_breakout

	MinPrice       float64 `yaml:"min_price"`
	MaxPrice       float64 `yaml:"max_price"`
	MinVolumeRatio float64 `yaml:"min_volume_ratio"`
	MinChangeRate  float64 `yaml:"min_change_rate"`
	MaxChangeRate  float64 `yaml:"max_change_rate"`

	RSIBuyMin float64 `yaml:"rsi_buy_min"`
	RSIBuyMax float64 `yaml:"rsi_buy_max"`
	MAShort   int     `yaml:"ma_short"`

	TakeProfit  float64 `yaml:"take_profit"`
	StopLoss    float64 `yaml:"stop_loss"` // negative
	MaxHoldDays int     `yaml:"max_hold_days"`

	MaxPositions  int     `yaml:"max_positions"`
	PositionRatio float64 `yaml:"position_ratio"`
	MaxDailyBuys  int     `yaml:"max_daily_buys"`
	MinCash       float64 `yaml:"min_cash"`

	// volatility breakout only
	KValue   float64 `yaml:"k_value"`
	BuyStart string  `yaml:"buy_start"` // "09:10"
	BuyEnd   string  `yaml:"buy_end"`   // "14:30"
	SellTime string  `yaml:"sell_time"` // "15:15"
}

// Root is the whole config file.
type Root struct {
	Mode         string   `yaml:"mode"` // paper | live
	App          App      `yaml:"app"`
	API          API      `yaml:"api"`
	Runner       Runner   `yaml:"runner"`
	Strategy     Strategy `yaml:"strategy"`
	LedgerPath   string   `yaml:"ledger_path"`
	TradeLogPath string   `yaml:"trade_log_path"`
}

// Load reads the YAML file and fills defaults for anything left zero.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	if c.Mode != string(broker.Paper) && c.Mode != string(broker.Live) {
		return c, fmt.Errorf("mode must be %q or %q, got %q", broker.Paper, broker.Live, c.Mode)
	}
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Mode == "" {
		c.Mode = string(broker.Paper)
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.MetricsAddr == "" {
		c.App.MetricsAddr = ":9301"
	}

	if c.API.RateLimitMs == 0 {
		c.API.RateLimitMs = 200
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = 3
	}
	if c.API.TimeoutMs == 0 {
		c.API.TimeoutMs = 30000
	}
	if c.API.TokenCacheDir == "" {
		c.API.TokenCacheDir = "cache"
	}
	if c.API.TokenRetryCount == 0 {
		c.API.TokenRetryCount = 3
	}
	if c.API.TokenCooldownSec == 0 {
		c.API.TokenCooldownSec = 60
	}

	if c.Runner.CheckIntervalSec == 0 {
		c.Runner.CheckIntervalSec = 300
	}
	if c.Runner.IdleIntervalSec == 0 {
		c.Runner.IdleIntervalSec = 1800
	}
	if c.Runner.CooldownSec == 0 {
		c.Runner.CooldownSec = 300
	}
	if c.Runner.PausePollSec == 0 {
		c.Runner.PausePollSec = 5
	}

	s := &c.Strategy
	if s.Name == "" {
		s.Name = "momentum_volume"
	}
	if s.MinPrice == 0 {
		s.MinPrice = 1000
	}
	if s.MaxPrice == 0 {
		s.MaxPrice = 500000
	}
	if s.MinVolumeRatio == 0 {
		s.MinVolumeRatio = 2.0
	}
	if s.MinChangeRate == 0 {
		s.MinChangeRate = 2.0
	}
	if s.MaxChangeRate == 0 {
		s.MaxChangeRate = 8.0
	}
	if s.RSIBuyMin == 0 {
		s.RSIBuyMin = 50
	}
	if s.RSIBuyMax == 0 {
		s.RSIBuyMax = 70
	}
	if s.MAShort == 0 {
		s.MAShort = 5
	}
	if s.TakeProfit == 0 {
		s.TakeProfit = 5.0
	}
	if s.StopLoss == 0 {
		s.StopLoss = -3.0
	}
	if s.MaxHoldDays == 0 {
		s.MaxHoldDays = 3
	}
	if s.MaxPositions == 0 {
		s.MaxPositions = 5
	}
	if s.PositionRatio == 0 {
		s.PositionRatio = 0.2
	}
	if s.MaxDailyBuys == 0 {
		s.MaxDailyBuys = 3
	}
	if s.MinCash == 0 {
		s.MinCash = 10000
	}
	if s.KValue == 0 {
		s.KValue = 0.5
	}
	if s.BuyStart == "" {
		s.BuyStart = "09:10"
	}
	if s.BuyEnd == "" {
		s.BuyEnd = "14:30"
	}
	if s.SellTime == "" {
		s.SellTime = "15:15"
	}

	if c.LedgerPath == "" {
		c.LedgerPath = "data/positions.json"
	}
	if c.TradeLogPath == "" {
		c.TradeLogPath = "data/trades.jsonl"
	}
}

// Credentials assembles the broker credential for mode from the environment.
// A .env file in the working directory is honored if present. Variable names
// follow the REAL_/DEMO_ convention: REAL_APPKEY, REAL_APPSECRET,
// REAL_ACCOUNT_NO and their DEMO_ counterparts.
func Credentials(mode string) (broker.Credential, error) {
	_ = godotenv.Load() // optional

	prefix := "DEMO_"
	env := broker.Paper
	if mode == string(broker.Live) {
		prefix = "REAL_"
		env = broker.Live
	}

	cred := broker.Credential{
		AppKey:    os.Getenv(prefix + "APPKEY"),
		AppSecret: os.Getenv(prefix + "APPSECRET"),
		AccountNo: os.Getenv(prefix + "ACCOUNT_NO"),
		Env:       env,
	}

	var missing []string
	if cred.AppKey == "" {
		missing = append(missing, prefix+"APPKEY")
	}
	if cred.AppSecret == "" {
		missing = append(missing, prefix+"APPSECRET")
	}
	if cred.AccountNo == "" {
		missing = append(missing, prefix+"ACCOUNT_NO")
	}
	if len(missing) > 0 {
		return broker.Credential{}, fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return cred, nil
}
