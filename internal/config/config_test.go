package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Kimssss/kis-autotrader/internal/broker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "mode: paper\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.RateLimitMs != 200 {
		t.Errorf("RateLimitMs = %d, want 200", cfg.API.RateLimitMs)
	}
	if cfg.Runner.CheckIntervalSec != 300 {
		t.Errorf("CheckIntervalSec = %d, want 300", cfg.Runner.CheckIntervalSec)
	}
	if cfg.Strategy.Name != "momentum_volume" {
		t.Errorf("strategy name = %q, want momentum_volume", cfg.Strategy.Name)
	}
	if cfg.Strategy.TakeProfit != 5.0 || cfg.Strategy.StopLoss != -3.0 {
		t.Errorf("exit bands = %v / %v, want 5.0 / -3.0", cfg.Strategy.TakeProfit, cfg.Strategy.StopLoss)
	}
	if cfg.Strategy.PositionRatio != 0.2 || cfg.Strategy.MaxPositions != 5 {
		t.Errorf("sizing = %v / %d", cfg.Strategy.PositionRatio, cfg.Strategy.MaxPositions)
	}
	if cfg.Strategy.BuyStart != "09:10" || cfg.Strategy.SellTime != "15:15" {
		t.Errorf("breakout windows = %q / %q", cfg.Strategy.BuyStart, cfg.Strategy.SellTime)
	}
}

func TestLoad_OverridesStick(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mode: live
api:
  rate_limit_ms: 100
strategy:
  name: volatility_breakout
  k_value: 0.7
  stop_loss: -2.0
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != "live" {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.API.RateLimitMs != 100 {
		t.Errorf("RateLimitMs = %d, want 100", cfg.API.RateLimitMs)
	}
	if cfg.Strategy.Name != "volatility_breakout" || cfg.Strategy.KValue != 0.7 {
		t.Errorf("strategy = %q k=%v", cfg.Strategy.Name, cfg.Strategy.KValue)
	}
	if cfg.Strategy.StopLoss != -2.0 {
		t.Errorf("StopLoss = %v, want -2.0", cfg.Strategy.StopLoss)
	}
}

func TestLoad_RejectsUnknownMode(t *testing.T) {
	if _, err := Load(writeConfig(t, "mode: sandbox\n")); err == nil {
		t.Fatal("unknown mode must be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestCredentials_ReadsModePrefixedVars(t *testing.T) {
	t.Setenv("DEMO_APPKEY", "demo-key")
	t.Setenv("DEMO_APPSECRET", "demo-secret")
	t.Setenv("DEMO_ACCOUNT_NO", "12345678-01")

	cred, err := Credentials("paper")
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if cred.AppKey != "demo-key" || cred.Env != broker.Paper {
		t.Fatalf("cred = %+v", cred)
	}
}

func TestCredentials_ReportsEveryMissingVar(t *testing.T) {
	t.Setenv("REAL_APPKEY", "")
	t.Setenv("REAL_APPSECRET", "")
	t.Setenv("REAL_ACCOUNT_NO", "")

	_, err := Credentials("live")
	if err == nil {
		t.Fatal("missing credentials must error")
	}
	for _, want := range []string{"REAL_APPKEY", "REAL_APPSECRET", "REAL_ACCOUNT_NO"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}
