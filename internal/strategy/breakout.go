package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/Kimssss/kis-autotrader/internal/broker"
	"github.com/Kimssss/kis-autotrader/internal/config"
	"github.com/Kimssss/kis-autotrader/internal/ledger"
)

// VolatilityBreakout buys when the price clears the day's breakout target
// (today's open plus k times the previous day's range) inside the entry
// window, and liquidates everything at the configured sell time.
type VolatilityBreakout struct {
	cfg      config.Strategy
	api      Broker
	buyStart int // minutes since midnight
	buyEnd   int
	sellAt   int
}

func NewVolatilityBreakout(cfg config.Strategy, api Broker) (*VolatilityBreakout, error) {
	start, err := parseHHMM(cfg.BuyStart)
	if err != nil {
		return nil, fmt.Errorf("buy_start: %w", err)
	}
	end, err := parseHHMM(cfg.BuyEnd)
	if err != nil {
		return nil, fmt.Errorf("buy_end: %w", err)
	}
	sell, err := parseHHMM(cfg.SellTime)
	if err != nil {
		return nil, fmt.Errorf("sell_time: %w", err)
	}
	if start >= end {
		return nil, fmt.Errorf("buy window %s-%s is empty", cfg.BuyStart, cfg.BuyEnd)
	}
	return &VolatilityBreakout{cfg: cfg, api: api, buyStart: start, buyEnd: end, sellAt: sell}, nil
}

func (v *VolatilityBreakout) Name() string { return "volatility_breakout" }

func (v *VolatilityBreakout) EntryWindowOpen(now time.Time) bool {
	m := minuteOfDay(now)
	return m >= v.buyStart && m <= v.buyEnd
}

// Screen keeps candidates inside the price and change-rate bands.
func (v *VolatilityBreakout) Screen(cands []broker.Candidate) []broker.Candidate {
	out := make([]broker.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Price < v.cfg.MinPrice || c.Price > v.cfg.MaxPrice {
			continue
		}
		if c.ChangeRate < v.cfg.MinChangeRate || c.ChangeRate > v.cfg.MaxChangeRate {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Confirm checks the breakout: current price above today's open plus k times
// yesterday's high-low range, during the entry window only.
func (v *VolatilityBreakout) Confirm(ctx context.Context, c broker.Candidate, now time.Time) (*Signal, error) {
	if !v.EntryWindowOpen(now) {
		return nil, nil
	}

	candles, err := v.api.DailyPrices(ctx, c.Symbol, 2)
	if err != nil {
		return nil, err
	}
	if len(candles) < 2 {
		return nil, fmt.Errorf("need 2 daily candles for %s, got %d", c.Symbol, len(candles))
	}

	today, prev := candles[0], candles[1]
	if today.Open <= 0 || prev.High <= prev.Low {
		return nil, nil
	}
	target := today.Open + v.cfg.KValue*(prev.High-prev.Low)
	if c.Price <= target {
		return nil, nil
	}

	margin := (c.Price - target) / target * 100
	conf := 0.6 + margin/10
	if conf > 0.95 {
		conf = 0.95
	}

	return &Signal{
		Symbol:     c.Symbol,
		Action:     ActionBuy,
		Confidence: conf,
		Reason:     fmt.Sprintf("breakout above %.0f (open %.0f + %.1f x range %.0f)", target, today.Open, v.cfg.KValue, prev.High-prev.Low),
	}, nil
}

// ExitReason liquidates every position once the sell time is reached.
func (v *VolatilityBreakout) ExitReason(ctx context.Context, pos ledger.Position, h broker.Holding, now time.Time) (string, bool) {
	if minuteOfDay(now) >= v.sellAt {
		return fmt.Sprintf("session liquidation at %s", v.cfg.SellTime), true
	}
	return "", false
}
