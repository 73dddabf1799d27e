package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/Kimssss/kis-autotrader/internal/broker"
	"github.com/Kimssss/kis-autotrader/internal/config"
	"github.com/Kimssss/kis-autotrader/internal/ledger"
)

const (
	rsiPeriod      = 14
	rsiOverbought  = 70.0
	volumeLookback = 5
	dailyFetch     = 60
)

// MomentumVolume buys volume-surge movers trading above their short moving
// average with RSI inside the entry band, and exits on overbought weakness.
type MomentumVolume struct {
	cfg config.Strategy
	api Broker
}

func NewMomentumVolume(cfg config.Strategy, api Broker) *MomentumVolume {
	return &MomentumVolume{cfg: cfg, api: api}
}

func (m *MomentumVolume) Name() string { return "momentum_volume" }

func (m *MomentumVolume) EntryWindowOpen(time.Time) bool { return true }

// Screen keeps candidates inside the price and change-rate bands. Rows that
// carry a ranked volume-increase rate are additionally held to the surge
// threshold; rows without one are deferred to Confirm, which recomputes the
// ratio from daily data.
func (m *MomentumVolume) Screen(cands []broker.Candidate) []broker.Candidate {
	out := make([]broker.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Price < m.cfg.MinPrice || c.Price > m.cfg.MaxPrice {
			continue
		}
		if c.ChangeRate < m.cfg.MinChangeRate || c.ChangeRate > m.cfg.MaxChangeRate {
			continue
		}
		if c.VolumeRatio > 0 && c.VolumeRatio < m.cfg.MinVolumeRatio {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Confirm re-checks the entry conditions against daily history: price above
// the short moving average, RSI inside the band, and the volume surge
// sustained against the trailing average. A zero trailing-volume average
// disables the surge check by yielding no signal.
func (m *MomentumVolume) Confirm(ctx context.Context, c broker.Candidate, now time.Time) (*Signal, error) {
	candles, err := m.api.DailyPrices(ctx, c.Symbol, dailyFetch)
	if err != nil {
		return nil, err
	}
	if len(candles) < rsiPeriod+1 {
		return nil, fmt.Errorf("only %d daily candles for %s", len(candles), c.Symbol)
	}

	closes := make([]float64, len(candles))
	volumes := make([]int64, len(candles))
	for i, d := range candles {
		closes[i] = d.Close
		volumes[i] = d.Volume
	}

	ratio, ok := VolumeRatio(volumes, volumeLookback)
	if !ok || ratio < m.cfg.MinVolumeRatio {
		return nil, nil
	}

	rsi, ok := RSI(closes, rsiPeriod)
	if !ok || rsi < m.cfg.RSIBuyMin || rsi > m.cfg.RSIBuyMax {
		return nil, nil
	}

	ma, ok := SMA(closes, m.cfg.MAShort)
	if !ok || c.Price <= ma {
		return nil, nil
	}

	conf := 0.6
	if ratio >= m.cfg.MinVolumeRatio*1.5 {
		conf += 0.15
	}
	if bands, ok := Bollinger(closes, 20, 2); ok && c.Price < bands.Upper {
		conf += 0.1
	}
	if macd, ok := MACD(closes, 12, 26, 9); ok && macd.Histogram > 0 {
		conf += 0.05
	}
	if conf > 0.95 {
		conf = 0.95
	}

	return &Signal{
		Symbol:     c.Symbol,
		Action:     ActionBuy,
		Confidence: conf,
		Reason: fmt.Sprintf("volume x%.1f, RSI %.1f, price %.0f above MA%d %.0f",
			ratio, rsi, c.Price, m.cfg.MAShort, ma),
	}, nil
}

// ExitReason flags the overbought-weakness exit: RSI above 70 while the
// price has turned down from the last close.
func (m *MomentumVolume) ExitReason(ctx context.Context, pos ledger.Position, h broker.Holding, now time.Time) (string, bool) {
	candles, err := m.api.DailyPrices(ctx, pos.Symbol, dailyFetch)
	if err != nil || len(candles) < rsiPeriod {
		// data failure never forces a decision
		return "", false
	}

	prices := make([]float64, 0, len(candles)+1)
	prices = append(prices, h.Price)
	for _, d := range candles {
		prices = append(prices, d.Close)
	}

	rsi, ok := RSI(prices, rsiPeriod)
	if !ok {
		return "", false
	}
	if rsi > rsiOverbought && prices[0] < prices[1] {
		return fmt.Sprintf("overbought reversal (RSI %.1f, price below last close)", rsi), true
	}
	return "", false
}
