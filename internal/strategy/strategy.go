package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/Kimssss/kis-autotrader/internal/broker"
	"github.com/Kimssss/kis-autotrader/internal/config"
	"github.com/Kimssss/kis-autotrader/internal/ledger"
)

// Action is a trading decision direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is one strategy decision for one symbol.
type Signal struct {
	Symbol     string
	Action     Action
	Confidence float64
	Reason     string
}

// Broker is the operation surface the engine and variants need. Satisfied by
// *broker.Session.
type Broker interface {
	Balance(ctx context.Context) (*broker.BalanceSnapshot, error)
	Price(ctx context.Context, symbol string) (*broker.Quote, error)
	DailyPrices(ctx context.Context, symbol string, count int) ([]broker.DailyCandle, error)
	VolumeRank(ctx context.Context, market string) ([]broker.Candidate, error)
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error)
}

// Variant supplies the strategy-specific hooks inside the shared trade cycle.
// The engine owns ordering and gating; a variant only decides what qualifies.
type Variant interface {
	Name() string

	// Screen filters the ranked candidate list down to symbols worth a
	// confirmation query.
	Screen(cands []broker.Candidate) []broker.Candidate

	// Confirm evaluates the entry conditions for one screened candidate.
	// A nil signal with nil error means the candidate simply did not
	// qualify.
	Confirm(ctx context.Context, c broker.Candidate, now time.Time) (*Signal, error)

	// ExitReason reports a variant-specific exit condition for a held
	// position, beyond the shared take-profit / stop-loss / max-hold
	// rules.
	ExitReason(ctx context.Context, pos ledger.Position, h broker.Holding, now time.Time) (string, bool)

	// EntryWindowOpen reports whether new entries are allowed at now.
	// Variants without a time restriction always return true.
	EntryWindowOpen(now time.Time) bool
}

// New builds the variant named in cfg.
func New(cfg config.Strategy, api Broker) (Variant, error) {
	switch cfg.Name {
	case "momentum_volume":
		return NewMomentumVolume(cfg, api), nil
	case "volatility_breakout":
		return NewVolatilityBreakout(cfg, api)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
}

// parseHHMM converts "09:10" to minutes since midnight.
func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("time %q not in HH:MM form: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
