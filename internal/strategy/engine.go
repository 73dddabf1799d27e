package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kimssss/kis-autotrader/internal/broker"
	"github.com/Kimssss/kis-autotrader/internal/config"
	"github.com/Kimssss/kis-autotrader/internal/ledger"
	"github.com/Kimssss/kis-autotrader/internal/observ"
	"github.com/Kimssss/kis-autotrader/internal/tradelog"
)

// Engine drives one trade cycle at a time: reconcile, exits, then entries.
// It is driven by a single worker and keeps no internal locking; the daily
// buy counter and ledger are only touched from Cycle.
type Engine struct {
	api     Broker
	variant Variant
	ledger  *ledger.Ledger
	cfg     config.Strategy
	trades  *tradelog.Writer
	log     zerolog.Logger

	now func() time.Time

	dailyBuys int
	buyDate   string // YYYY-MM-DD the counter belongs to
}

func NewEngine(api Broker, variant Variant, led *ledger.Ledger, cfg config.Strategy, trades *tradelog.Writer, log zerolog.Logger) *Engine {
	return &Engine{
		api:     api,
		variant: variant,
		ledger:  led,
		cfg:     cfg,
		trades:  trades,
		log:     log.With().Str("component", "engine").Str("strategy", variant.Name()).Logger(),
		now:     time.Now,
	}
}

// Cycle runs one full pass: authoritative balance fetch, ledger
// reconciliation, exit evaluation per position, then entry evaluation under
// the position/cash/daily gates. Per-candidate and per-position failures are
// logged and skipped; only the balance fetch can fail the cycle.
func (e *Engine) Cycle(ctx context.Context) error {
	now := e.now()
	e.rollBuyCounter(now)

	snap, err := e.api.Balance(ctx)
	if err != nil {
		return fmt.Errorf("balance fetch: %w", err)
	}

	if err := e.ledger.Reconcile(snap.Holdings, now); err != nil {
		e.log.Warn().Err(err).Msg("ledger reconcile persist failed")
	}
	observ.OpenPositions.Set(float64(e.ledger.Count()))

	e.evaluateExits(ctx, snap.Holdings, now)

	if err := e.evaluateEntries(ctx, snap.CashAvailable, now); err != nil {
		return err
	}

	observ.OpenPositions.Set(float64(e.ledger.Count()))
	return nil
}

func (e *Engine) rollBuyCounter(now time.Time) {
	d := now.Format("2006-01-02")
	if d != e.buyDate {
		e.buyDate = d
		e.dailyBuys = 0
	}
}

// evaluateExits walks every broker-reported holding and closes the ones that
// hit an exit rule. One failing position never stops the rest.
func (e *Engine) evaluateExits(ctx context.Context, holdings []broker.Holding, now time.Time) {
	for _, h := range holdings {
		pos, ok := e.ledger.Get(h.Symbol)
		if !ok {
			continue
		}
		reason, exit := e.exitReason(ctx, pos, h, now)
		if !exit {
			continue
		}
		if err := e.sell(ctx, pos, h, reason, now); err != nil {
			e.log.Error().Err(err).Str("symbol", h.Symbol).Msg("exit order failed")
		}
	}
}

// exitReason applies the shared rules in order, then the variant's own.
// Take-profit is inclusive at the boundary.
func (e *Engine) exitReason(ctx context.Context, pos ledger.Position, h broker.Holding, now time.Time) (string, bool) {
	if h.ProfitRate >= e.cfg.TakeProfit {
		return fmt.Sprintf("take profit %.2f%% >= %.2f%%", h.ProfitRate, e.cfg.TakeProfit), true
	}
	if h.ProfitRate <= e.cfg.StopLoss {
		return fmt.Sprintf("stop loss %.2f%% <= %.2f%%", h.ProfitRate, e.cfg.StopLoss), true
	}
	if days := e.ledger.HeldDays(pos.Symbol, now); days > e.cfg.MaxHoldDays {
		return fmt.Sprintf("held %d days, max %d", days, e.cfg.MaxHoldDays), true
	}
	return e.variant.ExitReason(ctx, pos, h, now)
}

func (e *Engine) sell(ctx context.Context, pos ledger.Position, h broker.Holding, reason string, now time.Time) error {
	res, err := e.api.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:   h.Symbol,
		Side:     broker.Sell,
		Quantity: h.Quantity,
		Type:     broker.Market,
	})
	if err != nil {
		var rej *broker.OrderRejectedError
		if errors.As(err, &rej) {
			observ.OrdersTotal.WithLabelValues("sell", "rejected").Inc()
			e.logTrade(tradelog.Record{
				Time: now, Strategy: e.variant.Name(), Symbol: h.Symbol, Name: h.Name,
				Side: "SELL", Quantity: h.Quantity, Price: h.Price,
				Reason: reason, Outcome: "rejected", Message: rej.Message,
			})
		}
		return err
	}

	observ.OrdersTotal.WithLabelValues("sell", "submitted").Inc()
	e.log.Info().
		Str("symbol", h.Symbol).
		Int("quantity", h.Quantity).
		Float64("profit_rate", h.ProfitRate).
		Str("reason", reason).
		Str("order_id", res.OrderID).
		Msg("position closed")

	if err := e.ledger.RecordExit(h.Symbol); err != nil {
		e.log.Warn().Err(err).Str("symbol", h.Symbol).Msg("ledger exit persist failed")
	}
	e.logTrade(tradelog.Record{
		Time: now, Strategy: e.variant.Name(), Symbol: h.Symbol, Name: h.Name,
		Side: "SELL", Quantity: h.Quantity, Price: h.Price,
		Reason: reason, Outcome: "submitted", OrderID: res.OrderID,
	})
	return nil
}

// evaluateEntries screens, confirms, sizes and submits buys while all gates
// hold. cash is decremented locally as orders go out so one cycle cannot
// overspend the snapshot.
func (e *Engine) evaluateEntries(ctx context.Context, cash float64, now time.Time) error {
	if !e.entryGateOpen(cash, now) {
		return nil
	}

	var cands []broker.Candidate
	for _, market := range []string{broker.MarketKOSPI, broker.MarketKOSDAQ} {
		rows, err := e.api.VolumeRank(ctx, market)
		if err != nil {
			e.log.Warn().Err(err).Str("market", market).Msg("screening query failed")
			continue
		}
		cands = append(cands, rows...)
	}

	for _, c := range e.variant.Screen(cands) {
		if !e.entryGateOpen(cash, now) {
			break
		}
		if _, held := e.ledger.Get(c.Symbol); held {
			continue
		}

		sig, err := e.variant.Confirm(ctx, c, now)
		if err != nil {
			e.log.Debug().Err(err).Str("symbol", c.Symbol).Msg("candidate skipped")
			continue
		}
		if sig == nil || sig.Action != ActionBuy {
			continue
		}

		qty := PositionSize(cash, e.cfg.PositionRatio, c.Price)
		if qty < 1 {
			continue
		}

		if err := e.buy(ctx, c, sig, qty, now); err != nil {
			e.log.Error().Err(err).Str("symbol", c.Symbol).Msg("entry order failed")
			continue
		}
		cash -= float64(qty) * c.Price
	}
	return nil
}

func (e *Engine) entryGateOpen(cash float64, now time.Time) bool {
	if e.ledger.Count() >= e.cfg.MaxPositions {
		return false
	}
	if e.dailyBuys >= e.cfg.MaxDailyBuys {
		return false
	}
	if cash <= e.cfg.MinCash {
		return false
	}
	return e.variant.EntryWindowOpen(now)
}

func (e *Engine) buy(ctx context.Context, c broker.Candidate, sig *Signal, qty int, now time.Time) error {
	res, err := e.api.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:   c.Symbol,
		Side:     broker.Buy,
		Quantity: qty,
		Type:     broker.Market,
	})
	if err != nil {
		var rej *broker.OrderRejectedError
		if errors.As(err, &rej) {
			observ.OrdersTotal.WithLabelValues("buy", "rejected").Inc()
			e.logTrade(tradelog.Record{
				Time: now, Strategy: e.variant.Name(), Symbol: c.Symbol, Name: c.Name,
				Side: "BUY", Quantity: qty, Price: c.Price,
				Reason: sig.Reason, Outcome: "rejected", Message: rej.Message,
			})
		}
		return err
	}

	observ.OrdersTotal.WithLabelValues("buy", "submitted").Inc()
	e.log.Info().
		Str("symbol", c.Symbol).
		Str("name", c.Name).
		Int("quantity", qty).
		Float64("price", c.Price).
		Float64("confidence", sig.Confidence).
		Str("reason", sig.Reason).
		Str("order_id", res.OrderID).
		Msg("position opened")

	if err := e.ledger.RecordEntry(c.Symbol, c.Name, c.Price, qty, now); err != nil {
		e.log.Warn().Err(err).Str("symbol", c.Symbol).Msg("ledger entry persist failed")
	}
	e.dailyBuys++
	e.logTrade(tradelog.Record{
		Time: now, Strategy: e.variant.Name(), Symbol: c.Symbol, Name: c.Name,
		Side: "BUY", Quantity: qty, Price: c.Price,
		Reason: sig.Reason, Outcome: "submitted", OrderID: res.OrderID,
	})
	return nil
}

func (e *Engine) logTrade(rec tradelog.Record) {
	if err := e.trades.Write(rec); err != nil {
		e.log.Warn().Err(err).Msg("trade log write failed")
	}
}

// PositionSize is the whole-share quantity for one entry: floor of the cash
// allotment over the price. Zero when even one share does not fit.
func PositionSize(cash, ratio, price float64) int {
	if price <= 0 || ratio <= 0 || cash <= 0 {
		return 0
	}
	return int(math.Floor(cash * ratio / price))
}
