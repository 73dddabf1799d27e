package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kimssss/kis-autotrader/internal/broker"
	"github.com/Kimssss/kis-autotrader/internal/config"
	"github.com/Kimssss/kis-autotrader/internal/ledger"
	"github.com/Kimssss/kis-autotrader/internal/observ"
)

type mockBroker struct {
	balance    *broker.BalanceSnapshot
	balanceErr error

	daily    map[string][]broker.DailyCandle
	dailyErr error

	rank map[string][]broker.Candidate

	orders   []broker.OrderRequest
	orderErr error
}

func (m *mockBroker) Balance(context.Context) (*broker.BalanceSnapshot, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return m.balance, nil
}

func (m *mockBroker) Price(_ context.Context, symbol string) (*broker.Quote, error) {
	return &broker.Quote{Symbol: symbol}, nil
}

func (m *mockBroker) DailyPrices(_ context.Context, symbol string, count int) ([]broker.DailyCandle, error) {
	if m.dailyErr != nil {
		return nil, m.dailyErr
	}
	c := m.daily[symbol]
	if count > 0 && count < len(c) {
		return c[:count], nil
	}
	return c, nil
}

func (m *mockBroker) VolumeRank(_ context.Context, market string) ([]broker.Candidate, error) {
	return m.rank[market], nil
}

func (m *mockBroker) SubmitOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	m.orders = append(m.orders, req)
	return &broker.OrderResult{OrderID: "OD0001", SubmittedAt: time.Now()}, nil
}

func testStrategyConfig() config.Strategy {
	return config.Strategy{
		Name:           "momentum_volume",
		MinPrice:       1000,
		MaxPrice:       500000,
		MinVolumeRatio: 2.0,
		MinChangeRate:  2.0,
		MaxChangeRate:  8.0,
		RSIBuyMin:      50,
		RSIBuyMax:      70,
		MAShort:        5,
		TakeProfit:     5.0,
		StopLoss:       -3.0,
		MaxHoldDays:    3,
		MaxPositions:   5,
		PositionRatio:  0.2,
		MaxDailyBuys:   3,
		MinCash:        10000,
	}
}

// qualifyingCandles builds daily history that satisfies the momentum entry
// for a current price of 10000: closes near 9900 (above-MA check), RSI about
// 67, and a 3x volume surge.
func qualifyingCandles() []broker.DailyCandle {
	n := 20
	oldest := make([]float64, n)
	oldest[0] = 9900
	for i := 1; i < n; i++ {
		if i%2 == 1 {
			oldest[i] = oldest[i-1] + 2
		} else {
			oldest[i] = oldest[i-1] - 1
		}
	}

	candles := make([]broker.DailyCandle, n)
	for i := 0; i < n; i++ {
		close := oldest[n-1-i] // newest first
		vol := int64(100000)
		if i == 0 {
			vol = 300000
		}
		candles[i] = broker.DailyCandle{
			Date:   time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -i).Format("20060102"),
			Open:   close, High: close + 50, Low: close - 50, Close: close,
			Volume: vol,
		}
	}
	return candles
}

func newTestEngine(t *testing.T, api *mockBroker, cfg config.Strategy, now time.Time) (*Engine, *ledger.Ledger) {
	t.Helper()
	led := ledger.New("")
	variant, err := New(cfg, api)
	require.NoError(t, err)
	eng := NewEngine(api, variant, led, cfg, nil, observ.NewLogger("disabled"))
	eng.now = func() time.Time { return now }
	return eng, led
}

func TestCycle_EndToEndBuySizing(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	api := &mockBroker{
		balance: &broker.BalanceSnapshot{CashAvailable: 1000000},
		daily:   map[string][]broker.DailyCandle{"005930": qualifyingCandles()},
		rank: map[string][]broker.Candidate{
			broker.MarketKOSPI: {{Symbol: "005930", Name: "Samsung", Price: 10000, ChangeRate: 5.0, Volume: 300000, Market: broker.MarketKOSPI}},
		},
	}
	eng, led := newTestEngine(t, api, testStrategyConfig(), now)

	require.NoError(t, eng.Cycle(context.Background()))

	require.Len(t, api.orders, 1)
	ord := api.orders[0]
	require.Equal(t, broker.Buy, ord.Side)
	require.Equal(t, broker.Market, ord.Type)
	// floor(1,000,000 * 0.2 / 10,000) = 20 shares
	require.Equal(t, 20, ord.Quantity)

	pos, ok := led.Get("005930")
	require.True(t, ok)
	require.Equal(t, 20, pos.Quantity)
	require.Equal(t, 10000.0, pos.EntryPrice)
}

func TestCycle_TakeProfitBoundaryInclusive(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	api := &mockBroker{
		balance: &broker.BalanceSnapshot{
			Holdings: []broker.Holding{
				{Symbol: "000660", Name: "Hynix", Quantity: 10, AvgPrice: 10000, Price: 10500, ProfitRate: 5.0},
			},
			CashAvailable: 0,
		},
	}
	eng, led := newTestEngine(t, api, testStrategyConfig(), now)

	require.NoError(t, eng.Cycle(context.Background()))

	require.Len(t, api.orders, 1)
	require.Equal(t, broker.Sell, api.orders[0].Side)
	require.Equal(t, 10, api.orders[0].Quantity)
	_, held := led.Get("000660")
	require.False(t, held)
}

func TestCycle_JustBelowTakeProfitHolds(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	api := &mockBroker{
		balance: &broker.BalanceSnapshot{
			Holdings: []broker.Holding{
				{Symbol: "000660", Quantity: 10, ProfitRate: 4.99},
			},
		},
		dailyErr: context.DeadlineExceeded, // technical exit gets no data, must hold
	}
	eng, led := newTestEngine(t, api, testStrategyConfig(), now)

	require.NoError(t, eng.Cycle(context.Background()))
	require.Empty(t, api.orders)
	_, held := led.Get("000660")
	require.True(t, held)
}

func TestCycle_StopLossTriggers(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	api := &mockBroker{
		balance: &broker.BalanceSnapshot{
			Holdings: []broker.Holding{
				{Symbol: "035720", Quantity: 3, ProfitRate: -3.5},
			},
		},
	}
	eng, _ := newTestEngine(t, api, testStrategyConfig(), now)

	require.NoError(t, eng.Cycle(context.Background()))
	require.Len(t, api.orders, 1)
	require.Equal(t, broker.Sell, api.orders[0].Side)
}

func TestCycle_MaxHoldDaysExit(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	api := &mockBroker{
		balance: &broker.BalanceSnapshot{
			Holdings: []broker.Holding{
				{Symbol: "005380", Quantity: 5, ProfitRate: 1.0},
			},
		},
		dailyErr: context.DeadlineExceeded,
	}
	eng, led := newTestEngine(t, api, testStrategyConfig(), now)

	// entered one day beyond the max hold window
	require.NoError(t, led.RecordEntry("005380", "Hyundai", 20000, 5, now.AddDate(0, 0, -4)))

	require.NoError(t, eng.Cycle(context.Background()))
	require.Len(t, api.orders, 1)
	require.Equal(t, broker.Sell, api.orders[0].Side)
}

func TestCycle_WithinMaxHoldDaysHolds(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	api := &mockBroker{
		balance: &broker.BalanceSnapshot{
			Holdings: []broker.Holding{
				{Symbol: "005380", Quantity: 5, ProfitRate: 1.0},
			},
		},
		dailyErr: context.DeadlineExceeded,
	}
	eng, led := newTestEngine(t, api, testStrategyConfig(), now)
	require.NoError(t, led.RecordEntry("005380", "Hyundai", 20000, 5, now.AddDate(0, 0, -3)))

	require.NoError(t, eng.Cycle(context.Background()))
	require.Empty(t, api.orders)
}

func TestCycle_DailyBuyLimit(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	cfg := testStrategyConfig()
	cfg.MaxDailyBuys = 1

	api := &mockBroker{
		balance: &broker.BalanceSnapshot{CashAvailable: 1000000},
		daily: map[string][]broker.DailyCandle{
			"005930": qualifyingCandles(),
			"000660": qualifyingCandles(),
		},
		rank: map[string][]broker.Candidate{
			broker.MarketKOSPI: {
				{Symbol: "005930", Price: 10000, ChangeRate: 5.0, Market: broker.MarketKOSPI},
				{Symbol: "000660", Price: 10000, ChangeRate: 5.0, Market: broker.MarketKOSPI},
			},
		},
	}
	eng, _ := newTestEngine(t, api, cfg, now)

	require.NoError(t, eng.Cycle(context.Background()))
	require.Len(t, api.orders, 1)

	// the counter resets on the next calendar day
	eng.now = func() time.Time { return now.AddDate(0, 0, 1) }
	api.orders = nil
	api.balance.Holdings = []broker.Holding{{Symbol: "005930", Quantity: 20, AvgPrice: 10000, ProfitRate: 0.5}}
	require.NoError(t, eng.Cycle(context.Background()))
	require.Len(t, api.orders, 1)
	require.Equal(t, "000660", api.orders[0].Symbol)
}

func TestCycle_EntryGateClosedAtExactMinCash(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	cfg := testStrategyConfig()
	cfg.MinCash = 200000

	api := &mockBroker{
		balance: &broker.BalanceSnapshot{CashAvailable: 200000},
		daily:   map[string][]broker.DailyCandle{"005930": qualifyingCandles()},
		rank: map[string][]broker.Candidate{
			broker.MarketKOSPI: {{Symbol: "005930", Price: 10000, ChangeRate: 5.0, Market: broker.MarketKOSPI}},
		},
	}
	eng, _ := newTestEngine(t, api, cfg, now)

	// cash equal to the floor must not trade; only strictly above does
	require.NoError(t, eng.Cycle(context.Background()))
	require.Empty(t, api.orders)

	api.balance.CashAvailable = 200001
	require.NoError(t, eng.Cycle(context.Background()))
	require.Len(t, api.orders, 1)
}

func TestCycle_MaxPositionsGate(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	cfg := testStrategyConfig()
	cfg.MaxPositions = 1

	api := &mockBroker{
		balance: &broker.BalanceSnapshot{
			Holdings: []broker.Holding{
				{Symbol: "000001", Quantity: 1, ProfitRate: 0.1},
			},
			CashAvailable: 1000000,
		},
		dailyErr: context.DeadlineExceeded,
		rank: map[string][]broker.Candidate{
			broker.MarketKOSPI: {{Symbol: "005930", Price: 10000, ChangeRate: 5.0, Market: broker.MarketKOSPI}},
		},
	}
	eng, _ := newTestEngine(t, api, cfg, now)

	require.NoError(t, eng.Cycle(context.Background()))
	require.Empty(t, api.orders)
}

func TestCycle_RejectedOrderDoesNotTrackPosition(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	api := &mockBroker{
		balance: &broker.BalanceSnapshot{CashAvailable: 1000000},
		daily:   map[string][]broker.DailyCandle{"005930": qualifyingCandles()},
		rank: map[string][]broker.Candidate{
			broker.MarketKOSPI: {{Symbol: "005930", Price: 10000, ChangeRate: 5.0, Market: broker.MarketKOSPI}},
		},
		orderErr: &broker.OrderRejectedError{Code: "APBK0919", Message: "insufficient funds"},
	}
	eng, led := newTestEngine(t, api, testStrategyConfig(), now)

	require.NoError(t, eng.Cycle(context.Background()))
	require.Equal(t, 0, led.Count())
}

func TestCycle_BalanceFailureAborts(t *testing.T) {
	api := &mockBroker{balanceErr: context.DeadlineExceeded}
	eng, _ := newTestEngine(t, api, testStrategyConfig(), time.Now())
	require.Error(t, eng.Cycle(context.Background()))
}

func TestCycle_ReconcileAdoptsAndDrops(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local)
	api := &mockBroker{
		balance: &broker.BalanceSnapshot{
			Holdings: []broker.Holding{
				{Symbol: "051910", Name: "LG Chem", Quantity: 2, AvgPrice: 300000, ProfitRate: 0.2},
			},
		},
		dailyErr: context.DeadlineExceeded,
	}
	eng, led := newTestEngine(t, api, testStrategyConfig(), now)

	// tracked but no longer reported by the broker
	require.NoError(t, led.RecordEntry("005930", "Samsung", 70000, 10, now.AddDate(0, 0, -1)))

	require.NoError(t, eng.Cycle(context.Background()))

	_, stale := led.Get("005930")
	require.False(t, stale, "sold-elsewhere position must be dropped")

	adopted, ok := led.Get("051910")
	require.True(t, ok, "broker-reported holding must be adopted")
	require.Equal(t, 300000.0, adopted.EntryPrice)
}

func TestPositionSize(t *testing.T) {
	cases := []struct {
		cash, ratio, price float64
		want               int
	}{
		{1000000, 0.2, 10000, 20},
		{1000000, 0.2, 10001, 19},
		{5000, 0.2, 10000, 0},
		{0, 0.2, 10000, 0},
		{1000000, 0.2, 0, 0},
	}
	for _, c := range cases {
		if got := PositionSize(c.cash, c.ratio, c.price); got != c.want {
			t.Errorf("PositionSize(%v, %v, %v) = %d, want %d", c.cash, c.ratio, c.price, got, c.want)
		}
	}
}
