package strategy

import (
	"math"
	"testing"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestRSI_StrictlyRisingIs100(t *testing.T) {
	// newest-first: 115 down to 100
	prices := make([]float64, 16)
	for i := range prices {
		prices[i] = float64(115 - i)
	}
	rsi, ok := RSI(prices, 14)
	if !ok {
		t.Fatal("expected RSI to be computable")
	}
	if rsi != 100 {
		t.Fatalf("rising series RSI = %v, want 100", rsi)
	}
}

func TestRSI_StrictlyFallingIsZero(t *testing.T) {
	prices := make([]float64, 16)
	for i := range prices {
		prices[i] = float64(100 + i)
	}
	rsi, ok := RSI(prices, 14)
	if !ok {
		t.Fatal("expected RSI to be computable")
	}
	if rsi != 0 {
		t.Fatalf("falling series RSI = %v, want 0", rsi)
	}
}

func TestRSI_AlternatingIsBalanced(t *testing.T) {
	// equal gains and losses -> RS = 1 -> RSI = 50
	prices := make([]float64, 15)
	for i := range prices {
		if i%2 == 0 {
			prices[i] = 101
		} else {
			prices[i] = 100
		}
	}
	rsi, ok := RSI(prices, 14)
	if !ok {
		t.Fatal("expected RSI to be computable")
	}
	if !almostEqual(rsi, 50, 1e-9) {
		t.Fatalf("balanced series RSI = %v, want 50", rsi)
	}
}

func TestRSI_InsufficientData(t *testing.T) {
	if _, ok := RSI([]float64{1, 2, 3}, 14); ok {
		t.Fatal("RSI on 3 points should not be computable")
	}
}

func TestSMA(t *testing.T) {
	prices := []float64{10, 20, 30, 40, 50, 999}
	got, ok := SMA(prices, 5)
	if !ok {
		t.Fatal("expected SMA to be computable")
	}
	if got != 30 {
		t.Fatalf("SMA = %v, want 30", got)
	}
	if _, ok := SMA(prices, 10); ok {
		t.Fatal("SMA over more points than available should fail")
	}
}

func TestEMA_ConstantSeries(t *testing.T) {
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 42
	}
	got, ok := EMA(prices, 5)
	if !ok {
		t.Fatal("expected EMA to be computable")
	}
	if !almostEqual(got, 42, 1e-9) {
		t.Fatalf("EMA of constant series = %v, want 42", got)
	}
}

func TestBollinger_ConstantSeriesCollapses(t *testing.T) {
	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 100
	}
	b, ok := Bollinger(prices, 20, 2)
	if !ok {
		t.Fatal("expected bands to be computable")
	}
	if b.Upper != 100 || b.Middle != 100 || b.Lower != 100 {
		t.Fatalf("constant series bands = %+v, want all 100", b)
	}
}

func TestMACD_ConstantSeriesIsZero(t *testing.T) {
	prices := make([]float64, 40)
	for i := range prices {
		prices[i] = 100
	}
	m, ok := MACD(prices, 12, 26, 9)
	if !ok {
		t.Fatal("expected MACD to be computable")
	}
	if !almostEqual(m.MACD, 0, 1e-9) || !almostEqual(m.Histogram, 0, 1e-9) {
		t.Fatalf("constant series MACD = %+v, want zeros", m)
	}
}

func TestVolumeRatio(t *testing.T) {
	// today 300k vs trailing average 100k
	vols := []int64{300000, 100000, 100000, 100000, 100000, 100000}
	ratio, ok := VolumeRatio(vols, 5)
	if !ok {
		t.Fatal("expected ratio to be computable")
	}
	if !almostEqual(ratio, 3.0, 1e-9) {
		t.Fatalf("ratio = %v, want 3.0", ratio)
	}
}

func TestVolumeRatio_ZeroDenominatorIsNoSignal(t *testing.T) {
	vols := []int64{300000, 0, 0, 0, 0, 0}
	if _, ok := VolumeRatio(vols, 5); ok {
		t.Fatal("zero trailing average must not produce a ratio")
	}
}
