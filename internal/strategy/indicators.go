package strategy

import "math"

// Price series are newest-first throughout this package, matching the order
// the broker's daily-price query returns.

// RSI computes the 14-period-style relative strength index over the most
// recent period+1 prices. Returns (0, false) when there is not enough data.
// A zero average loss (strictly rising series) is RSI 100, not a division
// fault.
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}

	// oldest-first window of period+1 closes
	window := make([]float64, period+1)
	for i := 0; i <= period; i++ {
		window[i] = prices[period-i]
	}

	var gain, loss float64
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change > 0 {
			gain += change
		} else {
			loss += -change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// SMA is the simple moving average of the most recent period prices.
func SMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	var sum float64
	for _, p := range prices[:period] {
		sum += p
	}
	return sum / float64(period), true
}

// EMA is the exponential moving average seeded with an SMA over the oldest
// period of a 2*period window.
func EMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	n := period * 2
	if n > len(prices) {
		n = len(prices)
	}
	// oldest-first
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = prices[n-1-i]
	}

	mult := 2 / float64(period+1)
	var seed float64
	for _, p := range w[:period] {
		seed += p
	}
	seed /= float64(period)

	out := seed
	for _, p := range w[period:] {
		out = (p-out)*mult + out
	}
	return out, true
}

// Bollinger returns the 20-period, 2-sigma bands around the simple average.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

func Bollinger(prices []float64, period int, stdDev float64) (Bands, bool) {
	if period <= 0 || len(prices) < period {
		return Bands{}, false
	}
	mid, _ := SMA(prices, period)

	var variance float64
	for _, p := range prices[:period] {
		variance += (p - mid) * (p - mid)
	}
	sigma := math.Sqrt(variance / float64(period))

	return Bands{
		Upper:  mid + stdDev*sigma,
		Middle: mid,
		Lower:  mid - stdDev*sigma,
	}, true
}

// MACDResult carries the MACD line, its signal line, and the histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the fast/slow EMA difference with a signal EMA over the MACD
// series.
func MACD(prices []float64, fast, slow, signal int) (MACDResult, bool) {
	if len(prices) < slow+signal {
		return MACDResult{}, false
	}

	// oldest-first
	series := make([]float64, len(prices))
	for i, p := range prices {
		series[len(prices)-1-i] = p
	}

	emaSeries := func(data []float64, period int) []float64 {
		mult := 2 / float64(period+1)
		var seed float64
		for _, p := range data[:period] {
			seed += p
		}
		seed /= float64(period)
		out := []float64{seed}
		cur := seed
		for _, p := range data[period:] {
			cur = (p-cur)*mult + cur
			out = append(out, cur)
		}
		return out
	}

	fastEMA := emaSeries(series, fast)
	slowEMA := emaSeries(series, slow)

	var macdLine []float64
	for i := range slowEMA {
		fi := i + (slow - fast)
		if fi < len(fastEMA) {
			macdLine = append(macdLine, fastEMA[fi]-slowEMA[i])
		}
	}
	if len(macdLine) < signal {
		return MACDResult{}, false
	}
	sigEMA := emaSeries(macdLine, signal)

	m := macdLine[len(macdLine)-1]
	s := sigEMA[len(sigEMA)-1]
	return MACDResult{MACD: m, Signal: s, Histogram: m - s}, true
}

// VolumeRatio compares today's volume to the average of the prior lookback
// days. ok is false when there is no usable denominator; callers must treat
// that as "no signal", never as an infinite ratio.
func VolumeRatio(volumes []int64, lookback int) (float64, bool) {
	if lookback <= 0 || len(volumes) < lookback+1 {
		return 0, false
	}
	var sum int64
	for _, v := range volumes[1 : lookback+1] {
		sum += v
	}
	avg := float64(sum) / float64(lookback)
	if avg == 0 {
		return 0, false
	}
	return float64(volumes[0]) / avg, true
}
