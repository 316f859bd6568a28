// Package indicators provides the pure price-series math used by strategy
// and execution: EMA, MACD, RSI, OBV, ATR and fractal pivots. All functions
// return full series aligned with their input; positions with insufficient
// history hold NaN so callers can index by bar without off-by-one bookkeeping.
package indicators

import "math"

// NaN marks positions where an indicator is not yet defined.
var NaN = math.NaN()

// Defined reports whether v holds a computed indicator value.
func Defined(v float64) bool {
	return !math.IsNaN(v)
}

// EMA computes an exponential moving average seeded by the SMA of the first
// period values. out[i] is NaN for i < period-1.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	alpha := 2.0 / (float64(period) + 1.0)

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out[period-1] = seed

	prev := seed
	for i := period; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// MACD computes macd line, signal line and histogram over closes.
// The signal line is the EMA of the macd line with undefined positions
// treated as zero, matching how the series was always produced upstream.
func MACD(close []float64, fast, slow, signal int) (macdLine, signalLine, hist []float64) {
	emaFast := EMA(close, fast)
	emaSlow := EMA(close, slow)

	macdLine = nanSlice(len(close))
	filled := make([]float64, len(close))
	for i := range close {
		if Defined(emaFast[i]) && Defined(emaSlow[i]) {
			macdLine[i] = emaFast[i] - emaSlow[i]
			filled[i] = macdLine[i]
		}
	}

	signalRaw := EMA(filled, signal)
	signalLine = nanSlice(len(close))
	hist = nanSlice(len(close))
	for i := range close {
		if Defined(macdLine[i]) && Defined(signalRaw[i]) {
			signalLine[i] = signalRaw[i]
			hist[i] = macdLine[i] - signalLine[i]
		}
	}
	return macdLine, signalLine, hist
}

// MACDHistogram returns the histogram with the default 12/26/9 parameters.
func MACDHistogram(close []float64) []float64 {
	_, _, hist := MACD(close, 12, 26, 9)
	return hist
}

// LastHistogram returns the final defined histogram value, or NaN.
func LastHistogram(close []float64) float64 {
	hist := MACDHistogram(close)
	if len(hist) == 0 {
		return NaN
	}
	return hist[len(hist)-1]
}

// RSI computes the Wilder-smoothed relative strength index.
// out[i] is NaN for i < period.
func RSI(close []float64, period int) []float64 {
	out := nanSlice(len(close))
	if len(close) < period+1 {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		diff := close[i] - close[i-1]
		avgGain += math.Max(diff, 0)
		avgLoss += math.Max(-diff, 0)
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	rsiOf := func(gain, loss float64) float64 {
		if loss == 0 {
			return 100
		}
		rs := gain / loss
		return 100 - 100/(1+rs)
	}

	out[period] = rsiOf(avgGain, avgLoss)
	for i := period + 1; i < len(close); i++ {
		diff := close[i] - close[i-1]
		avgGain = (avgGain*float64(period-1) + math.Max(diff, 0)) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + math.Max(-diff, 0)) / float64(period)
		out[i] = rsiOf(avgGain, avgLoss)
	}
	return out
}

// OBV computes on-balance volume; out[0] is 0.
func OBV(close, volume []float64) []float64 {
	out := make([]float64, len(close))
	for i := 1; i < len(close); i++ {
		switch {
		case close[i] > close[i-1]:
			out[i] = out[i-1] + volume[i]
		case close[i] < close[i-1]:
			out[i] = out[i-1] - volume[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// TrueRange returns the true range series; out[0] is high[0]-low[0].
func TrueRange(high, low, close []float64) []float64 {
	out := make([]float64, len(close))
	for i := range close {
		if i == 0 {
			out[i] = high[i] - low[i]
			continue
		}
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATRSMA computes ATR as a simple moving average of true range. This is the
// flavor used by the runner trailing stop. out[i] is NaN for i < period-1.
func ATRSMA(high, low, close []float64, period int) []float64 {
	out := nanSlice(len(close))
	if period <= 0 || len(close) < period {
		return out
	}
	tr := TrueRange(high, low, close)

	sum := 0.0
	for i, v := range tr {
		sum += v
		if i >= period {
			sum -= tr[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ATRWilder computes Wilder-smoothed ATR, used by the market-state marker.
func ATRWilder(high, low, close []float64, period int) []float64 {
	out := nanSlice(len(close))
	if period <= 0 || len(close) < period {
		return out
	}
	tr := TrueRange(high, low, close)

	seed := 0.0
	for _, v := range tr[:period] {
		seed += v
	}
	prev := seed / float64(period)
	out[period-1] = prev
	for i := period; i < len(close); i++ {
		prev = (prev*float64(period-1) + tr[i]) / float64(period)
		out[i] = prev
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = NaN
	}
	return out
}
