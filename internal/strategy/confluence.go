package strategy

import (
	"github.com/web3guy0/divbot/internal/indicators"
)

// Vegas tunnel states.
const (
	VegasBullish = "Bullish"
	VegasBearish = "Bearish"
	VegasNeutral = "Neutral"
)

// Confirmation names.
const (
	ConfirmEngulfing = "ENGULFING"
	ConfirmRSIDiv    = "RSI_DIV"
	ConfirmOBVDiv    = "OBV_DIV"
	ConfirmFVG       = "FVG_PROXIMITY"
)

const (
	vegasFast  = 144
	vegasSlow  = 169
	rsiPeriod  = 14
	fvgLookback = 20
)

// VegasState classifies the last close against the EMA144/169 tunnel.
func VegasState(closes []float64) string {
	ema144 := indicators.EMA(closes, vegasFast)
	ema169 := indicators.EMA(closes, vegasSlow)
	last := len(closes) - 1
	if last < 0 || !indicators.Defined(ema144[last]) || !indicators.Defined(ema169[last]) {
		return VegasNeutral
	}
	c := closes[last]
	switch {
	case c > ema144[last] && c > ema169[last]:
		return VegasBullish
	case c < ema144[last] && c < ema169[last]:
		return VegasBearish
	}
	return VegasNeutral
}

// VegasAllows reports whether the tunnel state permits the bias.
func VegasAllows(bias, state string) bool {
	return (bias == BiasLong && state == VegasBullish) ||
		(bias == BiasShort && state == VegasBearish)
}

// Candle is the OHLCV view confluence checks operate on.
type Candle struct {
	Open, High, Low, Close, Volume float64
}

// Confirmations runs all confluence checks for a detected divergence and
// returns the names of the ones that hit.
func Confirmations(bias string, candles []Candle) []string {
	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i], highs[i], lows[i], volumes[i] = c.Close, c.High, c.Low, c.Volume
	}

	var hits []string
	if engulfing(bias, candles) {
		hits = append(hits, ConfirmEngulfing)
	}
	rsi := indicators.RSI(closes, rsiPeriod)
	if oscillatorDivergence(bias, highs, lows, rsi) {
		hits = append(hits, ConfirmRSIDiv)
	}
	obv := indicators.OBV(closes, volumes)
	if oscillatorDivergence(bias, highs, lows, obv) {
		hits = append(hits, ConfirmOBVDiv)
	}
	if fvgProximity(bias, candles) {
		hits = append(hits, ConfirmFVG)
	}
	return hits
}

// engulfing checks the last two candles for a body-containment reversal in
// the direction of bias.
func engulfing(bias string, candles []Candle) bool {
	if len(candles) < 2 {
		return false
	}
	prev, cur := candles[len(candles)-2], candles[len(candles)-1]
	if bias == BiasLong {
		return prev.Close < prev.Open && cur.Close > cur.Open &&
			cur.Open <= prev.Close && cur.Close >= prev.Open
	}
	return prev.Close > prev.Open && cur.Close < cur.Open &&
		cur.Open >= prev.Close && cur.Close <= prev.Open
}

// oscillatorDivergence compares the last two price pivots against the
// oscillator: price makes a new extreme that the oscillator refuses.
func oscillatorDivergence(bias string, highs, lows, osc []float64) bool {
	if bias == BiasLong {
		pivots := indicators.PivotLows(lows, pivotWing, pivotWing)
		if len(pivots) < 2 {
			return false
		}
		a, b := pivots[len(pivots)-2], pivots[len(pivots)-1]
		if !indicators.Defined(osc[a.Index]) || !indicators.Defined(osc[b.Index]) {
			return false
		}
		return b.Price < a.Price && osc[b.Index] > osc[a.Index]
	}
	pivots := indicators.PivotHighs(highs, pivotWing, pivotWing)
	if len(pivots) < 2 {
		return false
	}
	a, b := pivots[len(pivots)-2], pivots[len(pivots)-1]
	if !indicators.Defined(osc[a.Index]) || !indicators.Defined(osc[b.Index]) {
		return false
	}
	return b.Price > a.Price && osc[b.Index] < osc[a.Index]
}

// fvgProximity reports whether a recent fair value gap in the direction of
// bias contains the current close. A bullish gap is candle[i-2].high <
// candle[i].low; bearish is the mirror.
func fvgProximity(bias string, candles []Candle) bool {
	n := len(candles)
	if n < 3 {
		return false
	}
	cur := candles[n-1].Close
	start := n - fvgLookback
	if start < 2 {
		start = 2
	}
	for i := start; i < n; i++ {
		a, c := candles[i-2], candles[i]
		if bias == BiasLong {
			if a.High < c.Low && cur >= a.High && cur <= c.Low {
				return true
			}
		} else {
			if a.Low > c.High && cur >= c.High && cur <= a.Low {
				return true
			}
		}
	}
	return false
}
