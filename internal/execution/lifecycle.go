package execution

import (
	"github.com/web3guy0/divbot/internal/indicators"
	"github.com/web3guy0/divbot/internal/store"
)

// SecondaryRuleOK evaluates the next-bar-not-shortening rule: the histogram
// must keep extending in the trade's direction on the first bar after entry.
func SecondaryRuleOK(bias string, histEntry, histNow float64) bool {
	if bias == "LONG" {
		return histNow > histEntry
	}
	return histNow < histEntry
}

// TrailStop computes the next runner stop from the bar window and clamps it
// monotonically against the previous stop: stops only tighten.
func TrailStop(pos *store.Position, bars []store.Bar, mode string, atrPeriod int, atrMult float64) (float64, bool) {
	n := len(bars)
	if n == 0 {
		return pos.RunnerStopPrice, false
	}

	long := pos.Bias == "LONG"
	var candidate float64

	switch mode {
	case "PIVOT":
		lows := make([]float64, n)
		highs := make([]float64, n)
		for i, b := range bars {
			lows[i], highs[i] = b.Low, b.High
		}
		if long {
			pivots := indicators.PivotLows(lows, 2, 2)
			if len(pivots) == 0 {
				return pos.RunnerStopPrice, false
			}
			candidate = pivots[len(pivots)-1].Price
		} else {
			pivots := indicators.PivotHighs(highs, 2, 2)
			if len(pivots) == 0 {
				return pos.RunnerStopPrice, false
			}
			candidate = pivots[len(pivots)-1].Price
		}
	default: // ATR
		highs := make([]float64, n)
		lows := make([]float64, n)
		closes := make([]float64, n)
		for i, b := range bars {
			highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
		}
		atr := indicators.ATRSMA(highs, lows, closes, atrPeriod)
		last := n - 1
		if !indicators.Defined(atr[last]) {
			return pos.RunnerStopPrice, false
		}
		if long {
			candidate = closes[last] - atr[last]*atrMult
		} else {
			candidate = closes[last] + atr[last]*atrMult
		}
	}

	old := pos.RunnerStopPrice
	if long {
		if candidate > old {
			return candidate, true
		}
	} else {
		if candidate < old {
			return candidate, true
		}
	}
	return old, false
}
