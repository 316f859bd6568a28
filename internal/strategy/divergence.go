// Package strategy turns closed bars into signals and trade plans. The core
// setup is a three-segment MACD histogram divergence filtered by the Vegas
// tunnel and a configurable count of confluence confirmations.
package strategy

import (
	"github.com/web3guy0/divbot/internal/indicators"
)

// Biases.
const (
	BiasLong  = "LONG"
	BiasShort = "SHORT"
)

const (
	pivotWing    = 2
	minBars      = 120
	divSegments  = 3
)

// Divergence describes a detected three-segment divergence. P3 is the most
// recent pivot and anchors the primary stop.
type Divergence struct {
	Bias string
	P1   indicators.Pivot
	P2   indicators.Pivot
	P3   indicators.Pivot
	H1   float64
	H2   float64
	H3   float64
}

// DetectDivergence looks for a three-segment divergence on the last three
// pivots. LONG: pivot lows with strictly falling prices and strictly rising
// histogram. SHORT: pivot highs with strictly rising prices and strictly
// falling histogram. Returns nil when neither holds.
func DetectDivergence(highs, lows []float64, hist []float64) *Divergence {
	if len(lows) < minBars || len(hist) != len(lows) {
		return nil
	}

	if d := lastThree(indicators.PivotLows(lows, pivotWing, pivotWing), hist); d != nil {
		p1, p2, p3 := d[0], d[1], d[2]
		h1, h2, h3 := hist[p1.Index], hist[p2.Index], hist[p3.Index]
		if defined(h1, h2, h3) &&
			p1.Price > p2.Price && p2.Price > p3.Price &&
			h1 < h2 && h2 < h3 {
			return &Divergence{Bias: BiasLong, P1: p1, P2: p2, P3: p3, H1: h1, H2: h2, H3: h3}
		}
	}

	if d := lastThree(indicators.PivotHighs(highs, pivotWing, pivotWing), hist); d != nil {
		p1, p2, p3 := d[0], d[1], d[2]
		h1, h2, h3 := hist[p1.Index], hist[p2.Index], hist[p3.Index]
		if defined(h1, h2, h3) &&
			p1.Price < p2.Price && p2.Price < p3.Price &&
			h1 > h2 && h2 > h3 {
			return &Divergence{Bias: BiasShort, P1: p1, P2: p2, P3: p3, H1: h1, H2: h2, H3: h3}
		}
	}

	return nil
}

func lastThree(pivots []indicators.Pivot, hist []float64) []indicators.Pivot {
	if len(pivots) < divSegments {
		return nil
	}
	out := pivots[len(pivots)-divSegments:]
	for _, p := range out {
		if p.Index >= len(hist) {
			return nil
		}
	}
	return out
}

func defined(vals ...float64) bool {
	for _, v := range vals {
		if !indicators.Defined(v) {
			return false
		}
	}
	return true
}
