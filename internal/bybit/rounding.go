package bybit

import (
	"math"
	"strconv"
)

// RoundToTick rounds price to the nearest tick.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// FloorToStep floors qty to the lot step.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

// FormatPrice renders price with the precision implied by tickSize.
func FormatPrice(price, tickSize float64) string {
	return strconv.FormatFloat(RoundToTick(price, tickSize), 'f', decimalsOf(tickSize), 64)
}

// FormatQty renders qty with the precision implied by step.
func FormatQty(qty, step float64) string {
	return strconv.FormatFloat(qty, 'f', decimalsOf(step), 64)
}

func decimalsOf(step float64) int {
	if step <= 0 {
		return -1
	}
	d := 0
	for step < 0.9999999 && d < 10 {
		step *= 10
		d++
	}
	return d
}
