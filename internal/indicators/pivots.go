package indicators

// Pivot is a local extreme found by the fractal test.
type Pivot struct {
	Index int
	Price float64
}

// PivotHighs returns local highs: bars strictly greater than the left and
// right neighbors within the given reach.
func PivotHighs(high []float64, left, right int) []Pivot {
	var pivots []Pivot
	for i := left; i < len(high)-right; i++ {
		h := high[i]
		if isExtreme(high, i, left, right, func(a, b float64) bool { return a > b }) {
			pivots = append(pivots, Pivot{Index: i, Price: h})
		}
	}
	return pivots
}

// PivotLows returns local lows, symmetric to PivotHighs.
func PivotLows(low []float64, left, right int) []Pivot {
	var pivots []Pivot
	for i := left; i < len(low)-right; i++ {
		l := low[i]
		if isExtreme(low, i, left, right, func(a, b float64) bool { return a < b }) {
			pivots = append(pivots, Pivot{Index: i, Price: l})
		}
	}
	return pivots
}

func isExtreme(series []float64, i, left, right int, beats func(a, b float64) bool) bool {
	v := series[i]
	for k := 1; k <= left; k++ {
		if !beats(v, series[i-k]) {
			return false
		}
	}
	for k := 1; k <= right; k++ {
		if !beats(v, series[i+k]) {
			return false
		}
	}
	return true
}
