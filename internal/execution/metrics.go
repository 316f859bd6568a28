package execution

// Execution quality metrics attached to fill reports. The caller picks the
// reference price and planned quantity; invalid inputs yield zero, which the
// report codec omits.

// SlippageBps returns (avgFill - reference) / reference in basis points.
func SlippageBps(avgFill, reference float64) float64 {
	if avgFill <= 0 || reference <= 0 {
		return 0
	}
	return (avgFill - reference) / reference * 10000
}

// FillRatio returns filled/planned clamped to [0, 1].
func FillRatio(filled, planned float64) float64 {
	if planned <= 0 {
		return 0
	}
	r := filled / planned
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
