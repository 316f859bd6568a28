package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatSeries(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestDetectDivergenceLong(t *testing.T) {
	n := 130
	lows := flatSeries(n, 100)
	highs := flatSeries(n, 200)
	hist := flatSeries(n, 0)

	// three pivot lows with falling prices and rising histogram
	lows[100], hist[100] = 90, -3
	lows[110], hist[110] = 85, -2
	lows[120], hist[120] = 80, -1

	div := DetectDivergence(highs, lows, hist)
	require.NotNil(t, div)
	assert.Equal(t, BiasLong, div.Bias)
	assert.Equal(t, 90.0, div.P1.Price)
	assert.Equal(t, 85.0, div.P2.Price)
	assert.Equal(t, 80.0, div.P3.Price)
	assert.Equal(t, 120, div.P3.Index)
}

func TestDetectDivergenceShort(t *testing.T) {
	n := 130
	lows := flatSeries(n, 100)
	highs := flatSeries(n, 200)
	hist := flatSeries(n, 0)

	highs[100], hist[100] = 210, 3
	highs[110], hist[110] = 215, 2
	highs[120], hist[120] = 220, 1

	div := DetectDivergence(highs, lows, hist)
	require.NotNil(t, div)
	assert.Equal(t, BiasShort, div.Bias)
	assert.Equal(t, 220.0, div.P3.Price)
}

func TestDetectDivergenceRejectsNonMonotone(t *testing.T) {
	n := 130
	lows := flatSeries(n, 100)
	highs := flatSeries(n, 200)
	hist := flatSeries(n, 0)

	// prices fall but histogram does not rise
	lows[100], hist[100] = 90, -1
	lows[110], hist[110] = 85, -2
	lows[120], hist[120] = 80, -3

	assert.Nil(t, DetectDivergence(highs, lows, hist))
}

func TestDetectDivergenceNeedsHistory(t *testing.T) {
	n := 60
	assert.Nil(t, DetectDivergence(flatSeries(n, 200), flatSeries(n, 100), flatSeries(n, 0)))
}

func TestVegasState(t *testing.T) {
	n := 200
	up := make([]float64, n)
	down := make([]float64, n)
	for i := 0; i < n; i++ {
		up[i] = 100 + float64(i)
		down[i] = 300 - float64(i)
	}
	assert.Equal(t, VegasBullish, VegasState(up))
	assert.Equal(t, VegasBearish, VegasState(down))
	assert.Equal(t, VegasNeutral, VegasState(flatSeries(50, 100))) // EMAs undefined

	assert.True(t, VegasAllows(BiasLong, VegasBullish))
	assert.False(t, VegasAllows(BiasLong, VegasBearish))
	assert.True(t, VegasAllows(BiasShort, VegasBearish))
	assert.False(t, VegasAllows(BiasShort, VegasNeutral))
}

func TestEngulfing(t *testing.T) {
	bullish := []Candle{
		{Open: 105, Close: 101}, // bearish
		{Open: 100, Close: 106}, // bullish body contains previous
	}
	assert.True(t, engulfing(BiasLong, bullish))
	assert.False(t, engulfing(BiasShort, bullish))

	bearish := []Candle{
		{Open: 100, Close: 105},
		{Open: 106, Close: 99},
	}
	assert.True(t, engulfing(BiasShort, bearish))
	assert.False(t, engulfing(BiasLong, bearish))

	// bullish candle that does not contain the previous body
	weak := []Candle{
		{Open: 105, Close: 101},
		{Open: 102, Close: 104},
	}
	assert.False(t, engulfing(BiasLong, weak))
}

func TestFVGProximity(t *testing.T) {
	candles := make([]Candle, 10)
	for i := range candles {
		candles[i] = Candle{Open: 100, High: 101, Low: 99, Close: 100}
	}
	// bullish gap between candle 5 (high=102) and candle 7 (low=105)
	candles[5] = Candle{Open: 100, High: 102, Low: 99, Close: 101}
	candles[6] = Candle{Open: 102, High: 106, Low: 102, Close: 105}
	candles[7] = Candle{Open: 105, High: 107, Low: 105, Close: 106}
	// close inside the gap [102, 105]
	candles[9] = Candle{Open: 104, High: 105, Low: 103, Close: 103.5}

	assert.True(t, fvgProximity(BiasLong, candles))
	assert.False(t, fvgProximity(BiasShort, candles))

	// close outside the gap
	candles[9].Close = 110
	assert.False(t, fvgProximity(BiasLong, candles))
}

func TestOscillatorDivergence(t *testing.T) {
	n := 30
	lows := flatSeries(n, 100)
	highs := flatSeries(n, 200)
	osc := flatSeries(n, 0)

	// price new low, oscillator higher low
	lows[10], osc[10] = 90, 20
	lows[20], osc[20] = 85, 30
	assert.True(t, oscillatorDivergence(BiasLong, highs, lows, osc))

	// oscillator confirms the low: no divergence
	osc[20] = 10
	assert.False(t, oscillatorDivergence(BiasLong, highs, lows, osc))
}

func TestIdempotencyKeyAndPlanID(t *testing.T) {
	k1 := IdempotencyKey("BTCUSDT", "1h", 1700003599999, BiasLong)
	k2 := IdempotencyKey("BTCUSDT", "1h", 1700003599999, BiasLong)
	k3 := IdempotencyKey("BTCUSDT", "1h", 1700003599999, BiasShort)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
	assert.Equal(t, k1[:24], PlanID(k1))
}
