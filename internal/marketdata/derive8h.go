package marketdata

import (
	"github.com/web3guy0/divbot/internal/store"
	"github.com/web3guy0/divbot/internal/timeframe"
)

const bars8h = 8

// Window8hStart returns the 8h window start containing openMs. Windows are
// aligned to UTC midnight (epoch is a multiple of 8h).
func Window8hStart(openMs int64) int64 {
	ms := timeframe.Ms(timeframe.H8)
	return openMs / ms * ms
}

// Derive8h aggregates eight contiguous 1h bars into one 8h bar. hourBars must
// be the stored 1h bars covering the window, ascending; returns nil until the
// window is complete and gap-free.
func Derive8h(windowStartMs int64, hourBars []store.Bar) *store.Bar {
	hourMs := timeframe.Ms(timeframe.H1)
	windowEnd := windowStartMs + timeframe.Ms(timeframe.H8)

	var window []store.Bar
	for _, b := range hourBars {
		if b.OpenTimeMs >= windowStartMs && b.OpenTimeMs < windowEnd {
			window = append(window, b)
		}
	}
	if len(window) != bars8h {
		return nil
	}
	for i, b := range window {
		if b.OpenTimeMs != windowStartMs+int64(i)*hourMs {
			return nil
		}
	}

	out := &store.Bar{
		Symbol:      window[0].Symbol,
		Timeframe:   timeframe.H8,
		OpenTimeMs:  windowStartMs,
		CloseTimeMs: windowEnd - 1,
		Open:        window[0].Open,
		High:        window[0].High,
		Low:         window[0].Low,
		Close:       window[len(window)-1].Close,
		Source:      store.SourceDerived8h,
	}
	for _, b := range window {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Volume += b.Volume
		out.Turnover += b.Turnover
	}
	return out
}
