package marketdata

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/web3guy0/divbot/internal/indicators"
	"github.com/web3guy0/divbot/internal/store"
)

// Market states.
const (
	StateNormal     = "NORMAL"
	StateHighVol    = "HIGH_VOL"
	StateNewsWindow = "NEWS_WINDOW"
)

// StateTracker classifies each symbol's market state and reports transitions.
// High volatility is ATR relative to price; the news window is a fixed daily
// UTC interval.
type StateTracker struct {
	mu            sync.Mutex
	highVolATRPct float64
	atrPeriod     int
	newsStart     int // minutes from UTC midnight, -1 when disabled
	newsEnd       int
	current       map[string]string
}

func NewStateTracker(highVolATRPct float64, atrPeriod int, newsWindowUTC string) (*StateTracker, error) {
	t := &StateTracker{
		highVolATRPct: highVolATRPct,
		atrPeriod:     atrPeriod,
		newsStart:     -1,
		newsEnd:       -1,
		current:       make(map[string]string),
	}
	if newsWindowUTC != "" {
		start, end, err := parseWindow(newsWindowUTC)
		if err != nil {
			return nil, err
		}
		t.newsStart, t.newsEnd = start, end
	}
	return t, nil
}

func parseWindow(s string) (int, int, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid news window %q, want HH:MM-HH:MM", s)
	}
	parse := func(hm string) (int, error) {
		var h, m int
		if _, err := fmt.Sscanf(strings.TrimSpace(hm), "%d:%d", &h, &m); err != nil {
			return 0, err
		}
		if h < 0 || h > 23 || m < 0 || m > 59 {
			return 0, fmt.Errorf("invalid time %q", hm)
		}
		return h*60 + m, nil
	}
	start, err := parse(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid news window %q: %w", s, err)
	}
	end, err := parse(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid news window %q: %w", s, err)
	}
	return start, end, nil
}

func (t *StateTracker) inNewsWindow(nowMs int64) bool {
	if t.newsStart < 0 {
		return false
	}
	utc := time.UnixMilli(nowMs).UTC()
	minutes := utc.Hour()*60 + utc.Minute()
	if t.newsStart <= t.newsEnd {
		return minutes >= t.newsStart && minutes < t.newsEnd
	}
	// window crossing midnight
	return minutes >= t.newsStart || minutes < t.newsEnd
}

// Observe classifies the state from recent bars and returns (state, changed).
// The transition is edge triggered: changed is true only when the state
// differs from the previous observation for the symbol.
func (t *StateTracker) Observe(symbol string, bars []store.Bar, nowMs int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := StateNormal
	if t.inNewsWindow(nowMs) {
		state = StateNewsWindow
	} else if len(bars) > t.atrPeriod && t.highVolATRPct > 0 {
		highs := make([]float64, len(bars))
		lows := make([]float64, len(bars))
		closes := make([]float64, len(bars))
		for i, b := range bars {
			highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
		}
		atr := indicators.ATRWilder(highs, lows, closes, t.atrPeriod)
		last := len(atr) - 1
		if indicators.Defined(atr[last]) && closes[last] > 0 &&
			atr[last]/closes[last] > t.highVolATRPct {
			state = StateHighVol
		}
	}

	prev, seen := t.current[symbol]
	t.current[symbol] = state
	changed := seen && prev != state
	if !seen && state != StateNormal {
		changed = true
	}
	return state, changed
}
