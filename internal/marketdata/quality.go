package marketdata

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

// QualityIssue flags one data quality anomaly on an incoming bar.
type QualityIssue struct {
	Type     string
	Severity string
	Detail   map[string]any
}

// QualityChecker tracks per-series history and flags lag, revisions, price
// jumps and volume anomalies. Issues are advisory; bars still flow.
type QualityChecker struct {
	mu           sync.Mutex
	lagThreshold time.Duration
	priceJumpPct float64
	volumeMult   float64
	medianWindow int
	prevClose    map[string]float64
	volumes      map[string][]float64
}

func NewQualityChecker(lagThreshold time.Duration, priceJumpPct, volumeMult float64, medianWindow int) *QualityChecker {
	return &QualityChecker{
		lagThreshold: lagThreshold,
		priceJumpPct: priceJumpPct,
		volumeMult:   volumeMult,
		medianWindow: medianWindow,
		prevClose:    make(map[string]float64),
		volumes:      make(map[string][]float64),
	}
}

// Check inspects one bar and returns any issues. revised marks a bar that
// replaced an already stored bar with different values.
func (q *QualityChecker) Check(bar *store.Bar, revised bool, nowMs int64) []QualityIssue {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := bar.Symbol + "|" + bar.Timeframe
	var issues []QualityIssue

	if revised {
		issues = append(issues, QualityIssue{
			Type:     events.RiskBarDuplicate,
			Severity: events.SeverityInfo,
			Detail: map[string]any{
				"symbol": bar.Symbol, "timeframe": bar.Timeframe,
				"close_time_ms": bar.CloseTimeMs,
			},
		})
	}

	if lag := time.Duration(nowMs-bar.CloseTimeMs) * time.Millisecond; q.lagThreshold > 0 && lag > q.lagThreshold {
		issues = append(issues, QualityIssue{
			Type:     events.RiskDataLag,
			Severity: events.SeverityImportant,
			Detail: map[string]any{
				"symbol": bar.Symbol, "timeframe": bar.Timeframe,
				"lag_ms": lag.Milliseconds(),
			},
		})
	}

	if prev, ok := q.prevClose[key]; ok && prev > 0 && q.priceJumpPct > 0 {
		jump := math.Abs(bar.Close/prev - 1)
		if jump > q.priceJumpPct {
			issues = append(issues, QualityIssue{
				Type:     events.RiskPriceJump,
				Severity: events.SeverityImportant,
				Detail: map[string]any{
					"symbol": bar.Symbol, "timeframe": bar.Timeframe,
					"prev_close": prev, "close": bar.Close, "jump_pct": jump,
				},
			})
		}
	}
	q.prevClose[key] = bar.Close

	if q.volumeMult > 0 && q.medianWindow > 0 {
		hist := q.volumes[key]
		if len(hist) >= q.medianWindow/2 {
			if med := median(hist); med > 0 && bar.Volume > med*q.volumeMult {
				issues = append(issues, QualityIssue{
					Type:     events.RiskVolumeAnomaly,
					Severity: events.SeverityInfo,
					Detail: map[string]any{
						"symbol": bar.Symbol, "timeframe": bar.Timeframe,
						"volume": bar.Volume, "median": med,
					},
				})
			}
		}
		hist = append(hist, bar.Volume)
		if len(hist) > q.medianWindow {
			hist = hist[len(hist)-q.medianWindow:]
		}
		q.volumes[key] = hist
	}

	return issues
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
