package marketdata

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
	"github.com/web3guy0/divbot/internal/timeframe"
)

// Gapfiller repairs holes in the bar series. When a live bar arrives whose
// open is later than the previous stored close + 1ms, the missing range is
// fetched over REST and emitted in ascending order through the same
// reserve-then-publish path as live bars.
type Gapfiller struct {
	st      *store.Store
	client  KlineFetcher
	emitter *Emitter
	maxBars int
}

// KlineFetcher is the REST surface the gapfiller needs.
type KlineFetcher interface {
	Fetch(ctx context.Context, symbol, tf string, startMs, endMs int64, limit int) ([]store.Bar, error)
}

func NewGapfiller(st *store.Store, client KlineFetcher, emitter *Emitter, maxBars int) *Gapfiller {
	return &Gapfiller{st: st, client: client, emitter: emitter, maxBars: maxBars}
}

// CheckAndFill detects a gap before the bar opening at openMs and fills it.
// Returns the number of bars emitted.
func (g *Gapfiller) CheckAndFill(ctx context.Context, symbol, tf string, openMs int64) (int, error) {
	prevClose, err := g.st.PrevCloseTimeMs(symbol, tf, openMs)
	if err != nil {
		return 0, err
	}
	if prevClose == 0 || prevClose+1 >= openMs {
		return 0, nil
	}

	tfMs := timeframe.Ms(tf)
	missing := int((openMs - prevClose - 1) / tfMs)
	if missing <= 0 {
		return 0, nil
	}
	if missing > g.maxBars {
		log.Warn().Str("symbol", symbol).Str("timeframe", tf).Int("missing", missing).
			Int("max", g.maxBars).Msg("Gap too large, filling most recent range only")
		missing = g.maxBars
	}

	g.emitter.EmitRiskEvent(ctx, events.RiskEventPayload{
		Type:     events.RiskDataGap,
		Severity: events.SeverityImportant,
		Symbol:   symbol,
		Detail: map[string]any{
			"timeframe": tf, "prev_close_ms": prevClose,
			"next_open_ms": openMs, "missing_bars": missing,
		},
	})

	startMs := openMs - int64(missing)*tfMs
	bars, err := g.client.Fetch(ctx, symbol, tf, startMs, openMs-1, missing)
	if err != nil {
		return 0, fmt.Errorf("gapfill fetch %s/%s: %w", symbol, tf, err)
	}

	emitted := 0
	for i := range bars {
		bar := bars[i]
		if bar.OpenTimeMs >= openMs || bar.CloseTimeMs <= prevClose {
			continue
		}
		bar.Source = store.SourceGapfill
		if _, err := g.st.UpsertBar(&bar); err != nil {
			return emitted, err
		}
		fresh, err := g.emitter.EmitBarClose(ctx, &bar)
		if err != nil {
			return emitted, err
		}
		if fresh {
			emitted++
		}
	}

	g.emitter.EmitRiskEvent(ctx, events.RiskEventPayload{
		Type:     events.RiskBackfillDone,
		Severity: events.SeverityInfo,
		Symbol:   symbol,
		Detail: map[string]any{
			"timeframe": tf, "fetched": len(bars), "emitted": emitted,
		},
	})
	log.Info().Str("symbol", symbol).Str("timeframe", tf).Int("emitted", emitted).Msg("Gap filled ✅")
	return emitted, nil
}
