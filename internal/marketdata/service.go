// Package marketdata ingests confirmed candles from the exchange, repairs
// gaps, derives the 8h series from 1h bars, and publishes bar_close events
// for the strategy service.
package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bus"
	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
	"github.com/web3guy0/divbot/internal/timeframe"
)

const stateBarWindow = 60

// Service is the marketdata worker.
type Service struct {
	cfg     *config.Config
	st      *store.Store
	emitter *Emitter
	client  *bybit.Client
	gapfill *Gapfiller
	quality *QualityChecker
	state   *StateTracker

	mu sync.Mutex // serializes bar processing across WS callbacks
}

func New(cfg *config.Config, st *store.Store, broker *bus.Broker, client *bybit.Client) (*Service, error) {
	emitter := NewEmitter(cfg.Env, st, broker)
	s := &Service{
		cfg:     cfg,
		st:      st,
		emitter: emitter,
		client:  client,
		quality: NewQualityChecker(cfg.DataLagThreshold, cfg.PriceJumpPct, cfg.VolumeSpikeMult, cfg.VolumeMedianWindow),
	}
	if cfg.GapfillEnabled {
		s.gapfill = NewGapfiller(st, restFetcher{client}, emitter, cfg.GapfillMaxBars)
	}
	if cfg.MarketStateEnabled {
		tracker, err := NewStateTracker(cfg.HighVolATRPct, 14, cfg.NewsWindowUTC)
		if err != nil {
			return nil, err
		}
		s.state = tracker
	}
	return s, nil
}

// restFetcher adapts the Bybit client to the gapfiller.
type restFetcher struct {
	client *bybit.Client
}

func (f restFetcher) Fetch(ctx context.Context, symbol, tf string, startMs, endMs int64, limit int) ([]store.Bar, error) {
	interval, ok := timeframe.BybitInterval(tf)
	if !ok {
		return nil, nil
	}
	klines, err := f.client.GetKlines(ctx, symbol, interval, startMs, endMs, limit)
	if err != nil {
		return nil, err
	}
	bars := make([]store.Bar, 0, len(klines))
	for _, k := range klines {
		bars = append(bars, store.Bar{
			Symbol:      symbol,
			Timeframe:   tf,
			OpenTimeMs:  k.StartMs,
			CloseTimeMs: timeframe.CloseTime(tf, k.StartMs),
			Open:        k.Open,
			High:        k.High,
			Low:         k.Low,
			Close:       k.Close,
			Volume:      k.Volume,
			Turnover:    k.Turnover,
			Source:      store.SourceREST,
		})
	}
	return bars, nil
}

// nativeTimeframes returns the configured timeframes Bybit serves directly.
func (s *Service) nativeTimeframes() []string {
	var out []string
	for _, tf := range s.cfg.AllTimeframes() {
		if _, ok := timeframe.BybitInterval(tf); ok {
			out = append(out, tf)
		}
	}
	return out
}

// Run backfills history, then consumes the public kline stream until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.BackfillEnabled {
		s.backfill(ctx)
	}

	var topics []string
	for _, sym := range s.cfg.Symbols {
		for _, tf := range s.nativeTimeframes() {
			interval, _ := timeframe.BybitInterval(tf)
			topics = append(topics, bybit.KlineTopic(interval, sym))
		}
	}

	ws := bybit.NewPublicWS(s.cfg.BybitWSPublicURL, topics, func(ev bybit.KlineEvent) {
		s.onKline(ctx, ev)
	}, func(attempt int) {
		s.emitter.EmitRiskEvent(ctx, events.RiskEventPayload{
			Type:     events.RiskWSReconnect,
			Severity: events.SeverityImportant,
			Detail:   map[string]any{"channel": "public", "attempt": attempt},
		})
	})

	log.Info().Strs("symbols", s.cfg.Symbols).Int("topics", len(topics)).Msg("Marketdata service started 🚀")
	ws.Run(ctx)
	return ctx.Err()
}

// backfill loads recent history over REST without emitting bar closes, so a
// fresh deployment has enough bars for indicators before the first live bar.
func (s *Service) backfill(ctx context.Context) {
	for _, sym := range s.cfg.Symbols {
		for _, tf := range s.nativeTimeframes() {
			bars, err := restFetcher{s.client}.Fetch(ctx, sym, tf, 0, 0, s.cfg.BackfillLimit)
			if err != nil {
				log.Error().Err(err).Str("symbol", sym).Str("timeframe", tf).Msg("Backfill failed")
				continue
			}
			stored := 0
			for i := range bars {
				// the newest row may still be forming
				if bars[i].CloseTimeMs >= time.Now().UnixMilli() {
					continue
				}
				if _, err := s.st.UpsertBar(&bars[i]); err != nil {
					log.Error().Err(err).Str("symbol", sym).Msg("Backfill upsert failed")
					break
				}
				stored++
			}
			log.Info().Str("symbol", sym).Str("timeframe", tf).Int("bars", stored).Msg("Backfill complete")
		}
		s.rebuild8h(ctx, sym, false)
	}
}

// onKline handles one confirmed candle from the public stream.
func (s *Service) onKline(ctx context.Context, ev bybit.KlineEvent) {
	tf, ok := timeframe.FromBybitInterval(ev.Interval)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gapfill != nil {
		if _, err := s.gapfill.CheckAndFill(ctx, ev.Symbol, tf, ev.StartMs); err != nil {
			log.Error().Err(err).Str("symbol", ev.Symbol).Str("timeframe", tf).Msg("Gapfill failed")
		}
	}

	bar := &store.Bar{
		Symbol:      ev.Symbol,
		Timeframe:   tf,
		OpenTimeMs:  ev.StartMs,
		CloseTimeMs: timeframe.CloseTime(tf, ev.StartMs),
		Open:        ev.Open,
		High:        ev.High,
		Low:         ev.Low,
		Close:       ev.Close,
		Volume:      ev.Volume,
		Turnover:    ev.Turnover,
		Source:      store.SourceWS,
	}
	revised, err := s.st.UpsertBar(bar)
	if err != nil {
		log.Error().Err(err).Str("symbol", ev.Symbol).Msg("Bar upsert failed")
		return
	}

	for _, issue := range s.quality.Check(bar, revised, time.Now().UnixMilli()) {
		s.emitter.EmitRiskEvent(ctx, events.RiskEventPayload{
			Type:     issue.Type,
			Severity: issue.Severity,
			Symbol:   ev.Symbol,
			Detail:   issue.Detail,
		})
	}

	if _, err := s.emitter.EmitBarClose(ctx, bar); err != nil {
		log.Error().Err(err).Str("symbol", ev.Symbol).Msg("Bar close emit failed")
		return
	}

	if tf == timeframe.H1 {
		s.rebuild8h(ctx, ev.Symbol, true)
	}

	if s.state != nil && tf == timeframe.H1 {
		s.observeState(ctx, ev.Symbol)
	}
}

// rebuild8h derives any complete 8h windows from stored 1h bars. When emit is
// true, newly derived bars publish bar_close.
func (s *Service) rebuild8h(ctx context.Context, symbol string, emit bool) {
	hourBars, err := s.st.GetBars(symbol, timeframe.H1, bars8h*4)
	if err != nil || len(hourBars) == 0 {
		return
	}

	seen := make(map[int64]bool)
	for _, hb := range hourBars {
		windowStart := Window8hStart(hb.OpenTimeMs)
		if seen[windowStart] {
			continue
		}
		seen[windowStart] = true

		derived := Derive8h(windowStart, hourBars)
		if derived == nil {
			continue
		}
		if _, err := s.st.UpsertBar(derived); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("8h upsert failed")
			continue
		}
		if emit {
			if _, err := s.emitter.EmitBarClose(ctx, derived); err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("8h emit failed")
			}
		}
	}
}

func (s *Service) observeState(ctx context.Context, symbol string) {
	bars, err := s.st.GetBars(symbol, timeframe.H1, stateBarWindow)
	if err != nil {
		return
	}
	state, changed := s.state.Observe(symbol, bars, time.Now().UnixMilli())
	if !changed {
		return
	}
	s.emitter.EmitRiskEvent(ctx, events.RiskEventPayload{
		Type:     events.RiskMarketState,
		Severity: events.SeverityInfo,
		Symbol:   symbol,
		Detail:   map[string]any{"state": state},
	})
}

func jsonMarshal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func tradeDate(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02")
}
