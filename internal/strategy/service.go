package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bus"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/indicators"
	"github.com/web3guy0/divbot/internal/store"
	"github.com/web3guy0/divbot/internal/timeframe"
)

const serviceName = "strategy"

// IdempotencyKey derives the stable key for one setup occurrence.
func IdempotencyKey(symbol, tf string, closeTimeMs int64, bias string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", symbol, tf, closeTimeMs, bias)))
	return hex.EncodeToString(sum[:])
}

// PlanID is the short plan identifier derived from the idempotency key.
func PlanID(idempotencyKey string) string {
	return idempotencyKey[:24]
}

// Service is the strategy worker.
type Service struct {
	cfg    *config.Config
	st     *store.Store
	broker *bus.Broker
}

func New(cfg *config.Config, st *store.Store, broker *bus.Broker) *Service {
	return &Service{cfg: cfg, st: st, broker: broker}
}

// Run consumes bar_close events until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Int("min_confirmations", s.cfg.MinConfirmations).
		Strs("auto_timeframes", s.cfg.AutoTimeframes).Msg("Strategy service started 🚀")
	return s.broker.Consume(ctx, events.StreamBarClose, s.cfg.RedisStreamGroup+":strategy",
		s.cfg.RedisStreamConsumer, s.handleBarClose)
}

// handleBarClose processes one closed bar. Errors inside the pipeline never
// leave the message pending; the bar is acknowledged and a risk event emitted
// so a poison bar cannot wedge the stream.
func (s *Service) handleBarClose(ctx context.Context, env *events.Envelope, _ string) error {
	var bar events.BarClosePayload
	if err := env.DecodePayload(&bar); err != nil {
		// poison payload: ack it, redelivery cannot fix it
		log.Error().Err(err).Str("event_id", env.EventID).Msg("Undecodable bar close")
		return nil
	}

	if err := s.process(ctx, &bar); err != nil {
		log.Error().Err(err).Str("symbol", bar.Symbol).Str("timeframe", bar.Timeframe).Msg("Bar processing failed")
		s.emitRisk(ctx, events.RiskEventPayload{
			Type:     events.RiskDataGap,
			Severity: events.SeverityImportant,
			Symbol:   bar.Symbol,
			Detail:   map[string]any{"timeframe": bar.Timeframe, "error": err.Error()},
		})
	}
	return nil
}

func (s *Service) process(ctx context.Context, bar *events.BarClosePayload) error {
	bars, err := s.st.GetBars(bar.Symbol, bar.Timeframe, minBars*2)
	if err != nil {
		return fmt.Errorf("load bars: %w", err)
	}
	if len(bars) < minBars {
		log.Debug().Str("symbol", bar.Symbol).Str("timeframe", bar.Timeframe).
			Int("bars", len(bars)).Msg("Not enough history yet")
		return nil
	}

	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	candles := make([]Candle, n)
	for i, b := range bars {
		closes[i], highs[i], lows[i] = b.Close, b.High, b.Low
		candles[i] = Candle{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}

	hist := indicators.MACDHistogram(closes)
	div := DetectDivergence(highs, lows, hist)
	if div == nil {
		return nil
	}

	vegas := VegasState(closes)
	if !VegasAllows(div.Bias, vegas) {
		log.Debug().Str("symbol", bar.Symbol).Str("bias", div.Bias).Str("vegas", vegas).Msg("Vegas filter rejected")
		return nil
	}

	hits := Confirmations(div.Bias, candles)
	if len(hits) < s.cfg.MinConfirmations {
		log.Debug().Str("symbol", bar.Symbol).Strs("hits", hits).Msg("Confirmations below minimum")
		return nil
	}

	idem := IdempotencyKey(bar.Symbol, bar.Timeframe, bar.CloseTimeMs, div.Bias)
	lastClose := closes[n-1]
	tfMs := timeframe.Ms(bar.Timeframe)
	signalExpiry := bar.CloseTimeMs + int64(s.cfg.SignalTTLBars)*tfMs

	if err := s.emitSignal(ctx, bar, div, vegas, hits, idem, signalExpiry); err != nil {
		return err
	}

	if !s.cfg.IsAutoTimeframe(bar.Timeframe) {
		return nil
	}
	planExpiry := bar.CloseTimeMs + int64(s.cfg.PlanTTLBars)*tfMs
	return s.emitPlan(ctx, bar, div, idem, lastClose, planExpiry)
}

func (s *Service) emitSignal(ctx context.Context, bar *events.BarClosePayload, div *Divergence,
	vegas string, hits []string, idem string, expiresAtMs int64) error {

	payload := events.SignalPayload{
		Symbol:      bar.Symbol,
		Timeframe:   bar.Timeframe,
		CloseTimeMs: bar.CloseTimeMs,
		SetupID:     "macd_div3",
		TriggerID:   idem[:16],
		Bias:        div.Bias,
		VegasState:  vegas,
		Confirmations: events.Confirmations{
			MinRequired: s.cfg.MinConfirmations,
			HitCount:    len(hits),
			Hits:        hits,
		},
		Lifecycle: events.Lifecycle{
			Status:      "ACTIVE",
			ValidFromMs: bar.CloseTimeMs,
			ExpiresAtMs: expiresAtMs,
		},
	}
	env, err := events.NewEnvelope(s.cfg.Env, serviceName, payload)
	if err != nil {
		return err
	}

	hitsJSON, _ := json.Marshal(hits)
	envJSON, _ := json.Marshal(env)
	if err := s.st.InsertSignal(&store.Signal{
		SignalID:       env.EventID,
		IdempotencyKey: idem,
		Symbol:         bar.Symbol,
		Timeframe:      bar.Timeframe,
		CloseTimeMs:    bar.CloseTimeMs,
		Bias:           div.Bias,
		VegasState:     vegas,
		HitCount:       len(hits),
		Hits:           string(hitsJSON),
		Status:         "ACTIVE",
		ValidFromMs:    bar.CloseTimeMs,
		ExpiresAtMs:    expiresAtMs,
		Payload:        string(envJSON),
	}); err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}

	if _, err := s.broker.Publish(ctx, events.StreamSignal, events.TypeSignal, env); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	log.Info().Str("symbol", bar.Symbol).Str("timeframe", bar.Timeframe).
		Str("bias", div.Bias).Strs("hits", hits).Msg("Signal emitted 🎯")
	return nil
}

func (s *Service) emitPlan(ctx context.Context, bar *events.BarClosePayload, div *Divergence,
	idem string, entryPrice float64, expiresAtMs int64) error {

	side := "BUY"
	if div.Bias == BiasShort {
		side = "SELL"
	}
	payload := events.TradePlanPayload{
		PlanID:          PlanID(idem),
		IdempotencyKey:  idem,
		Symbol:          bar.Symbol,
		Timeframe:       bar.Timeframe,
		Status:          "ACTIVE",
		ValidFromMs:     bar.CloseTimeMs,
		ExpiresAtMs:     expiresAtMs,
		Side:            side,
		EntryPrice:      entryPrice,
		PrimarySLPrice:  div.P3.Price,
		TPRules:         events.DefaultTPRules(s.cfg.RunnerTrailMode),
		SecondarySLRule: events.SecondarySLRule{Type: "NEXT_BAR_NOT_SHORTEN_EXIT"},
		RiskParams: events.RiskParams{
			RiskPct:                 s.cfg.RiskPct,
			MaxOpenPositionsDefault: s.cfg.MaxOpenPositionsDefault,
		},
		Traceability: events.Traceability{SetupID: "macd_div3", TriggerID: idem[:16]},
	}
	env, err := events.NewEnvelope(s.cfg.Env, serviceName, payload)
	if err != nil {
		return err
	}

	envJSON, _ := json.Marshal(env)
	if err := s.st.InsertTradePlan(&store.TradePlan{
		PlanID:         payload.PlanID,
		IdempotencyKey: idem,
		Symbol:         bar.Symbol,
		Timeframe:      bar.Timeframe,
		CloseTimeMs:    bar.CloseTimeMs,
		Side:           side,
		EntryPrice:     entryPrice,
		PrimarySLPrice: div.P3.Price,
		Status:         "ACTIVE",
		ValidFromMs:    bar.CloseTimeMs,
		ExpiresAtMs:    expiresAtMs,
		Payload:        string(envJSON),
	}); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	if _, err := s.broker.Publish(ctx, events.StreamTradePlan, events.TypeTradePlan, env); err != nil {
		return fmt.Errorf("publish plan: %w", err)
	}
	log.Info().Str("symbol", bar.Symbol).Str("plan_id", payload.PlanID).
		Str("side", side).Float64("entry", entryPrice).Float64("sl", div.P3.Price).Msg("Trade plan emitted 📋")
	return nil
}

func (s *Service) emitRisk(ctx context.Context, payload events.RiskEventPayload) {
	env, err := events.NewEnvelope(s.cfg.Env, serviceName, payload)
	if err != nil {
		return
	}
	if _, err := s.broker.Publish(ctx, events.StreamRiskEvent, events.TypeRiskEvent, env); err != nil {
		log.Error().Err(err).Str("type", payload.Type).Msg("Risk event publish failed")
	}
}
