package marketdata

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

const serviceName = "marketdata"

// Publisher is the stream surface the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, stream, payloadType string, env *events.Envelope) (string, error)
}

// Emitter publishes bar_close and risk events. Bar closes go through a
// reserve-then-publish handshake against the bar_close_emits table so a
// crashed or replayed worker never double-emits a close.
type Emitter struct {
	env    string
	st     *store.Store
	broker Publisher
}

func NewEmitter(env string, st *store.Store, broker Publisher) *Emitter {
	return &Emitter{env: env, st: st, broker: broker}
}

// EmitBarClose publishes one confirmed bar exactly once. Returns false when
// the close was already emitted.
func (e *Emitter) EmitBarClose(ctx context.Context, bar *store.Bar) (bool, error) {
	payload := events.BarClosePayload{
		Symbol:      bar.Symbol,
		Timeframe:   bar.Timeframe,
		CloseTimeMs: bar.CloseTimeMs,
		IsFinal:     true,
		Source:      bar.Source,
		OHLCV: events.OHLCV{
			Open: bar.Open, High: bar.High, Low: bar.Low,
			Close: bar.Close, Volume: bar.Volume,
		},
	}
	env, err := events.NewEnvelope(e.env, serviceName, payload)
	if err != nil {
		return false, err
	}

	reserved, err := e.st.ReserveBarCloseEmit(bar.Symbol, bar.Timeframe, bar.CloseTimeMs, env.EventID, bar.Source)
	if err != nil {
		return false, fmt.Errorf("reserve emit: %w", err)
	}
	if !reserved {
		return false, nil
	}

	if _, err := e.broker.Publish(ctx, events.StreamBarClose, events.TypeBarClose, env); err != nil {
		if rbErr := e.st.RollbackBarCloseEmit(bar.Symbol, bar.Timeframe, bar.CloseTimeMs, env.EventID); rbErr != nil {
			log.Error().Err(rbErr).Str("symbol", bar.Symbol).Msg("Emit rollback failed")
		}
		return false, fmt.Errorf("publish bar_close: %w", err)
	}

	log.Debug().Str("symbol", bar.Symbol).Str("timeframe", bar.Timeframe).
		Int64("close_time_ms", bar.CloseTimeMs).Str("source", bar.Source).Msg("Bar close emitted")
	return true, nil
}

// EmitRiskEvent publishes one risk event and persists it for the API.
func (e *Emitter) EmitRiskEvent(ctx context.Context, payload events.RiskEventPayload) {
	env, err := events.NewEnvelope(e.env, serviceName, payload)
	if err != nil {
		log.Error().Err(err).Str("type", payload.Type).Msg("Risk event build failed")
		return
	}
	if _, err := e.broker.Publish(ctx, events.StreamRiskEvent, events.TypeRiskEvent, env); err != nil {
		log.Error().Err(err).Str("type", payload.Type).Msg("Risk event publish failed")
		return
	}
	detail := "{}"
	if raw, err := jsonMarshal(payload.Detail); err == nil {
		detail = raw
	}
	_ = e.st.InsertRiskEvent(&store.RiskEventRecord{
		EventID:   env.EventID,
		TradeDate: tradeDate(env.TsMs),
		TsMs:      env.TsMs,
		Type:      payload.Type,
		Severity:  payload.Severity,
		Symbol:    payload.Symbol,
		Detail:    detail,
	})
}
