// Package execution turns admitted trade plans into orders and manages each
// position through its full lifecycle: staged take profits, trailing runner
// stop, the secondary exit rule, reconciliation against the exchange, and the
// daily risk circuit.
package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

const serviceName = "execution"

// Publisher is the stream surface the execution service publishes on.
type Publisher interface {
	Publish(ctx context.Context, stream, payloadType string, env *events.Envelope) (string, error)
}

// Reporter emits execution reports and risk events, persisting risk events
// for the API surface.
type Reporter struct {
	env string
	st  *store.Store
	pub Publisher
}

func NewReporter(env string, st *store.Store, pub Publisher) *Reporter {
	return &Reporter{env: env, st: st, pub: pub}
}

// Report publishes one execution report.
func (r *Reporter) Report(ctx context.Context, payload events.ExecutionReportPayload) {
	env, err := events.NewEnvelope(r.env, serviceName, payload)
	if err != nil {
		log.Error().Err(err).Str("plan_id", payload.PlanID).Msg("Report build failed")
		return
	}
	if _, err := r.pub.Publish(ctx, events.StreamExecutionReport, events.TypeExecutionReport, env); err != nil {
		log.Error().Err(err).Str("plan_id", payload.PlanID).Msg("Report publish failed")
	}
}

// Risk publishes one risk event and records it.
func (r *Reporter) Risk(ctx context.Context, payload events.RiskEventPayload) {
	env, err := events.NewEnvelope(r.env, serviceName, payload)
	if err != nil {
		return
	}
	if _, err := r.pub.Publish(ctx, events.StreamRiskEvent, events.TypeRiskEvent, env); err != nil {
		log.Error().Err(err).Str("type", payload.Type).Msg("Risk event publish failed")
		return
	}
	detail, _ := json.Marshal(payload.Detail)
	_ = r.st.InsertRiskEvent(&store.RiskEventRecord{
		EventID:   env.EventID,
		TradeDate: tradeDate(env.TsMs),
		TsMs:      env.TsMs,
		Type:      payload.Type,
		Severity:  payload.Severity,
		Symbol:    payload.Symbol,
		Detail:    string(detail),
	})
}

// Trace appends one structured audit step.
func (r *Reporter) Trace(traceID, idem, stage string, detail map[string]any) {
	raw, _ := json.Marshal(detail)
	if err := r.st.InsertTrace(&store.ExecutionTrace{
		TraceID:        traceID,
		IdempotencyKey: idem,
		Stage:          stage,
		Detail:         string(raw),
	}); err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("Trace insert failed")
	}
}

func tradeDate(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02")
}

func jsonMarshal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
