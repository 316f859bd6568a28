package execution

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/indicators"
	"github.com/web3guy0/divbot/internal/store"
)

// HandleBarClose drives the lifecycle of every OPEN position matching the
// bar: secondary exit rule, runner trail update, and in paper/backtest mode
// the fill simulator.
func (e *Engine) HandleBarClose(ctx context.Context, env *events.Envelope) error {
	var bar events.BarClosePayload
	if err := env.DecodePayload(&bar); err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("Undecodable bar close")
		return nil
	}

	positions, err := e.st.ListOpenPositions()
	if err != nil {
		return err
	}
	for i := range positions {
		pos := &positions[i]
		if pos.Symbol != bar.Symbol || pos.Timeframe != bar.Timeframe {
			continue
		}
		if err := e.lifecycleStep(ctx, pos, &bar); err != nil {
			log.Error().Err(err).Str("position_id", pos.PositionID).Msg("Lifecycle step failed")
			e.rep.Risk(ctx, events.RiskEventPayload{
				Type:     events.RiskLifecycleError,
				Severity: events.SeverityCritical,
				Symbol:   pos.Symbol,
				Detail:   map[string]any{"position_id": pos.PositionID, "error": err.Error()},
			})
		}
	}
	return nil
}

func (e *Engine) lifecycleStep(ctx context.Context, pos *store.Position, bar *events.BarClosePayload) error {
	meta := pos.DecodeMeta()
	meta.LastPrice = bar.OHLCV.Close
	meta.LastCloseTimeMs = bar.CloseTimeMs

	// A. secondary exit rule, exactly once on the first bar after entry
	if e.cfg.SecondaryRuleEnabled && !pos.SecondaryRuleChecked && bar.CloseTimeMs > pos.EntryCloseTimeMs {
		closed, err := e.checkSecondaryRule(ctx, pos, &meta, bar)
		if err != nil {
			return err
		}
		if closed {
			return nil
		}
	}

	// B. runner trailing stop
	if pos.QtyRunner > 0 {
		if err := e.updateRunnerStop(ctx, pos, &meta); err != nil {
			return err
		}
	}

	// C. paper fill simulation
	if e.cfg.ExecutionMode != config.ModeLive {
		if err := e.simulate(ctx, pos, &meta, bar); err != nil {
			return err
		}
		if pos.Status == store.PositionClosed {
			return nil
		}
	}

	pos.EncodeMeta(meta)
	return e.st.UpsertPosition(pos)
}

// checkSecondaryRule evaluates the next-bar-not-shortening exit. Returns
// whether the position was closed.
func (e *Engine) checkSecondaryRule(ctx context.Context, pos *store.Position, meta *store.PositionMeta, bar *events.BarClosePayload) (bool, error) {
	pos.SecondaryRuleChecked = true
	if !pos.HistEntrySet {
		return false, nil
	}

	bars, err := e.st.GetBars(pos.Symbol, pos.Timeframe, lifecycleMinBars*2)
	if err != nil {
		return false, err
	}
	if len(bars) < lifecycleMinBars {
		return false, nil
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	hist := indicators.MACDHistogram(closes)
	histNow := hist[len(hist)-1]
	if !indicators.Defined(histNow) {
		return false, nil
	}

	if SecondaryRuleOK(pos.Bias, pos.HistEntry, histNow) {
		return false, nil
	}

	e.rep.Report(ctx, events.ExecutionReportPayload{
		PlanID:    PlanIDOf(pos.IdempotencyKey),
		Type:      events.ReportExitRuleTriggered,
		Status:    "SECONDARY_SL_EXIT",
		Severity:  events.SeverityImportant,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
		Reason:    store.ExitSecondaryRule,
		Detail:    map[string]any{"hist_entry": pos.HistEntry, "hist_now": histNow},
	})

	pos.EncodeMeta(*meta)
	if err := e.st.UpsertPosition(pos); err != nil {
		return false, err
	}
	if err := e.closePositionMarket(ctx, pos, store.ExitSecondaryRule); err != nil {
		return false, err
	}
	return true, nil
}

// updateRunnerStop recomputes and persists the trailing stop, emitting
// SL_UPDATE when it moved. Live exchange application is deferred to the
// reconciler, which gates it on the TP2 fill.
func (e *Engine) updateRunnerStop(ctx context.Context, pos *store.Position, meta *store.PositionMeta) error {
	bars, err := e.st.GetBars(pos.Symbol, pos.Timeframe, lifecycleMinBars)
	if err != nil {
		return err
	}
	newStop, changed := TrailStop(pos, bars, e.cfg.RunnerTrailMode, e.cfg.RunnerATRPeriod, e.cfg.RunnerATRMult)
	if !changed {
		return nil
	}
	pos.RunnerStopPrice = newStop
	meta.RunnerSLApplied = false

	e.rep.Report(ctx, events.ExecutionReportPayload{
		PlanID:    PlanIDOf(pos.IdempotencyKey),
		Type:      events.ReportSLUpdate,
		Status:    "RUNNER_SL_UPDATED",
		Severity:  events.SeverityInfo,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
		Detail:    map[string]any{"runner_stop": newStop, "mode": e.cfg.RunnerTrailMode},
	})
	return nil
}

// simulate applies the deterministic fill simulator for one bar.
func (e *Engine) simulate(ctx context.Context, pos *store.Position, meta *store.PositionMeta, bar *events.BarClosePayload) error {
	res := SimulateBar(pos, meta, bar.OHLCV)
	if len(res.Fills) == 0 {
		return nil
	}

	for _, f := range res.Fills {
		meta.Legs = append(meta.Legs, store.Leg{
			Type: f.Type, Qty: f.Qty, Price: f.Price, TimeMs: bar.CloseTimeMs,
		})
		meta.QtyOpen -= f.Qty
		switch f.Type {
		case "TP1":
			meta.TP1Filled = true
			e.markTPFilled(pos, store.PurposeTP1, f)
			e.rep.Report(ctx, events.ExecutionReportPayload{
				PlanID: PlanIDOf(pos.IdempotencyKey), Type: events.ReportTP1Filled,
				Status: "TP_HIT", Severity: events.SeverityImportant,
				Symbol: pos.Symbol, Timeframe: pos.Timeframe,
				FilledQty: f.Qty, AvgPrice: f.Price,
			})
		case "TP2":
			meta.TP2Filled = true
			e.markTPFilled(pos, store.PurposeTP2, f)
			e.rep.Report(ctx, events.ExecutionReportPayload{
				PlanID: PlanIDOf(pos.IdempotencyKey), Type: events.ReportTP2Filled,
				Status: "TP_HIT", Severity: events.SeverityImportant,
				Symbol: pos.Symbol, Timeframe: pos.Timeframe,
				FilledQty: f.Qty, AvgPrice: f.Price,
			})
		}
	}
	if meta.QtyOpen < 0 {
		meta.QtyOpen = 0
	}

	if res.Closed {
		pos.EncodeMeta(*meta)
		if err := e.st.UpsertPosition(pos); err != nil {
			return err
		}
		return e.finalizeClose(ctx, pos, meta, res.ExitReason, bar.CloseTimeMs)
	}

	pos.EncodeMeta(*meta)
	return e.st.UpsertPosition(pos)
}

// markTPFilled updates the simulated TP order row to FILLED.
func (e *Engine) markTPFilled(pos *store.Position, purpose string, f SimFill) {
	order, err := e.st.GetOrderByIdemPurpose(pos.IdempotencyKey, purpose)
	if err != nil || order == nil {
		return
	}
	order.Status = store.OrderFilled
	order.FilledQty = f.Qty
	order.AvgPrice = f.Price
	if err := e.st.UpsertOrder(order); err != nil {
		log.Warn().Err(err).Str("purpose", purpose).Msg("TP order update failed")
	}
}
