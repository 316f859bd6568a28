package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/indicators"
	"github.com/web3guy0/divbot/internal/store"
	"github.com/web3guy0/divbot/internal/timeframe"
)

const (
	planLockTTL     = 60 * time.Second
	killSpamWindow  = 60 * time.Second
	lifecycleMinBars = 120
)

// Locker serializes plan execution across workers.
type Locker interface {
	// Acquire returns a release func and whether the lock was obtained.
	Acquire(ctx context.Context, idem string, ttl time.Duration) (func(context.Context), bool, error)
}

// InstrumentSource provides trading filters; nil falls back to defaults.
type InstrumentSource interface {
	GetInstrumentInfo(ctx context.Context, symbol string) (*bybit.InstrumentInfo, error)
}

// EquityFunc returns the account equity used for sizing.
type EquityFunc func(ctx context.Context) (float64, error)

// Engine owns position state transitions. One engine per process; intra-
// process serialization is the mutex, cross-worker serialization is the
// advisory lock plus DB uniqueness.
type Engine struct {
	cfg    *config.Config
	st     *store.Store
	rep    *Reporter
	trader Trader
	lock   Locker
	inst   InstrumentSource
	equity EquityFunc
	runID  string
	now    func() int64

	mu       sync.Mutex
	lastKill map[string]int64 // spam window per risk event type
}

func NewEngine(cfg *config.Config, st *store.Store, rep *Reporter, trader Trader,
	lock Locker, inst InstrumentSource, equity EquityFunc, runID string) *Engine {
	return &Engine{
		cfg:      cfg,
		st:       st,
		rep:      rep,
		trader:   trader,
		lock:     lock,
		inst:     inst,
		equity:   equity,
		runID:    runID,
		now:      func() int64 { return time.Now().UnixMilli() },
		lastKill: make(map[string]int64),
	}
}

// SetClock overrides the engine clock; used by replay and tests.
func (e *Engine) SetClock(now func() int64) { e.now = now }

// TradeID derives the deterministic trade identifier for a run.
func TradeID(runID, idem string) string {
	sum := sha256.Sum256([]byte(runID + "|" + idem))
	return hex.EncodeToString(sum[:])
}

func biasOf(side string) string {
	if side == "SELL" {
		return "SHORT"
	}
	return "LONG"
}

// spamOK rate limits repeated risk events of the same kind.
func (e *Engine) spamOK(kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if last, ok := e.lastKill[kind]; ok && now-last < killSpamWindow.Milliseconds() {
		return false
	}
	e.lastKill[kind] = now
	return true
}

func (e *Engine) reject(ctx context.Context, plan *events.TradePlanPayload, riskType, reason string) {
	if e.spamOK(riskType + "|" + plan.Symbol) {
		e.rep.Risk(ctx, events.RiskEventPayload{
			Type:     riskType,
			Severity: events.SeverityImportant,
			Symbol:   plan.Symbol,
			Detail:   map[string]any{"plan_id": plan.PlanID, "timeframe": plan.Timeframe, "reason": reason},
		})
	}
	e.rep.Report(ctx, events.ExecutionReportPayload{
		PlanID:    plan.PlanID,
		Type:      events.ReportOrderRejected,
		Status:    "ORDER_REJECTED",
		Severity:  events.SeverityImportant,
		Symbol:    plan.Symbol,
		Timeframe: plan.Timeframe,
		Reason:    reason,
	})
}

// HandleTradePlan runs the full admission pipeline for one plan delivery.
func (e *Engine) HandleTradePlan(ctx context.Context, env *events.Envelope) error {
	var plan events.TradePlanPayload
	if err := env.DecodePayload(&plan); err != nil {
		// poison payload: ack it, redelivery cannot fix it
		log.Error().Err(err).Str("event_id", env.EventID).Msg("Undecodable trade plan")
		return nil
	}
	if plan.IdempotencyKey == "" {
		e.rep.Report(ctx, events.ExecutionReportPayload{
			PlanID:   plan.PlanID,
			Type:     events.ReportError,
			Status:   "ORDER_REJECTED",
			Severity: events.SeverityCritical,
			Reason:   "missing idempotency_key",
		})
		return nil
	}

	release, ok, err := e.lock.Acquire(ctx, plan.IdempotencyKey, planLockTTL)
	if err != nil {
		return err // broker trouble: leave pending for redelivery
	}
	if !ok {
		log.Debug().Str("plan_id", plan.PlanID).Msg("Plan locked by another worker, dropping")
		return nil
	}
	defer release(ctx)

	e.rep.Trace(env.TraceID, plan.IdempotencyKey, "plan_received", map[string]any{
		"plan_id": plan.PlanID, "symbol": plan.Symbol, "timeframe": plan.Timeframe,
	})
	return e.admit(ctx, env.TraceID, &plan)
}

func (e *Engine) admit(ctx context.Context, traceID string, plan *events.TradePlanPayload) error {
	// duplicate delivery after a successful entry is a no-op
	if existing, err := e.st.GetPositionByIdem(plan.IdempotencyKey); err != nil {
		return err
	} else if existing != nil {
		log.Debug().Str("plan_id", plan.PlanID).Msg("Position already exists for plan")
		return nil
	}

	if rejected, err := e.runGates(ctx, traceID, plan); err != nil || rejected {
		return err
	}
	return e.enter(ctx, traceID, plan)
}

// runGates applies every admission gate in order. Returns rejected=true when
// a gate emitted its rejection.
func (e *Engine) runGates(ctx context.Context, traceID string, plan *events.TradePlanPayload) (bool, error) {
	now := e.now()
	bias := biasOf(plan.Side)

	killed, err := e.killSwitchOn()
	if err != nil {
		return false, err
	}
	if killed {
		e.reject(ctx, plan, events.RiskKillSwitchOn, "kill switch active")
		return true, nil
	}

	if e.cfg.RiskCircuitEnabled {
		rs, err := e.st.GetRiskState(tradeDate(now))
		if err != nil {
			return false, err
		}
		if rs != nil && (rs.SoftHalt || rs.HardHalt || rs.KillSwitch) {
			e.reject(ctx, plan, events.RiskKillSwitchOn, "risk circuit halted")
			return true, nil
		}
	}

	open, err := e.st.CountOpenPositions()
	if err != nil {
		return false, err
	}
	if open >= int64(e.cfg.MaxOpenPositionsDefault) {
		e.reject(ctx, plan, events.RiskMaxPositions, "max open positions reached")
		return true, nil
	}

	existing, err := e.st.FindOpenPositionSameDirection(plan.Symbol, bias)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if timeframe.Rank(plan.Timeframe) > timeframe.Rank(existing.Timeframe) {
			log.Info().Str("symbol", plan.Symbol).Str("from", existing.Timeframe).
				Str("to", plan.Timeframe).Msg("Mutex upgrade, closing lower timeframe position")
			if err := e.closePositionMarket(ctx, existing, store.ExitMutexUpgrade); err != nil {
				return false, err
			}
			e.rep.Trace(traceID, plan.IdempotencyKey, "mutex_upgrade", map[string]any{
				"closed_position": existing.PositionID, "closed_timeframe": existing.Timeframe,
			})
		} else {
			e.reject(ctx, plan, events.RiskPositionMutex, "open position on same symbol and side")
			return true, nil
		}
	}

	if e.cfg.CooldownEnabled {
		cd, err := e.st.GetActiveCooldown(plan.Symbol, bias, plan.Timeframe, now)
		if err != nil {
			return false, err
		}
		if cd != nil {
			e.reject(ctx, plan, events.RiskCooldownBlocked, "cooldown active")
			return true, nil
		}
	}

	if plan.ExpiresAtMs > 0 && now > plan.ExpiresAtMs {
		e.reject(ctx, plan, events.RiskSignalExpired, "plan expired")
		return true, nil
	}

	return false, nil
}

func (e *Engine) killSwitchOn() (bool, error) {
	if e.cfg.KillSwitchForceOn {
		return true, nil
	}
	return e.st.KillSwitchActive()
}

// instrument loads filters with a conservative fallback.
func (e *Engine) instrument(ctx context.Context, symbol string) *bybit.InstrumentInfo {
	if e.inst == nil {
		return defaultInstrument(symbol)
	}
	info, err := e.inst.GetInstrumentInfo(ctx, symbol)
	if err != nil || info == nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Instrument info unavailable, using defaults")
		return defaultInstrument(symbol)
	}
	return info
}

// enter performs the entry: sizing, position row, entry + TP orders.
func (e *Engine) enter(ctx context.Context, traceID string, plan *events.TradePlanPayload) error {
	now := e.now()
	inst := e.instrument(ctx, plan.Symbol)

	equity, err := e.equity(ctx)
	if err != nil {
		e.rep.Report(ctx, events.ExecutionReportPayload{
			PlanID: plan.PlanID, Type: events.ReportError, Status: "ORDER_REJECTED",
			Severity: events.SeverityCritical, Symbol: plan.Symbol, Reason: "equity unavailable: " + err.Error(),
		})
		return nil
	}

	sz := ComputeSizing(equity, plan.RiskParams.RiskPct, plan.EntryPrice, plan.PrimarySLPrice, plan.Side, inst)
	if sz.QtyTotal <= 0 {
		e.rep.Report(ctx, events.ExecutionReportPayload{
			PlanID: plan.PlanID, Type: events.ReportError, Status: "ORDER_REJECTED",
			Severity: events.SeverityImportant, Symbol: plan.Symbol, Reason: "computed qty is zero",
		})
		return nil
	}

	pos := &store.Position{
		PositionID:       TradeID(e.runID, plan.IdempotencyKey)[:32],
		IdempotencyKey:   plan.IdempotencyKey,
		Symbol:           plan.Symbol,
		Timeframe:        plan.Timeframe,
		Side:             plan.Side,
		Bias:             biasOf(plan.Side),
		QtyTotal:         sz.QtyTotal,
		QtyRunner:        sz.QtyRunner,
		EntryPrice:       plan.EntryPrice,
		PrimarySLPrice:   plan.PrimarySLPrice,
		RunnerStopPrice:  plan.PrimarySLPrice,
		Status:           store.PositionOpen,
		EntryCloseTimeMs: plan.ValidFromMs,
		OpenedAtMs:       now,
	}
	e.captureEntryHist(pos)
	pos.EncodeMeta(store.PositionMeta{
		QtyOpen:  sz.QtyTotal,
		TP1Price: sz.TP1Price,
		TP2Price: sz.TP2Price,
		QtyTP1:   sz.QtyTP1,
		QtyTP2:   sz.QtyTP2,
		Mode:     e.cfg.ExecutionMode,
		RunID:    e.runID,
		TraceID:  traceID,
	})
	if err := e.st.UpsertPosition(pos); err != nil {
		return err
	}

	entryStart := time.Now()
	entryOrder, err := e.trader.PlaceEntry(ctx, pos, sz.QtyTotal, inst)
	if err != nil {
		e.rep.Report(ctx, events.ExecutionReportPayload{
			PlanID: plan.PlanID, Type: events.ReportOrderRejected, Status: "ORDER_REJECTED",
			Severity: events.SeverityCritical, Symbol: plan.Symbol, Reason: err.Error(),
		})
		// roll the position back so the gate state stays consistent
		pos.Status = store.PositionClosed
		pos.ExitReason = "entry_failed"
		pos.ClosedAtMs = e.now()
		return e.st.UpsertPosition(pos)
	}
	if err := e.st.UpsertOrder(entryOrder); err != nil {
		return err
	}

	if e.cfg.ExecutionMode == config.ModeLive {
		if err := e.trader.SetStopLoss(ctx, pos.Symbol, pos.PrimarySLPrice, inst); err != nil {
			e.rep.Risk(ctx, events.RiskEventPayload{
				Type:     events.RiskSetSLFailed,
				Severity: events.SeverityCritical,
				Symbol:   pos.Symbol,
				Detail:   map[string]any{"plan_id": plan.PlanID, "stop": pos.PrimarySLPrice, "error": err.Error()},
			})
		}
	}

	for _, tp := range []struct {
		purpose string
		qty     float64
		price   float64
	}{
		{store.PurposeTP1, sz.QtyTP1, sz.TP1Price},
		{store.PurposeTP2, sz.QtyTP2, sz.TP2Price},
	} {
		if tp.qty <= 0 {
			continue
		}
		order, err := e.trader.PlaceTP(ctx, pos, tp.purpose, tp.qty, tp.price, inst)
		if err != nil {
			log.Error().Err(err).Str("purpose", tp.purpose).Str("symbol", pos.Symbol).Msg("TP order failed")
			continue
		}
		if err := e.st.UpsertOrder(order); err != nil {
			return err
		}
	}

	reportType := events.ReportEntrySubmitted
	status := "ORDER_SUBMITTED"
	if e.cfg.ExecutionMode != config.ModeLive {
		reportType = events.ReportEntryFilled
		status = "FILLED"
	}
	e.rep.Report(ctx, events.ExecutionReportPayload{
		PlanID:      plan.PlanID,
		Type:        reportType,
		Status:      status,
		Severity:    events.SeverityImportant,
		Symbol:      plan.Symbol,
		Timeframe:   plan.Timeframe,
		FilledQty:   entryOrder.FilledQty,
		AvgPrice:    entryOrder.AvgPrice,
		OrderID:     entryOrder.OrderID,
		LatencyMs:   time.Since(entryStart).Milliseconds(),
		SlippageBps: SlippageBps(entryOrder.AvgPrice, plan.EntryPrice),
		FillRatio:   FillRatio(entryOrder.FilledQty, sz.QtyTotal),
	})
	e.rep.Trace(traceID, plan.IdempotencyKey, "entry_placed", map[string]any{
		"qty": sz.QtyTotal, "tp1": sz.TP1Price, "tp2": sz.TP2Price, "mode": e.cfg.ExecutionMode,
	})
	log.Info().Str("symbol", pos.Symbol).Str("side", pos.Side).Float64("qty", sz.QtyTotal).
		Float64("entry", pos.EntryPrice).Float64("sl", pos.PrimarySLPrice).Msg("Position opened 💰")
	return nil
}

// captureEntryHist records the MACD histogram value at entry for the
// secondary exit rule. Skipped when history is short.
func (e *Engine) captureEntryHist(pos *store.Position) {
	bars, err := e.st.GetBars(pos.Symbol, pos.Timeframe, lifecycleMinBars*2)
	if err != nil || len(bars) < lifecycleMinBars {
		return
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	hist := indicators.MACDHistogram(closes)
	last := hist[len(hist)-1]
	if indicators.Defined(last) {
		pos.HistEntry = last
		pos.HistEntrySet = true
	}
}

// closePositionMarket flattens an OPEN position at the last observed price;
// used by mutex upgrades and the secondary exit rule.
func (e *Engine) closePositionMarket(ctx context.Context, pos *store.Position, reason string) error {
	meta := pos.DecodeMeta()
	price := meta.LastPrice
	if price <= 0 {
		price = pos.EntryPrice
	}
	closeTime := meta.LastCloseTimeMs
	if closeTime == 0 {
		closeTime = e.now()
	}

	if meta.QtyOpen > 0 {
		inst := e.instrument(ctx, pos.Symbol)
		if err := e.trader.CloseMarket(ctx, pos, meta.QtyOpen, inst); err != nil {
			return err
		}
		meta.Legs = append(meta.Legs, store.Leg{
			Type: "SL", Qty: meta.QtyOpen, Price: price, TimeMs: closeTime, Reason: reason,
		})
		meta.QtyOpen = 0
	}
	return e.finalizeClose(ctx, pos, &meta, reason, closeTime)
}

// finalizeClose settles pnl, cooldown, risk state and audit for a position
// whose qty_open reached zero.
func (e *Engine) finalizeClose(ctx context.Context, pos *store.Position, meta *store.PositionMeta, reason string, closeTimeMs int64) error {
	pnl := PnLQuote(pos.Bias, pos.EntryPrice, meta.Legs)
	pnlR := PnLR(pos.Bias, pos.EntryPrice, pos.PrimarySLPrice, meta.Legs)

	var qty, notional float64
	for _, l := range meta.Legs {
		qty += l.Qty
		notional += l.Price * l.Qty
	}
	avgExit := 0.0
	if qty > 0 {
		avgExit = notional / qty
	}

	pos.Status = store.PositionClosed
	pos.ExitReason = reason
	pos.ClosedAtMs = e.now()
	meta.ExitReason = reason
	meta.ClosePrice = avgExit
	meta.CloseTimeMs = closeTimeMs
	pos.EncodeMeta(*meta)
	if err := e.st.UpsertPosition(pos); err != nil {
		return err
	}

	if reason == store.ExitPrimarySL && e.cfg.CooldownEnabled {
		if bars := e.cfg.CooldownBars(pos.Timeframe); bars > 0 {
			until := closeTimeMs + int64(bars)*timeframe.Ms(pos.Timeframe)
			if err := e.st.UpsertCooldown(&store.Cooldown{
				Symbol:    pos.Symbol,
				Side:      pos.Bias,
				Timeframe: pos.Timeframe,
				Reason:    reason,
				UntilTsMs: until,
			}); err != nil {
				return err
			}
			log.Info().Str("symbol", pos.Symbol).Str("side", pos.Bias).
				Int64("until_ts_ms", until).Msg("Cooldown set ❄️")
		}
	}

	if err := e.settleRiskState(pnl); err != nil {
		log.Error().Err(err).Msg("Risk state update failed")
	}

	if e.cfg.ExecutionMode != config.ModeLive {
		legsJSON := "[]"
		if raw, err := jsonMarshal(meta.Legs); err == nil {
			legsJSON = raw
		}
		if err := e.st.InsertBacktestTrade(&store.BacktestTrade{
			TradeID:        TradeID(e.runID, pos.IdempotencyKey),
			RunID:          e.runID,
			IdempotencyKey: pos.IdempotencyKey,
			Symbol:         pos.Symbol,
			Timeframe:      pos.Timeframe,
			Side:           pos.Bias,
			EntryTimeMs:    pos.OpenedAtMs,
			ExitTimeMs:     closeTimeMs,
			EntryPrice:     pos.EntryPrice,
			ExitPrice:      avgExit,
			PnLR:           pnlR,
			PnLUSDT:        decimal.NewFromFloat(pnl),
			Reason:         reason,
			Legs:           legsJSON,
		}); err != nil {
			return err
		}
	}

	e.rep.Report(ctx, events.ExecutionReportPayload{
		PlanID:    PlanIDOf(pos.IdempotencyKey),
		Type:      events.ReportPositionClosed,
		Status:    "POSITION_CLOSED",
		Severity:  events.SeverityImportant,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
		FilledQty: qty,
		AvgPrice:  avgExit,
		Reason:    reason,
		Detail:    map[string]any{"pnl": pnl, "pnl_r": pnlR},
	})
	log.Info().Str("symbol", pos.Symbol).Str("reason", reason).
		Float64("pnl", pnl).Float64("pnl_r", pnlR).Msg("Position closed 🏁")
	return nil
}

// PlanIDOf rebuilds the short plan id from an idempotency key.
func PlanIDOf(idem string) string {
	if len(idem) >= 24 {
		return idem[:24]
	}
	return idem
}

// settleRiskState applies realized pnl to today's equity and loss streak.
func (e *Engine) settleRiskState(pnl float64) error {
	rs, err := e.st.GetOrInitRiskState(tradeDate(e.now()), decimal.NewFromFloat(e.cfg.PaperEquity))
	if err != nil {
		return err
	}
	meta := rs.DecodeMeta()
	if pnl < 0 {
		meta.ConsecutiveLossCount++
	} else {
		meta.ConsecutiveLossCount = 0
	}
	rs.EncodeMeta(meta)

	if e.cfg.ExecutionMode != config.ModeLive {
		rs.CurrentEquity = rs.CurrentEquity.Add(decimal.NewFromFloat(pnl))
		if rs.CurrentEquity.LessThan(rs.MinEquity) {
			rs.MinEquity = rs.CurrentEquity
		}
		if rs.CurrentEquity.GreaterThan(rs.MaxEquity) {
			rs.MaxEquity = rs.CurrentEquity
		}
	}
	return e.st.SaveRiskState(rs)
}
