package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

// Reconciler polls exchange order state for open live positions and drives
// the take-profit ladder: break-even after TP1, runner stop after TP2.
type Reconciler struct {
	cfg    *config.Config
	st     *store.Store
	client *bybit.Client
	trader Trader
	rep    *Reporter
	inst   InstrumentSource
	engine *Engine
}

func NewReconciler(cfg *config.Config, st *store.Store, client *bybit.Client,
	trader Trader, rep *Reporter, inst InstrumentSource, engine *Engine) *Reconciler {
	return &Reconciler{cfg: cfg, st: st, client: client, trader: trader, rep: rep, inst: inst, engine: engine}
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	positions, err := r.st.ListOpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("Reconcile sweep failed")
		return
	}
	for i := range positions {
		pos := &positions[i]
		meta := pos.DecodeMeta()
		if meta.Mode != config.ModeLive {
			continue
		}
		if err := r.reconcilePosition(ctx, pos, &meta); err != nil {
			log.Error().Err(err).Str("position_id", pos.PositionID).Msg("Reconcile position failed")
		}
	}
}

func (r *Reconciler) reconcilePosition(ctx context.Context, pos *store.Position, meta *store.PositionMeta) error {
	changed := false

	if !meta.TP1Filled {
		filled, fill, err := r.checkTP(ctx, pos, store.PurposeTP1)
		if err != nil {
			return err
		}
		if filled {
			meta.TP1Filled = true
			meta.QtyOpen -= fill.Qty
			meta.Legs = append(meta.Legs, store.Leg{
				Type: "TP1", Qty: fill.Qty, Price: fill.Price, TimeMs: time.Now().UnixMilli(),
			})
			changed = true
			r.rep.Report(ctx, events.ExecutionReportPayload{
				PlanID: PlanIDOf(pos.IdempotencyKey), Type: events.ReportTP1Filled,
				Status: "TP_HIT", Severity: events.SeverityImportant,
				Symbol: pos.Symbol, Timeframe: pos.Timeframe,
				FilledQty: fill.Qty, AvgPrice: fill.Price,
			})
			r.moveStop(ctx, pos, pos.EntryPrice, "break_even")
		}
	}

	if meta.TP1Filled && !meta.TP2Filled {
		filled, fill, err := r.checkTP(ctx, pos, store.PurposeTP2)
		if err != nil {
			return err
		}
		if filled {
			meta.TP2Filled = true
			meta.QtyOpen -= fill.Qty
			meta.Legs = append(meta.Legs, store.Leg{
				Type: "TP2", Qty: fill.Qty, Price: fill.Price, TimeMs: time.Now().UnixMilli(),
			})
			meta.RunnerSLApplied = false
			changed = true
			r.rep.Report(ctx, events.ExecutionReportPayload{
				PlanID: PlanIDOf(pos.IdempotencyKey), Type: events.ReportTP2Filled,
				Status: "TP_HIT", Severity: events.SeverityImportant,
				Symbol: pos.Symbol, Timeframe: pos.Timeframe,
				FilledQty: fill.Qty, AvgPrice: fill.Price,
			})
		}
	}

	// runner stop reaches the exchange only once the runner is all that is left
	if meta.TP2Filled && !meta.RunnerSLApplied && pos.RunnerStopPrice > 0 {
		r.moveStop(ctx, pos, pos.RunnerStopPrice, "runner_trail")
		meta.RunnerSLApplied = true
		changed = true
	}

	if meta.QtyOpen < 0 {
		meta.QtyOpen = 0
	}
	if changed {
		pos.EncodeMeta(*meta)
		return r.st.UpsertPosition(pos)
	}
	return nil
}

type tpFill struct {
	Qty   float64
	Price float64
}

// checkTP refreshes one TP order from the exchange and reports whether it
// just finished filling.
func (r *Reconciler) checkTP(ctx context.Context, pos *store.Position, purpose string) (bool, tpFill, error) {
	order, err := r.st.GetOrderByIdemPurpose(pos.IdempotencyKey, purpose)
	if err != nil || order == nil {
		return false, tpFill{}, err
	}
	if order.Status == store.OrderFilled {
		return true, tpFill{Qty: order.FilledQty, Price: order.AvgPrice}, nil
	}
	if order.Status != store.OrderSubmitted && order.Status != store.OrderPartialFilled {
		return false, tpFill{}, nil
	}

	status, err := r.client.GetOrder(ctx, order.Symbol, order.ExchangeOrderID, order.ExchangeLinkID)
	if err != nil {
		return false, tpFill{}, err
	}
	if status == nil {
		return false, tpFill{}, nil
	}

	order.FilledQty = status.CumExecQty
	order.AvgPrice = status.AvgPrice
	switch status.Status {
	case "Filled":
		order.Status = store.OrderFilled
		order.LastFillAtMs = time.Now().UnixMilli()
	case "PartiallyFilled":
		order.Status = store.OrderPartialFilled
		if status.CumExecQty > 0 {
			order.LastFillAtMs = time.Now().UnixMilli()
		}
	case "Cancelled", "Rejected":
		order.Status = store.OrderCanceled
	}
	if err := r.st.UpsertOrder(order); err != nil {
		return false, tpFill{}, err
	}
	if order.Status == store.OrderFilled {
		return true, tpFill{Qty: order.FilledQty, Price: order.AvgPrice}, nil
	}
	return false, tpFill{}, nil
}

func (r *Reconciler) moveStop(ctx context.Context, pos *store.Position, stop float64, why string) {
	inst := defaultInstrument(pos.Symbol)
	if r.inst != nil {
		if info, err := r.inst.GetInstrumentInfo(ctx, pos.Symbol); err == nil && info != nil {
			inst = info
		}
	}
	if err := r.trader.SetStopLoss(ctx, pos.Symbol, stop, inst); err != nil {
		r.rep.Risk(ctx, events.RiskEventPayload{
			Type:     events.RiskSetSLFailed,
			Severity: events.SeverityCritical,
			Symbol:   pos.Symbol,
			Detail:   map[string]any{"stop": stop, "why": why, "error": err.Error()},
		})
		return
	}
	r.rep.Report(ctx, events.ExecutionReportPayload{
		PlanID:    PlanIDOf(pos.IdempotencyKey),
		Type:      events.ReportSLUpdate,
		Status:    "SL_UPDATED",
		Severity:  events.SeverityInfo,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
		Detail:    map[string]any{"stop": stop, "why": why},
	})
}
