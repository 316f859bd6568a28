package execution

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

// WSIngestor feeds private websocket updates into the order and fill tables
// so fills land ahead of the REST reconciler.
type WSIngestor struct {
	st  *store.Store
	rep *Reporter
}

func NewWSIngestor(st *store.Store, rep *Reporter) *WSIngestor {
	return &WSIngestor{st: st, rep: rep}
}

// Handlers builds the private WS handler set. ctx bounds the risk event
// publishes triggered by position drift.
func (w *WSIngestor) Handlers(ctx context.Context) bybit.PrivateHandlers {
	return bybit.PrivateHandlers{
		OnOrder:     func(u bybit.OrderUpdate) { w.onOrder(ctx, u) },
		OnExecution: func(u bybit.ExecutionUpdate) { w.onExecution(u) },
		OnPosition:  func(u bybit.PositionUpdate) { w.onPosition(ctx, u) },
		OnRaw: func(topic, payload string) {
			if err := w.st.InsertWSEvent(topic, payload); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("WS event audit failed")
			}
		},
		OnReconnect: func(attempt int) {
			w.rep.Risk(ctx, events.RiskEventPayload{
				Type:     events.RiskWSReconnect,
				Severity: events.SeverityImportant,
				Detail:   map[string]any{"channel": "private", "attempt": attempt},
			})
		},
	}
}

// onOrder eagerly flips order rows on terminal updates; the reconciler then
// merges filled TPs into position state.
func (w *WSIngestor) onOrder(ctx context.Context, u bybit.OrderUpdate) {
	order := w.match(u.OrderID, u.OrderLinkID)
	if order == nil {
		return
	}
	prevStatus := order.Status
	order.FilledQty = parseF(u.CumExecQty)
	if p := parseF(u.AvgPrice); p > 0 {
		order.AvgPrice = p
	}
	switch u.OrderStatus {
	case "Filled":
		order.Status = store.OrderFilled
		order.LastFillAtMs = time.Now().UnixMilli()
	case "PartiallyFilled":
		order.Status = store.OrderPartialFilled
		order.LastFillAtMs = time.Now().UnixMilli()
	case "Cancelled", "Rejected", "Deactivated":
		if order.Status != store.OrderFilled {
			order.Status = store.OrderCanceled
		}
	default:
		return
	}
	if err := w.st.UpsertOrder(order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("WS order update persist failed")
		return
	}
	log.Debug().Str("order_id", order.OrderID).Str("status", order.Status).
		Str("purpose", order.Purpose).Msg("Order updated from WS")
	w.reportEntryTransition(ctx, order, prevStatus)
}

// reportEntryTransition announces terminal states of entry orders. TP fills
// stay with the reconciler, which owns the position-state merge.
func (w *WSIngestor) reportEntryTransition(ctx context.Context, order *store.Order, prevStatus string) {
	if order.Purpose != store.PurposeEntry || order.Status == prevStatus {
		return
	}
	switch order.Status {
	case store.OrderFilled:
		w.rep.Report(ctx, events.ExecutionReportPayload{
			PlanID:      PlanIDOf(order.IdempotencyKey),
			Type:        events.ReportEntryFilled,
			Status:      "FILLED",
			Severity:    events.SeverityImportant,
			Symbol:      order.Symbol,
			FilledQty:   order.FilledQty,
			AvgPrice:    order.AvgPrice,
			OrderID:     order.OrderID,
			SlippageBps: SlippageBps(order.AvgPrice, order.Price),
			FillRatio:   FillRatio(order.FilledQty, order.Qty),
			Detail:      map[string]any{"ws": true},
		})
	case store.OrderCanceled:
		w.rep.Report(ctx, events.ExecutionReportPayload{
			PlanID:   PlanIDOf(order.IdempotencyKey),
			Type:     events.ReportOrderRejected,
			Status:   "CANCELED",
			Severity: events.SeverityInfo,
			Symbol:   order.Symbol,
			OrderID:  order.OrderID,
			Detail:   map[string]any{"ws": true},
		})
	}
}

func (w *WSIngestor) onExecution(u bybit.ExecutionUpdate) {
	order := w.match(u.OrderID, u.OrderLinkID)
	if order == nil {
		return
	}
	execTime, _ := strconv.ParseInt(u.ExecTime, 10, 64)
	if execTime == 0 {
		execTime = time.Now().UnixMilli()
	}
	if err := w.st.InsertFill(&store.Fill{
		ExecID:     u.ExecID,
		OrderID:    order.OrderID,
		ExecQty:    parseF(u.ExecQty),
		ExecPrice:  parseF(u.ExecPrice),
		ExecFee:    parseF(u.ExecFee),
		ExecTimeMs: execTime,
	}); err != nil {
		log.Warn().Err(err).Str("exec_id", u.ExecID).Msg("Fill insert failed")
	}
}

// onPosition flags drift between exchange size and our open quantity.
func (w *WSIngestor) onPosition(ctx context.Context, u bybit.PositionUpdate) {
	bias := exchangeBias(u.Side)
	pos, err := w.st.FindOpenPositionSameDirection(u.Symbol, bias)
	if err != nil || pos == nil {
		return
	}
	size := parseF(u.Size)
	qtyOpen := pos.DecodeMeta().QtyOpen
	if diff := size - qtyOpen; diff > 1e-9 || diff < -1e-9 {
		w.rep.Risk(ctx, events.RiskEventPayload{
			Type:     events.RiskConsistencyDrift,
			Severity: events.SeverityImportant,
			Symbol:   u.Symbol,
			Detail: map[string]any{
				"position_id": pos.PositionID, "exchange_size": size, "qty_open": qtyOpen,
			},
		})
	}
}

func (w *WSIngestor) match(exchangeOrderID, linkID string) *store.Order {
	order, err := w.st.FindOrderByExchangeID(exchangeOrderID, linkID)
	if err != nil {
		log.Warn().Err(err).Str("exchange_order_id", exchangeOrderID).Msg("Order lookup failed")
		return nil
	}
	return order
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
