package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

// OrderManager handles abnormal entry orders in live limit-entry mode:
// timeouts, partial fills, repricing and the market fallback.
type OrderManager struct {
	cfg    ManagerConfig
	st     *store.Store
	client *bybit.Client
	rep    *Reporter
	inst   InstrumentSource
	now    func() int64
}

type ManagerConfig struct {
	EntryTimeout   time.Duration
	PartialTimeout time.Duration
	MaxRetries     int
	RepriceBps     int
	FallbackMarket bool
}

func NewOrderManager(cfg ManagerConfig, st *store.Store, client *bybit.Client, rep *Reporter, inst InstrumentSource) *OrderManager {
	return &OrderManager{
		cfg:    cfg,
		st:     st,
		client: client,
		rep:    rep,
		inst:   inst,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Run sweeps pending entry orders until ctx is canceled.
func (m *OrderManager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

func (m *OrderManager) sweep(ctx context.Context) {
	orders, err := m.st.ListSubmittedEntryOrders()
	if err != nil {
		log.Error().Err(err).Msg("Entry order sweep failed")
		return
	}
	now := m.now()
	for i := range orders {
		o := &orders[i]
		if o.OrderType != "Limit" {
			continue
		}
		switch {
		case o.Status == store.OrderSubmitted && o.FilledQty == 0 &&
			now-o.SubmittedAtMs > m.cfg.EntryTimeout.Milliseconds():
			m.handleTimeout(ctx, o)
		case o.Status == store.OrderPartialFilled &&
			o.LastFillAtMs > 0 && now-o.LastFillAtMs > m.cfg.PartialTimeout.Milliseconds():
			m.handlePartial(ctx, o)
		}
	}
}

// RepricedLimit moves a stale limit toward the market by repriceBps per
// attempt: buys step up, sells step down.
func RepricedLimit(price float64, side string, repriceBps, attempt int, tickSize float64) float64 {
	step := price * float64(repriceBps) / 10000 * float64(attempt)
	if side == "Sell" {
		step = -step
	}
	return bybit.RoundToTick(price+step, tickSize)
}

func (m *OrderManager) handleTimeout(ctx context.Context, o *store.Order) {
	m.rep.Risk(ctx, events.RiskEventPayload{
		Type:     events.RiskOrderTimeout,
		Severity: events.SeverityImportant,
		Symbol:   o.Symbol,
		Detail:   map[string]any{"order_id": o.OrderID, "age_ms": m.now() - o.SubmittedAtMs},
	})
	if err := m.cancel(ctx, o); err != nil {
		return
	}
	m.retryOrFallback(ctx, o, o.Qty)
}

func (m *OrderManager) handlePartial(ctx context.Context, o *store.Order) {
	remaining := o.Qty - o.FilledQty
	m.rep.Risk(ctx, events.RiskEventPayload{
		Type:     events.RiskOrderPartialFill,
		Severity: events.SeverityImportant,
		Symbol:   o.Symbol,
		Detail: map[string]any{
			"order_id": o.OrderID, "filled_qty": o.FilledQty, "remaining_qty": remaining,
		},
	})
	if err := m.cancel(ctx, o); err != nil {
		return
	}
	m.retryOrFallback(ctx, o, remaining)
}

func (m *OrderManager) cancel(ctx context.Context, o *store.Order) error {
	if _, err := m.client.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID, o.ExchangeLinkID); err != nil {
		log.Error().Err(err).Str("order_id", o.OrderID).Msg("Cancel failed")
		return err
	}
	o.Status = store.OrderCanceled
	if err := m.st.UpsertOrder(o); err != nil {
		return err
	}
	m.rep.Risk(ctx, events.RiskEventPayload{
		Type:     events.RiskOrderCancelled,
		Severity: events.SeverityInfo,
		Symbol:   o.Symbol,
		Detail:   map[string]any{"order_id": o.OrderID},
	})
	return nil
}

func (m *OrderManager) retryOrFallback(ctx context.Context, o *store.Order, qty float64) {
	inst := m.instrument(ctx, o.Symbol)

	if o.RetryCount >= m.cfg.MaxRetries {
		if !m.cfg.FallbackMarket {
			o.Status = store.OrderFailed
			_ = m.st.UpsertOrder(o)
			return
		}
		ack, err := m.client.CreateOrder(ctx, bybit.OrderRequest{
			Symbol:    o.Symbol,
			Side:      o.Side,
			OrderType: "Market",
			Qty:       bybit.FormatQty(qty, inst.QtyStep),
		})
		if err != nil {
			log.Error().Err(err).Str("order_id", o.OrderID).Msg("Market fallback failed")
			o.Status = store.OrderFailed
			_ = m.st.UpsertOrder(o)
			return
		}
		o.OrderType = "Market"
		o.Status = store.OrderSubmitted
		o.ExchangeOrderID = ack.OrderID
		o.Qty = qty
		o.RetryCount++
		o.SubmittedAtMs = m.now()
		_ = m.st.UpsertOrder(o)
		m.rep.Risk(ctx, events.RiskEventPayload{
			Type:     events.RiskOrderFallback,
			Severity: events.SeverityImportant,
			Symbol:   o.Symbol,
			Detail:   map[string]any{"order_id": o.OrderID, "qty": qty},
		})
		return
	}

	o.RetryCount++
	newPrice := RepricedLimit(o.Price, o.Side, m.cfg.RepriceBps, o.RetryCount, inst.TickSize)
	ack, err := m.client.CreateOrder(ctx, bybit.OrderRequest{
		Symbol:      o.Symbol,
		Side:        o.Side,
		OrderType:   "Limit",
		Qty:         bybit.FormatQty(qty, inst.QtyStep),
		Price:       bybit.FormatPrice(newPrice, inst.TickSize),
		TimeInForce: "GTC",
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", o.OrderID).Msg("Reprice resubmit failed")
		o.Status = store.OrderFailed
		_ = m.st.UpsertOrder(o)
		return
	}
	o.Price = newPrice
	o.Qty = qty
	o.Status = store.OrderSubmitted
	o.ExchangeOrderID = ack.OrderID
	o.SubmittedAtMs = m.now()
	o.FilledQty = 0
	_ = m.st.UpsertOrder(o)
	m.rep.Risk(ctx, events.RiskEventPayload{
		Type:     events.RiskOrderRetry,
		Severity: events.SeverityImportant,
		Symbol:   o.Symbol,
		Detail:   map[string]any{"order_id": o.OrderID, "attempt": o.RetryCount, "price": newPrice},
	})
}

func (m *OrderManager) instrument(ctx context.Context, symbol string) *bybit.InstrumentInfo {
	if m.inst != nil {
		if info, err := m.inst.GetInstrumentInfo(ctx, symbol); err == nil && info != nil {
			return info
		}
	}
	return defaultInstrument(symbol)
}
