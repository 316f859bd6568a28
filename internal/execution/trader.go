package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/store"
)

// Trader is the capability set each execution mode implements. Paper and
// backtest fabricate fills locally; live talks to the exchange.
type Trader interface {
	// PlaceEntry submits the entry order and returns the order row to persist.
	PlaceEntry(ctx context.Context, pos *store.Position, qty float64, inst *bybit.InstrumentInfo) (*store.Order, error)
	// PlaceTP submits one reduce-only take-profit limit.
	PlaceTP(ctx context.Context, pos *store.Position, purpose string, qty, price float64, inst *bybit.InstrumentInfo) (*store.Order, error)
	// SetStopLoss moves the exchange-side stop. Paper mode is a no-op.
	SetStopLoss(ctx context.Context, symbol string, stop float64, inst *bybit.InstrumentInfo) error
	// CloseMarket flattens qty at market. Paper mode is a no-op; the caller
	// records the synthetic fill.
	CloseMarket(ctx context.Context, pos *store.Position, qty float64, inst *bybit.InstrumentInfo) error
}

// exchangeSide maps a plan side to the exchange order side.
func exchangeSide(side string) string {
	if side == "SELL" {
		return "Sell"
	}
	return "Buy"
}

func oppositeSide(side string) string {
	if side == "SELL" {
		return "Buy"
	}
	return "Sell"
}

// PaperTrader fills entries instantly at plan price and leaves TPs as
// pending limits for the bar simulator.
type PaperTrader struct{}

func (PaperTrader) PlaceEntry(_ context.Context, pos *store.Position, qty float64, _ *bybit.InstrumentInfo) (*store.Order, error) {
	now := time.Now().UnixMilli()
	return &store.Order{
		OrderID:        uuid.NewString(),
		IdempotencyKey: pos.IdempotencyKey,
		Purpose:        store.PurposeEntry,
		Symbol:         pos.Symbol,
		Side:           exchangeSide(pos.Side),
		OrderType:      "Market",
		Qty:            qty,
		Price:          pos.EntryPrice,
		Status:         store.OrderFilled,
		FilledQty:      qty,
		AvgPrice:       pos.EntryPrice,
		SubmittedAtMs:  now,
		LastFillAtMs:   now,
	}, nil
}

func (PaperTrader) PlaceTP(_ context.Context, pos *store.Position, purpose string, qty, price float64, _ *bybit.InstrumentInfo) (*store.Order, error) {
	return &store.Order{
		OrderID:        uuid.NewString(),
		IdempotencyKey: pos.IdempotencyKey,
		Purpose:        purpose,
		Symbol:         pos.Symbol,
		Side:           oppositeSide(pos.Side),
		OrderType:      "Limit",
		Qty:            qty,
		Price:          price,
		ReduceOnly:     true,
		Status:         store.OrderSubmitted,
		SubmittedAtMs:  time.Now().UnixMilli(),
	}, nil
}

func (PaperTrader) SetStopLoss(context.Context, string, float64, *bybit.InstrumentInfo) error {
	return nil
}

func (PaperTrader) CloseMarket(context.Context, *store.Position, float64, *bybit.InstrumentInfo) error {
	return nil
}

// LiveTrader submits real orders over the Bybit REST API.
type LiveTrader struct {
	client    *bybit.Client
	orderType string // Market or Limit entry
}

func NewLiveTrader(client *bybit.Client, entryOrderType string) *LiveTrader {
	return &LiveTrader{client: client, orderType: entryOrderType}
}

func (t *LiveTrader) PlaceEntry(ctx context.Context, pos *store.Position, qty float64, inst *bybit.InstrumentInfo) (*store.Order, error) {
	linkID := "e-" + pos.PositionID[:18]
	req := bybit.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        exchangeSide(pos.Side),
		OrderType:   t.orderType,
		Qty:         bybit.FormatQty(qty, inst.QtyStep),
		OrderLinkID: linkID,
	}
	if t.orderType == "Limit" {
		req.Price = bybit.FormatPrice(pos.EntryPrice, inst.TickSize)
		req.TimeInForce = "GTC"
	}
	ack, err := t.client.CreateOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("entry order: %w", err)
	}
	return &store.Order{
		OrderID:         uuid.NewString(),
		IdempotencyKey:  pos.IdempotencyKey,
		Purpose:         store.PurposeEntry,
		Symbol:          pos.Symbol,
		Side:            req.Side,
		OrderType:       t.orderType,
		Qty:             qty,
		Price:           pos.EntryPrice,
		Status:          store.OrderSubmitted,
		ExchangeOrderID: ack.OrderID,
		ExchangeLinkID:  linkID,
		SubmittedAtMs:   time.Now().UnixMilli(),
	}, nil
}

func (t *LiveTrader) PlaceTP(ctx context.Context, pos *store.Position, purpose string, qty, price float64, inst *bybit.InstrumentInfo) (*store.Order, error) {
	linkID := fmt.Sprintf("%s-%s", map[string]string{store.PurposeTP1: "t1", store.PurposeTP2: "t2"}[purpose], pos.PositionID[:18])
	ack, err := t.client.CreateOrder(ctx, bybit.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        oppositeSide(pos.Side),
		OrderType:   "Limit",
		Qty:         bybit.FormatQty(qty, inst.QtyStep),
		Price:       bybit.FormatPrice(price, inst.TickSize),
		TimeInForce: "GTC",
		ReduceOnly:  true,
		OrderLinkID: linkID,
	})
	if err != nil {
		return nil, fmt.Errorf("%s order: %w", purpose, err)
	}
	return &store.Order{
		OrderID:         uuid.NewString(),
		IdempotencyKey:  pos.IdempotencyKey,
		Purpose:         purpose,
		Symbol:          pos.Symbol,
		Side:            oppositeSide(pos.Side),
		OrderType:       "Limit",
		Qty:             qty,
		Price:           price,
		ReduceOnly:      true,
		Status:          store.OrderSubmitted,
		ExchangeOrderID: ack.OrderID,
		ExchangeLinkID:  linkID,
		SubmittedAtMs:   time.Now().UnixMilli(),
	}, nil
}

func (t *LiveTrader) SetStopLoss(ctx context.Context, symbol string, stop float64, inst *bybit.InstrumentInfo) error {
	return t.client.SetTradingStop(ctx, symbol, stop, inst.TickSize)
}

func (t *LiveTrader) CloseMarket(ctx context.Context, pos *store.Position, qty float64, inst *bybit.InstrumentInfo) error {
	_, err := t.client.CreateOrder(ctx, bybit.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       oppositeSide(pos.Side),
		OrderType:  "Market",
		Qty:        bybit.FormatQty(qty, inst.QtyStep),
		ReduceOnly: true,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Close market order failed")
	}
	return err
}
