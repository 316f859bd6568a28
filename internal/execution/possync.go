package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
	"github.com/web3guy0/divbot/internal/timeframe"
)

// PositionSyncer keeps DB position state honest against the exchange. A
// position the exchange no longer holds was closed out of band, usually by
// the exchange-side stop loss.
type PositionSyncer struct {
	cfg    *config.Config
	st     *store.Store
	client *bybit.Client
	rep    *Reporter
	engine *Engine
}

func NewPositionSyncer(cfg *config.Config, st *store.Store, client *bybit.Client, rep *Reporter, engine *Engine) *PositionSyncer {
	return &PositionSyncer{cfg: cfg, st: st, client: client, rep: rep, engine: engine}
}

func (s *PositionSyncer) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *PositionSyncer) sweep(ctx context.Context) {
	positions, err := s.st.ListOpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("Position sync sweep failed")
		return
	}

	var live []*store.Position
	for i := range positions {
		pos := &positions[i]
		if pos.DecodeMeta().Mode == config.ModeLive {
			live = append(live, pos)
		}
	}
	if len(live) == 0 {
		return
	}

	exchange, err := s.client.GetPositions(ctx, "")
	if err != nil {
		log.Error().Err(err).Msg("Exchange position fetch failed")
		return
	}
	sizes := make(map[string]float64, len(exchange))
	for _, p := range exchange {
		sizes[p.Symbol+"|"+exchangeBias(p.Side)] = p.Size
	}

	for _, pos := range live {
		size := sizes[pos.Symbol+"|"+pos.Bias]
		if size > 0 {
			continue
		}
		if err := s.closeDesynced(ctx, pos); err != nil {
			log.Error().Err(err).Str("position_id", pos.PositionID).Msg("Desynced position close failed")
		}
	}
}

func exchangeBias(side string) string {
	if side == "Sell" {
		return "SHORT"
	}
	return "LONG"
}

// closeDesynced settles a DB position the exchange already flattened. When
// TP1 never filled the only way out was the primary stop, which starts the
// cooldown; after TP1 break-even or the runner trail took it out.
func (s *PositionSyncer) closeDesynced(ctx context.Context, pos *store.Position) error {
	meta := pos.DecodeMeta()
	reason := store.ExitStopLoss
	price := pos.PrimarySLPrice
	switch {
	case meta.TP2Filled:
		reason = store.ExitRunnerSL
		price = pos.RunnerStopPrice
	case meta.TP1Filled:
		reason = store.ExitSecondarySL
		price = pos.EntryPrice
	}

	log.Warn().Str("symbol", pos.Symbol).Str("reason", reason).
		Msg("Exchange position gone, closing DB position 🔄")
	s.rep.Risk(ctx, events.RiskEventPayload{
		Type:     events.RiskConsistencyDrift,
		Severity: events.SeverityImportant,
		Symbol:   pos.Symbol,
		Detail:   map[string]any{"position_id": pos.PositionID, "reason": reason},
	})

	closeTime := meta.LastCloseTimeMs
	if closeTime == 0 {
		closeTime = time.Now().UnixMilli()
	}
	if meta.QtyOpen > 0 {
		meta.Legs = append(meta.Legs, store.Leg{
			Type: "SL", Qty: meta.QtyOpen, Price: price, TimeMs: closeTime, Reason: reason,
		})
		meta.QtyOpen = 0
	}

	if reason == store.ExitStopLoss && s.cfg.CooldownEnabled {
		if bars := s.cfg.CooldownBars(pos.Timeframe); bars > 0 {
			if err := s.st.UpsertCooldown(&store.Cooldown{
				Symbol:    pos.Symbol,
				Side:      pos.Bias,
				Timeframe: pos.Timeframe,
				Reason:    reason,
				UntilTsMs: closeTime + int64(bars)*timeframe.Ms(pos.Timeframe),
			}); err != nil {
				return err
			}
		}
	}
	return s.engine.finalizeClose(ctx, pos, &meta, reason, closeTime)
}
