package execution

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

// drift between WS and REST equity above this fraction raises an event
const snapshotDriftPct = 0.01

// Snapshotter periodically records wallet and account snapshots and compares
// the REST view against the latest WS-sourced one.
type Snapshotter struct {
	cfg    *config.Config
	st     *store.Store
	client *bybit.Client
	rep    *Reporter
}

func NewSnapshotter(cfg *config.Config, st *store.Store, client *bybit.Client, rep *Reporter) *Snapshotter {
	return &Snapshotter{cfg: cfg, st: st, client: client, rep: rep}
}

func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.snapshot(ctx); err != nil {
				log.Error().Err(err).Msg("Snapshot failed")
			}
		}
	}
}

func (s *Snapshotter) snapshot(ctx context.Context) error {
	now := time.Now().UnixMilli()
	wb, err := s.client.GetWalletBalance(ctx, s.cfg.BybitAccountType)
	if err != nil {
		return err
	}
	if err := s.st.InsertWalletSnapshot(&store.WalletSnapshot{
		SnapshotID:  uuid.NewString(),
		TradeDate:   tradeDate(now),
		TsMs:        now,
		Source:      "REST",
		TotalEquity: decimal.NewFromFloat(wb.TotalEquity),
		Available:   decimal.NewFromFloat(wb.TotalAvailable),
	}); err != nil {
		return err
	}

	if prev, err := s.st.LatestWalletSnapshot("WS"); err == nil && prev != nil {
		wsEq := prev.TotalEquity.InexactFloat64()
		if wsEq > 0 && wb.TotalEquity > 0 {
			drift := math.Abs(wb.TotalEquity-wsEq) / wb.TotalEquity
			if drift > snapshotDriftPct {
				s.rep.Risk(ctx, events.RiskEventPayload{
					Type:     events.RiskConsistencyDrift,
					Severity: events.SeverityImportant,
					Detail: map[string]any{
						"rest_equity": wb.TotalEquity, "ws_equity": wsEq, "drift": drift,
					},
				})
			}
		}
	}

	positions, err := s.client.GetPositions(ctx, "")
	if err != nil {
		return err
	}
	var totalValue float64
	for _, p := range positions {
		totalValue += p.PositionValue
	}
	return s.st.InsertAccountSnapshot(&store.AccountSnapshot{
		SnapshotID:    uuid.NewString(),
		TradeDate:     tradeDate(now),
		TsMs:          now,
		Source:        "REST",
		OpenPositions: len(positions),
		TotalSizeUSD:  decimal.NewFromFloat(totalValue),
	})
}

// RecordWalletWS stores a wallet snapshot from the private WS stream.
func (s *Snapshotter) RecordWalletWS(totalEquity, available float64) {
	now := time.Now().UnixMilli()
	if err := s.st.InsertWalletSnapshot(&store.WalletSnapshot{
		SnapshotID:  uuid.NewString(),
		TradeDate:   tradeDate(now),
		TsMs:        now,
		Source:      "WS",
		TotalEquity: decimal.NewFromFloat(totalEquity),
		Available:   decimal.NewFromFloat(available),
	}); err != nil {
		log.Warn().Err(err).Msg("WS wallet snapshot insert failed")
	}
}
