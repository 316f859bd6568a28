package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

// RiskMonitor tracks intraday drawdown against the day's equity high and
// trips the soft and hard halts. Halts are edge-triggered: each fires one
// risk event per day.
type RiskMonitor struct {
	cfg    *config.Config
	st     *store.Store
	rep    *Reporter
	equity EquityFunc
}

func NewRiskMonitor(cfg *config.Config, st *store.Store, rep *Reporter, equity EquityFunc) *RiskMonitor {
	return &RiskMonitor{cfg: cfg, st: st, rep: rep, equity: equity}
}

func (m *RiskMonitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Check(ctx); err != nil {
				log.Error().Err(err).Msg("Risk monitor check failed")
			}
		}
	}
}

// Check refreshes today's equity extremes and applies the halt thresholds.
func (m *RiskMonitor) Check(ctx context.Context) error {
	if !m.cfg.RiskCircuitEnabled {
		return nil
	}
	now := time.Now().UnixMilli()
	rs, err := m.st.GetOrInitRiskState(tradeDate(now), decimal.NewFromFloat(m.cfg.PaperEquity))
	if err != nil {
		return err
	}

	// live equity comes from the exchange; paper equity is settled on close
	if m.cfg.ExecutionMode == config.ModeLive {
		eq, err := m.equity(ctx)
		if err != nil {
			return err
		}
		rs.CurrentEquity = decimal.NewFromFloat(eq)
		if rs.CurrentEquity.LessThan(rs.MinEquity) {
			rs.MinEquity = rs.CurrentEquity
		}
		if rs.CurrentEquity.GreaterThan(rs.MaxEquity) {
			rs.MaxEquity = rs.CurrentEquity
		}
	}

	rs.DrawdownPct = drawdownPct(rs.MaxEquity, rs.CurrentEquity)

	if !rs.SoftHalt && rs.DrawdownPct >= m.cfg.DailyDrawdownSoftPct {
		rs.SoftHalt = true
		m.rep.Risk(ctx, events.RiskEventPayload{
			Type:     events.RiskDailyDDSoftHalt,
			Severity: events.SeverityImportant,
			Detail: map[string]any{
				"drawdown_pct": rs.DrawdownPct, "threshold": m.cfg.DailyDrawdownSoftPct,
				"current_equity": rs.CurrentEquity.InexactFloat64(),
			},
		})
		log.Warn().Float64("drawdown_pct", rs.DrawdownPct).Msg("Daily drawdown soft halt ⚠️")
	}
	if !rs.HardHalt && rs.DrawdownPct >= m.cfg.DailyDrawdownHardPct {
		rs.HardHalt = true
		rs.KillSwitch = true
		m.rep.Risk(ctx, events.RiskEventPayload{
			Type:     events.RiskDailyDDHardHalt,
			Severity: events.SeverityCritical,
			Detail: map[string]any{
				"drawdown_pct": rs.DrawdownPct, "threshold": m.cfg.DailyDrawdownHardPct,
				"current_equity": rs.CurrentEquity.InexactFloat64(),
			},
		})
		log.Error().Float64("drawdown_pct", rs.DrawdownPct).Msg("Daily drawdown hard halt, kill switch on 🛑")
	}

	return m.st.SaveRiskState(rs)
}

// drawdownPct is measured from the day's equity high.
func drawdownPct(maxEquity, current decimal.Decimal) float64 {
	if !maxEquity.IsPositive() {
		return 0
	}
	dd := maxEquity.Sub(current).Div(maxEquity)
	if dd.IsNegative() {
		return 0
	}
	return dd.InexactFloat64()
}
