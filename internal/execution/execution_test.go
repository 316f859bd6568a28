package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/web3guy0/divbot/internal/bybit"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

const t0 = int64(1700000000000)

type pubMsg struct {
	stream string
	ptype  string
	env    *events.Envelope
}

type fakePub struct {
	msgs []pubMsg
}

func (p *fakePub) Publish(_ context.Context, stream, ptype string, env *events.Envelope) (string, error) {
	p.msgs = append(p.msgs, pubMsg{stream, ptype, env})
	return "1-0", nil
}

func (p *fakePub) risks(t *testing.T) []events.RiskEventPayload {
	t.Helper()
	var out []events.RiskEventPayload
	for _, m := range p.msgs {
		if m.stream != events.StreamRiskEvent {
			continue
		}
		var payload events.RiskEventPayload
		require.NoError(t, m.env.DecodePayload(&payload))
		out = append(out, payload)
	}
	return out
}

func (p *fakePub) reports(t *testing.T) []events.ExecutionReportPayload {
	t.Helper()
	var out []events.ExecutionReportPayload
	for _, m := range p.msgs {
		if m.stream != events.StreamExecutionReport {
			continue
		}
		var payload events.ExecutionReportPayload
		require.NoError(t, m.env.DecodePayload(&payload))
		out = append(out, payload)
	}
	return out
}

type fakeLock struct{}

func (fakeLock) Acquire(context.Context, string, time.Duration) (func(context.Context), bool, error) {
	return func(context.Context) {}, true, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                     "test",
		ExecutionMode:           config.ModePaper,
		PaperEquity:             10000,
		MaxOpenPositionsDefault: 3,
		CooldownEnabled:         true,
		CooldownBars1h:          2,
		CooldownBars4h:          1,
		SecondaryRuleEnabled:    true,
		RunnerTrailMode:         "ATR",
		RunnerATRPeriod:         14,
		RunnerATRMult:           3,
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakePub) {
	t.Helper()
	st, err := store.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	pub := &fakePub{}
	rep := NewReporter("test", st, pub)
	eng := NewEngine(testConfig(), st, rep, PaperTrader{}, fakeLock{}, nil,
		func(context.Context) (float64, error) { return 10000, nil }, "PAPER")
	eng.SetClock(func() int64 { return t0 })
	return eng, st, pub
}

func testIdem(symbol, tf, side string, closeTimeMs int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", symbol, tf, closeTimeMs, side)))
	return hex.EncodeToString(sum[:])
}

func testPlan(symbol, tf, side string, entry, sl float64, closeTimeMs int64) events.TradePlanPayload {
	idem := testIdem(symbol, tf, side, closeTimeMs)
	return events.TradePlanPayload{
		PlanID:         idem[:24],
		IdempotencyKey: idem,
		Symbol:         symbol,
		Timeframe:      tf,
		Status:         "ACTIVE",
		ValidFromMs:    closeTimeMs,
		ExpiresAtMs:    closeTimeMs + 2*3600_000,
		Side:           side,
		EntryPrice:     entry,
		PrimarySLPrice: sl,
		RiskParams:     events.RiskParams{RiskPct: 0.005, MaxOpenPositionsDefault: 3},
	}
}

func deliver(t *testing.T, eng *Engine, plan events.TradePlanPayload) {
	t.Helper()
	env, err := events.NewEnvelope("test", "strategy", plan)
	require.NoError(t, err)
	require.NoError(t, eng.HandleTradePlan(context.Background(), env))
}

func deliverBar(t *testing.T, eng *Engine, symbol, tf string, closeTimeMs int64, o, h, l, c float64) {
	t.Helper()
	env, err := events.NewEnvelope("test", "marketdata", events.BarClosePayload{
		Symbol:      symbol,
		Timeframe:   tf,
		CloseTimeMs: closeTimeMs,
		IsFinal:     true,
		OHLCV:       events.OHLCV{Open: o, High: h, Low: l, Close: c, Volume: 100},
	})
	require.NoError(t, err)
	require.NoError(t, eng.HandleBarClose(context.Background(), env))
}

func seedOpenPosition(t *testing.T, st *store.Store, id, symbol, tf, bias string) {
	t.Helper()
	side := "BUY"
	if bias == "SHORT" {
		side = "SELL"
	}
	pos := &store.Position{
		PositionID:     id,
		IdempotencyKey: id,
		Symbol:         symbol,
		Timeframe:      tf,
		Side:           side,
		Bias:           bias,
		QtyTotal:       1,
		EntryPrice:     100,
		PrimarySLPrice: 90,
		Status:         store.PositionOpen,
		OpenedAtMs:     t0,
	}
	pos.EncodeMeta(store.PositionMeta{QtyOpen: 1})
	require.NoError(t, st.UpsertPosition(pos))
}

func TestPlanOpensPaperPosition(t *testing.T) {
	eng, st, pub := newTestEngine(t)
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))

	positions, err := st.ListOpenPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	require.Equal(t, "LONG", pos.Bias)
	require.InDelta(t, 5.0, pos.QtyTotal, 1e-9) // 10000 * 0.005 / 10
	require.InDelta(t, 1.0, pos.QtyRunner, 1e-9)

	meta := pos.DecodeMeta()
	require.InDelta(t, 110.0, meta.TP1Price, 1e-9)
	require.InDelta(t, 120.0, meta.TP2Price, 1e-9)
	require.InDelta(t, 2.0, meta.QtyTP1, 1e-9)
	require.InDelta(t, 2.0, meta.QtyTP2, 1e-9)

	entry, err := st.GetOrderByIdemPurpose(pos.IdempotencyKey, store.PurposeEntry)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, store.OrderFilled, entry.Status)

	var filled bool
	for _, r := range pub.reports(t) {
		if r.Type == events.ReportEntryFilled {
			filled = true
		}
	}
	require.True(t, filled)
}

func TestDuplicatePlanDeliveryIsNoop(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	plan := testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0)
	deliver(t, eng, plan)
	deliver(t, eng, plan)

	count, err := st.CountOpenPositions()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestMaxPositionsGate(t *testing.T) {
	eng, st, pub := newTestEngine(t)
	seedOpenPosition(t, st, "p1", "BTCUSDT", "1h", "LONG")
	seedOpenPosition(t, st, "p2", "ETHUSDT", "1h", "LONG")
	seedOpenPosition(t, st, "p3", "SOLUSDT", "1h", "SHORT")

	deliver(t, eng, testPlan("LTCUSDT", "1h", "BUY", 100, 90, t0))

	count, err := st.CountOpenPositions()
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	risks := pub.risks(t)
	require.Len(t, risks, 1)
	require.Equal(t, events.RiskMaxPositions, risks[0].Type)

	reports := pub.reports(t)
	require.Len(t, reports, 1)
	require.Equal(t, events.ReportOrderRejected, reports[0].Type)
}

func TestSameDirectionMutexBlocks(t *testing.T) {
	eng, st, pub := newTestEngine(t)
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 101, 91, t0+3600_000))

	count, err := st.CountOpenPositions()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	var blocked bool
	for _, r := range pub.risks(t) {
		if r.Type == events.RiskPositionMutex {
			blocked = true
		}
	}
	require.True(t, blocked)
}

func TestMutexTimeframeUpgrade(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))
	deliver(t, eng, testPlan("BTCUSDT", "4h", "BUY", 100, 88, t0))

	count, err := st.CountOpenPositions()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	open, err := st.ListOpenPositions()
	require.NoError(t, err)
	require.Equal(t, "4h", open[0].Timeframe)

	all, err := st.ListPositions("", "", 10)
	require.NoError(t, err)
	var closed *store.Position
	for i := range all {
		if all[i].Status == store.PositionClosed {
			closed = &all[i]
		}
	}
	require.NotNil(t, closed)
	require.Equal(t, "1h", closed.Timeframe)
	require.Equal(t, store.ExitMutexUpgrade, closed.ExitReason)
}

func TestHigherTimeframeNotReplacedByLower(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	deliver(t, eng, testPlan("BTCUSDT", "4h", "BUY", 100, 88, t0))
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0+60_000))

	open, err := st.ListOpenPositions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "4h", open[0].Timeframe)
}

func TestPrimaryStopSetsCooldown(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))

	barClose := t0 + 3600_000
	deliverBar(t, eng, "BTCUSDT", "1h", barClose, 95, 96, 80, 85)

	count, err := st.CountOpenPositions()
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	pos, err := st.GetPositionByIdem(testIdem("BTCUSDT", "1h", "BUY", t0))
	require.NoError(t, err)
	require.Equal(t, store.PositionClosed, pos.Status)
	require.Equal(t, store.ExitPrimarySL, pos.ExitReason)

	until := barClose + 2*3600_000
	cd, err := st.GetActiveCooldown("BTCUSDT", "LONG", "1h", until-1)
	require.NoError(t, err)
	require.NotNil(t, cd)
	require.Equal(t, until, cd.UntilTsMs)

	cd, err = st.GetActiveCooldown("BTCUSDT", "LONG", "1h", until)
	require.NoError(t, err)
	require.Nil(t, cd)

	// realized loss lands in the day's risk state
	rs, err := st.GetRiskState(tradeDate(t0))
	require.NoError(t, err)
	require.NotNil(t, rs)
	require.InDelta(t, 9950.0, rs.CurrentEquity.InexactFloat64(), 1e-6) // (90-100) * 5
}

func TestCooldownBlocksNextPlan(t *testing.T) {
	eng, st, pub := newTestEngine(t)
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))
	deliverBar(t, eng, "BTCUSDT", "1h", t0+3600_000, 95, 96, 80, 85)

	eng.SetClock(func() int64 { return t0 + 2*3600_000 })
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0+2*3600_000))

	count, err := st.CountOpenPositions()
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	var blocked bool
	for _, r := range pub.risks(t) {
		if r.Type == events.RiskCooldownBlocked {
			blocked = true
		}
	}
	require.True(t, blocked)
}

func TestKillSwitchBlocksPlan(t *testing.T) {
	eng, st, pub := newTestEngine(t)
	require.NoError(t, st.SetRuntimeFlag(store.FlagKillSwitch, "1"))

	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))

	count, err := st.CountOpenPositions()
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
	require.Equal(t, events.RiskKillSwitchOn, pub.risks(t)[0].Type)
}

func TestExpiredPlanRejected(t *testing.T) {
	eng, st, pub := newTestEngine(t)
	eng.SetClock(func() int64 { return t0 + 3*3600_000 })
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))

	count, err := st.CountOpenPositions()
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
	require.Equal(t, events.RiskSignalExpired, pub.risks(t)[0].Type)
}

func TestPaperLadderTP1TP2RunnerStop(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))

	// bar 1 runs through both take profits
	deliverBar(t, eng, "BTCUSDT", "1h", t0+3600_000, 100, 125, 99, 124)

	pos, err := st.GetPositionByIdem(testIdem("BTCUSDT", "1h", "BUY", t0))
	require.NoError(t, err)
	require.Equal(t, store.PositionOpen, pos.Status)
	meta := pos.DecodeMeta()
	require.True(t, meta.TP1Filled)
	require.True(t, meta.TP2Filled)
	require.InDelta(t, 1.0, meta.QtyOpen, 1e-9)
	require.Len(t, meta.Legs, 2)
	require.Equal(t, "TP1", meta.Legs[0].Type)
	require.InDelta(t, 110.0, meta.Legs[0].Price, 1e-9)
	require.Equal(t, "TP2", meta.Legs[1].Type)
	require.InDelta(t, 120.0, meta.Legs[1].Price, 1e-9)

	// trail the runner stop up, then take it out
	pos.RunnerStopPrice = 115
	require.NoError(t, st.UpsertPosition(pos))
	deliverBar(t, eng, "BTCUSDT", "1h", t0+2*3600_000, 124, 126, 110, 112)

	pos, err = st.GetPositionByIdem(testIdem("BTCUSDT", "1h", "BUY", t0))
	require.NoError(t, err)
	require.Equal(t, store.PositionClosed, pos.Status)
	require.Equal(t, store.ExitRunnerSL, pos.ExitReason)

	meta = pos.DecodeMeta()
	require.Len(t, meta.Legs, 3)
	require.Equal(t, "SL", meta.Legs[2].Type)
	require.InDelta(t, 115.0, meta.Legs[2].Price, 1e-9)
	require.InDelta(t, 1.0, meta.Legs[2].Qty, 1e-9)

	trades, err := st.ListBacktestTrades("PAPER")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.InDelta(t, 1.5, trades[0].PnLR, 1e-9) // avg exit 115 against 10 unit risk
	require.InDelta(t, 75.0, trades[0].PnLUSDT.InexactFloat64(), 1e-6)

	// runner stop exits do not start a cooldown
	cd, err := st.GetActiveCooldown("BTCUSDT", "LONG", "1h", t0+2*3600_000)
	require.NoError(t, err)
	require.Nil(t, cd)
}

func TestSimulateBarShortPrimaryStop(t *testing.T) {
	pos := &store.Position{
		Symbol: "BTCUSDT", Side: "SELL", Bias: "SHORT",
		QtyTotal: 3, EntryPrice: 100, PrimarySLPrice: 110, RunnerStopPrice: 110,
		Status: store.PositionOpen,
	}
	meta := store.PositionMeta{QtyOpen: 3, TP1Price: 90, TP2Price: 80, QtyTP1: 1.2, QtyTP2: 1.2}

	res := SimulateBar(pos, &meta, events.OHLCV{Open: 100, High: 112, Low: 99, Close: 111})
	require.True(t, res.Closed)
	require.Equal(t, store.ExitPrimarySL, res.ExitReason)
	require.Len(t, res.Fills, 1)
	require.InDelta(t, 110.0, res.Fills[0].Price, 1e-9)
	require.InDelta(t, 3.0, res.Fills[0].Qty, 1e-9)
}

func TestSimulateBarBreakEvenAfterTP1(t *testing.T) {
	pos := &store.Position{
		Symbol: "BTCUSDT", Side: "BUY", Bias: "LONG",
		QtyTotal: 5, EntryPrice: 100, PrimarySLPrice: 90, RunnerStopPrice: 90,
		Status: store.PositionOpen,
	}
	meta := store.PositionMeta{QtyOpen: 5, TP1Price: 110, TP2Price: 120, QtyTP1: 2, QtyTP2: 2}

	// up to TP1, then all the way back down: break-even stop catches the rest
	res := SimulateBar(pos, &meta, events.OHLCV{Open: 105, High: 112, Low: 95, Close: 96})
	require.True(t, res.Closed)
	require.Equal(t, store.ExitSecondarySL, res.ExitReason)
	require.Len(t, res.Fills, 2)
	require.Equal(t, "TP1", res.Fills[0].Type)
	require.Equal(t, "SL", res.Fills[1].Type)
	require.InDelta(t, 100.0, res.Fills[1].Price, 1e-9)
	require.InDelta(t, 3.0, res.Fills[1].Qty, 1e-9)
}

func TestSimulateBarFullTPConsumption(t *testing.T) {
	pos := &store.Position{
		Symbol: "BTCUSDT", Side: "BUY", Bias: "LONG",
		QtyTotal: 4, EntryPrice: 100, PrimarySLPrice: 90, RunnerStopPrice: 90,
		Status: store.PositionOpen,
	}
	meta := store.PositionMeta{QtyOpen: 4, TP1Price: 110, TP2Price: 120, QtyTP1: 2, QtyTP2: 2}

	res := SimulateBar(pos, &meta, events.OHLCV{Open: 100, High: 125, Low: 99, Close: 124})
	require.True(t, res.Closed)
	require.Equal(t, store.ExitTPHit, res.ExitReason)
	require.Len(t, res.Fills, 2)
}

func TestSecondaryRule(t *testing.T) {
	require.True(t, SecondaryRuleOK("LONG", -2.0, -1.5))  // shrinking toward zero
	require.False(t, SecondaryRuleOK("LONG", -2.0, -2.5)) // deepening
	require.True(t, SecondaryRuleOK("SHORT", 2.0, 1.5))
	require.False(t, SecondaryRuleOK("SHORT", 2.0, 2.5))
}

func TestTrailStopMonotone(t *testing.T) {
	bars := make([]store.Bar, 7)
	lows := []float64{10, 9, 8, 9, 10, 9.5, 9.6}
	for i := range bars {
		bars[i] = store.Bar{Low: lows[i], High: lows[i] + 2, Close: lows[i] + 1}
	}
	pos := &store.Position{Bias: "LONG", RunnerStopPrice: 7}

	stop, changed := TrailStop(pos, bars, "PIVOT", 14, 3)
	require.True(t, changed)
	require.InDelta(t, 8.0, stop, 1e-9)

	// stops only tighten
	pos.RunnerStopPrice = 9
	stop, changed = TrailStop(pos, bars, "PIVOT", 14, 3)
	require.False(t, changed)
	require.InDelta(t, 9.0, stop, 1e-9)
}

func TestComputeSizing(t *testing.T) {
	inst := defaultInstrument("BTCUSDT")
	sz := ComputeSizing(10000, 0.005, 100, 90, "BUY", inst)
	require.InDelta(t, 5.0, sz.QtyTotal, 1e-9)
	require.InDelta(t, 2.0, sz.QtyTP1, 1e-9)
	require.InDelta(t, 2.0, sz.QtyTP2, 1e-9)
	require.InDelta(t, 1.0, sz.QtyRunner, 1e-9)
	require.InDelta(t, 110.0, sz.TP1Price, 1e-9)
	require.InDelta(t, 120.0, sz.TP2Price, 1e-9)

	short := ComputeSizing(10000, 0.005, 100, 110, "SELL", inst)
	require.InDelta(t, 90.0, short.TP1Price, 1e-9)
	require.InDelta(t, 80.0, short.TP2Price, 1e-9)

	// dust account still gets the exchange minimum
	dust := ComputeSizing(10, 0.005, 100, 90, "BUY", inst)
	require.InDelta(t, inst.MinOrderQty, dust.QtyTotal, 1e-9)

	require.Zero(t, ComputeSizing(10000, 0.005, 100, 100, "BUY", inst).QtyTotal)
}

func TestRepricedLimit(t *testing.T) {
	require.InDelta(t, 100.10, RepricedLimit(100, "Buy", 5, 2, 0.01), 1e-9)
	require.InDelta(t, 99.90, RepricedLimit(100, "Sell", 5, 2, 0.01), 1e-9)
}

func TestPnLR(t *testing.T) {
	legs := []store.Leg{
		{Type: "TP1", Qty: 2, Price: 110},
		{Type: "TP2", Qty: 2, Price: 120},
		{Type: "SL", Qty: 1, Price: 115},
	}
	require.InDelta(t, 1.5, PnLR("LONG", 100, 90, legs), 1e-9)
	require.InDelta(t, 75.0, PnLQuote("LONG", 100, legs), 1e-9)
	require.Zero(t, PnLR("LONG", 100, 90, nil))
}

func TestTradeIDDeterministic(t *testing.T) {
	a := TradeID("run1", "idem1")
	require.Equal(t, a, TradeID("run1", "idem1"))
	require.NotEqual(t, a, TradeID("run2", "idem1"))
	require.Len(t, a, 64)
}

func TestNextTriggerSkipsLevelAtPosition(t *testing.T) {
	s := &simState{entry: 100, primarySL: 90, tp1Price: 105, tp2Price: 110, qtyTP1: 2, qtyTP2: 2}

	// TP1 sits exactly at the walk position; TP2 farther up must still fire
	level, kind, ok := s.nextTrigger(105, 112)
	require.True(t, ok)
	require.Equal(t, "TP2", kind)
	require.InDelta(t, 110.0, level, 1e-9)
}

func TestSimulateBarTriggerAtOpen(t *testing.T) {
	pos := &store.Position{
		Symbol: "BTCUSDT", Side: "BUY", Bias: "LONG",
		QtyTotal: 5, EntryPrice: 100, PrimarySLPrice: 90, RunnerStopPrice: 104,
		Status: store.PositionOpen,
	}
	meta := store.PositionMeta{QtyOpen: 5, TP1Price: 105, TP2Price: 110, QtyTP1: 2, QtyTP2: 2}

	// opens exactly on TP1: the up leg still reaches TP2, the down leg fills
	// TP1 and then the runner stop
	res := SimulateBar(pos, &meta, events.OHLCV{Open: 105, High: 112, Low: 95, Close: 111})
	require.True(t, res.Closed)
	require.Equal(t, store.ExitRunnerSL, res.ExitReason)
	require.Len(t, res.Fills, 3)
	require.Equal(t, "TP2", res.Fills[0].Type)
	require.InDelta(t, 110.0, res.Fills[0].Price, 1e-9)
	require.Equal(t, "TP1", res.Fills[1].Type)
	require.InDelta(t, 105.0, res.Fills[1].Price, 1e-9)
	require.Equal(t, "SL", res.Fills[2].Type)
	require.InDelta(t, 104.0, res.Fills[2].Price, 1e-9)
	require.InDelta(t, 1.0, res.Fills[2].Qty, 1e-9)
}

func TestFillMetrics(t *testing.T) {
	require.InDelta(t, 50.0, SlippageBps(100.5, 100), 1e-9)
	require.InDelta(t, -100.0, SlippageBps(99, 100), 1e-9)
	require.Zero(t, SlippageBps(0, 100))
	require.Zero(t, SlippageBps(100, 0))

	require.InDelta(t, 0.4, FillRatio(2, 5), 1e-9)
	require.InDelta(t, 1.0, FillRatio(6, 5), 1e-9) // clamped
	require.Zero(t, FillRatio(-1, 5))
	require.Zero(t, FillRatio(2, 0))
}

func TestEntryReportCarriesFillMetrics(t *testing.T) {
	eng, _, pub := newTestEngine(t)
	deliver(t, eng, testPlan("BTCUSDT", "1h", "BUY", 100, 90, t0))

	var entry *events.ExecutionReportPayload
	reports := pub.reports(t)
	for i := range reports {
		if reports[i].Type == events.ReportEntryFilled {
			entry = &reports[i]
		}
	}
	require.NotNil(t, entry)
	require.InDelta(t, 1.0, entry.FillRatio, 1e-9)
	require.Zero(t, entry.SlippageBps) // paper fills at the plan entry price
}

func newTestIngestor(t *testing.T) (*WSIngestor, *store.Store, *fakePub) {
	t.Helper()
	st, err := store.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	pub := &fakePub{}
	return NewWSIngestor(st, NewReporter("test", st, pub)), st, pub
}

func TestWSEntryFillEmitsReport(t *testing.T) {
	w, st, pub := newTestIngestor(t)
	idem := testIdem("BTCUSDT", "1h", "BUY", t0)
	require.NoError(t, st.UpsertOrder(&store.Order{
		OrderID: "o1", IdempotencyKey: idem, Purpose: store.PurposeEntry,
		Symbol: "BTCUSDT", Side: "Buy", OrderType: "Limit",
		Qty: 5, Price: 100, Status: store.OrderSubmitted, ExchangeOrderID: "ex1",
	}))

	update := bybit.OrderUpdate{
		OrderID: "ex1", Symbol: "BTCUSDT", OrderStatus: "Filled",
		CumExecQty: "5", AvgPrice: "100.5",
	}
	w.onOrder(context.Background(), update)

	reports := pub.reports(t)
	require.Len(t, reports, 1)
	require.Equal(t, events.ReportEntryFilled, reports[0].Type)
	require.Equal(t, PlanIDOf(idem), reports[0].PlanID)
	require.InDelta(t, 1.0, reports[0].FillRatio, 1e-9)
	require.InDelta(t, 50.0, reports[0].SlippageBps, 1e-9)
	require.InDelta(t, 100.5, reports[0].AvgPrice, 1e-9)

	// a replayed terminal update must not announce twice
	w.onOrder(context.Background(), update)
	require.Len(t, pub.reports(t), 1)
}

func TestWSEntryCancelEmitsRejection(t *testing.T) {
	w, st, pub := newTestIngestor(t)
	idem := testIdem("BTCUSDT", "1h", "SELL", t0)
	require.NoError(t, st.UpsertOrder(&store.Order{
		OrderID: "o2", IdempotencyKey: idem, Purpose: store.PurposeEntry,
		Symbol: "BTCUSDT", Side: "Sell", OrderType: "Limit",
		Qty: 3, Price: 100, Status: store.OrderSubmitted, ExchangeOrderID: "ex2",
	}))

	w.onOrder(context.Background(), bybit.OrderUpdate{OrderID: "ex2", OrderStatus: "Cancelled"})

	reports := pub.reports(t)
	require.Len(t, reports, 1)
	require.Equal(t, events.ReportOrderRejected, reports[0].Type)
	require.Equal(t, events.SeverityInfo, reports[0].Severity)
}

func TestWSTPFillStaysSilent(t *testing.T) {
	w, st, pub := newTestIngestor(t)
	idem := testIdem("BTCUSDT", "1h", "BUY", t0)
	require.NoError(t, st.UpsertOrder(&store.Order{
		OrderID: "o3", IdempotencyKey: idem, Purpose: store.PurposeTP1,
		Symbol: "BTCUSDT", Side: "Sell", OrderType: "Limit", ReduceOnly: true,
		Qty: 2, Price: 110, Status: store.OrderSubmitted, ExchangeOrderID: "ex3",
	}))

	w.onOrder(context.Background(), bybit.OrderUpdate{
		OrderID: "ex3", OrderStatus: "Filled", CumExecQty: "2", AvgPrice: "110",
	})

	// the reconciler owns TP reporting; the ingest only flips the row
	require.Empty(t, pub.reports(t))
	order, err := st.GetOrder("o3")
	require.NoError(t, err)
	require.Equal(t, store.OrderFilled, order.Status)
}
