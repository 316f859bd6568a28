package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
	"github.com/web3guy0/divbot/internal/timeframe"
)

type fakePublisher struct {
	published []struct {
		Stream string
		Type   string
		Env    *events.Envelope
	}
	failNext bool
}

func (f *fakePublisher) Publish(_ context.Context, stream, payloadType string, env *events.Envelope) (string, error) {
	if f.failNext {
		f.failNext = false
		return "", assert.AnError
	}
	f.published = append(f.published, struct {
		Stream string
		Type   string
		Env    *events.Envelope
	}{stream, payloadType, env})
	return "1-0", nil
}

func (f *fakePublisher) barCloses() []events.BarClosePayload {
	var out []events.BarClosePayload
	for _, p := range f.published {
		if p.Stream != events.StreamBarClose {
			continue
		}
		var payload events.BarClosePayload
		if p.Env.DecodePayload(&payload) == nil {
			out = append(out, payload)
		}
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func hourBar(symbol string, windowStart int64, idx int, open, high, low, close, vol float64) store.Bar {
	openMs := windowStart + int64(idx)*timeframe.Ms(timeframe.H1)
	return store.Bar{
		Symbol:      symbol,
		Timeframe:   timeframe.H1,
		OpenTimeMs:  openMs,
		CloseTimeMs: timeframe.CloseTime(timeframe.H1, openMs),
		Open:        open, High: high, Low: low, Close: close, Volume: vol,
		Source: store.SourceWS,
	}
}

func TestDerive8hCompleteWindow(t *testing.T) {
	windowStart := int64(3) * timeframe.Ms(timeframe.H8)

	closes := []float64{10, 11, 9, 12, 13, 11, 14, 15}
	var bars []store.Bar
	for i, c := range closes {
		// open tracks the previous close, high/low bracket it
		open := c - 1
		if i == 0 {
			open = 10
		}
		bars = append(bars, hourBar("BTCUSDT", windowStart, i, open, c+2, c-2, c, 5))
	}

	out := Derive8h(windowStart, bars)
	require.NotNil(t, out)
	assert.Equal(t, timeframe.H8, out.Timeframe)
	assert.Equal(t, 10.0, out.Open)
	assert.Equal(t, 17.0, out.High) // max(c+2) with c=15
	assert.Equal(t, 7.0, out.Low)   // min(c-2) with c=9
	assert.Equal(t, 15.0, out.Close)
	assert.Equal(t, 40.0, out.Volume)
	assert.Equal(t, store.SourceDerived8h, out.Source)
	assert.Equal(t, windowStart, out.OpenTimeMs)
	assert.Equal(t, windowStart+timeframe.Ms(timeframe.H8)-1, out.CloseTimeMs)
}

func TestDerive8hIncompleteOrGapped(t *testing.T) {
	windowStart := int64(0)

	var bars []store.Bar
	for i := 0; i < 7; i++ {
		bars = append(bars, hourBar("BTCUSDT", windowStart, i, 1, 2, 0.5, 1.5, 1))
	}
	assert.Nil(t, Derive8h(windowStart, bars))

	// eight bars but one hour missing in the middle
	bars = bars[:0]
	for i := 0; i < 9; i++ {
		if i == 4 {
			continue
		}
		bars = append(bars, hourBar("BTCUSDT", windowStart, i, 1, 2, 0.5, 1.5, 1))
	}
	assert.Nil(t, Derive8h(windowStart, bars))
}

func TestWindow8hStart(t *testing.T) {
	ms := timeframe.Ms(timeframe.H8)
	assert.Equal(t, int64(0), Window8hStart(0))
	assert.Equal(t, int64(0), Window8hStart(ms-1))
	assert.Equal(t, ms, Window8hStart(ms))
	assert.Equal(t, 2*ms, Window8hStart(2*ms+timeframe.Ms(timeframe.H1)))
}

func TestEmitBarCloseIdempotent(t *testing.T) {
	st := newTestStore(t)
	pub := &fakePublisher{}
	em := NewEmitter("test", st, pub)

	bar := &store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1,
		OpenTimeMs: 0, CloseTimeMs: 3599999, Open: 1, High: 2, Low: 0.5, Close: 1.5, Source: store.SourceWS}

	fresh, err := em.EmitBarClose(context.Background(), bar)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = em.EmitBarClose(context.Background(), bar)
	require.NoError(t, err)
	assert.False(t, fresh)

	assert.Len(t, pub.barCloses(), 1)
}

func TestEmitBarCloseRollbackOnPublishFailure(t *testing.T) {
	st := newTestStore(t)
	pub := &fakePublisher{failNext: true}
	em := NewEmitter("test", st, pub)

	bar := &store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1,
		OpenTimeMs: 0, CloseTimeMs: 3599999, Close: 1.5, Source: store.SourceWS}

	_, err := em.EmitBarClose(context.Background(), bar)
	require.Error(t, err)

	// reservation rolled back, retry succeeds
	fresh, err := em.EmitBarClose(context.Background(), bar)
	require.NoError(t, err)
	assert.True(t, fresh)
}

type fakeFetcher struct {
	bars []store.Bar
}

func (f fakeFetcher) Fetch(_ context.Context, _, _ string, _, _ int64, _ int) ([]store.Bar, error) {
	return f.bars, nil
}

func TestGapfillEmitsAscending(t *testing.T) {
	st := newTestStore(t)
	pub := &fakePublisher{}
	em := NewEmitter("test", st, pub)

	hourMs := timeframe.Ms(timeframe.H1)
	// stored bar closes at hour 0; live bar opens at hour 3 -> 2 missing
	_, err := st.UpsertBar(&store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1,
		OpenTimeMs: 0, CloseTimeMs: hourMs - 1, Close: 100, Source: store.SourceWS})
	require.NoError(t, err)

	missing := []store.Bar{
		{Symbol: "BTCUSDT", Timeframe: timeframe.H1, OpenTimeMs: hourMs, CloseTimeMs: 2*hourMs - 1, Close: 101},
		{Symbol: "BTCUSDT", Timeframe: timeframe.H1, OpenTimeMs: 2 * hourMs, CloseTimeMs: 3*hourMs - 1, Close: 102},
	}
	g := NewGapfiller(st, fakeFetcher{bars: missing}, em, 100)

	emitted, err := g.CheckAndFill(context.Background(), "BTCUSDT", timeframe.H1, 3*hourMs)
	require.NoError(t, err)
	assert.Equal(t, 2, emitted)

	closes := pub.barCloses()
	require.Len(t, closes, 2)
	assert.Equal(t, int64(2*hourMs-1), closes[0].CloseTimeMs)
	assert.Equal(t, int64(3*hourMs-1), closes[1].CloseTimeMs)
	assert.Equal(t, store.SourceGapfill, closes[0].Source)

	// replay does not double-emit
	emitted, err = g.CheckAndFill(context.Background(), "BTCUSDT", timeframe.H1, 3*hourMs)
	require.NoError(t, err)
	assert.Equal(t, 0, emitted)
}

func TestGapfillNoGap(t *testing.T) {
	st := newTestStore(t)
	em := NewEmitter("test", st, &fakePublisher{})
	g := NewGapfiller(st, fakeFetcher{}, em, 100)

	hourMs := timeframe.Ms(timeframe.H1)
	_, err := st.UpsertBar(&store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1,
		OpenTimeMs: 0, CloseTimeMs: hourMs - 1, Close: 100})
	require.NoError(t, err)

	emitted, err := g.CheckAndFill(context.Background(), "BTCUSDT", timeframe.H1, hourMs)
	require.NoError(t, err)
	assert.Equal(t, 0, emitted)
}

func TestQualityCheckerPriceJump(t *testing.T) {
	q := NewQualityChecker(0, 0.05, 0, 0)

	bar := &store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1, Close: 100}
	issues := q.Check(bar, false, bar.CloseTimeMs)
	assert.Empty(t, issues)

	bar2 := &store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1, Close: 110}
	issues = q.Check(bar2, false, bar2.CloseTimeMs)
	require.Len(t, issues, 1)
	assert.Equal(t, events.RiskPriceJump, issues[0].Type)

	// 3% move is under threshold
	bar3 := &store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1, Close: 113}
	issues = q.Check(bar3, false, bar3.CloseTimeMs)
	assert.Empty(t, issues)
}

func TestQualityCheckerLagAndRevision(t *testing.T) {
	q := NewQualityChecker(2*time.Minute, 0, 0, 0)

	bar := &store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1, CloseTimeMs: 0, Close: 100}
	issues := q.Check(bar, true, 3*time.Minute.Milliseconds())
	require.Len(t, issues, 2)
	assert.Equal(t, events.RiskBarDuplicate, issues[0].Type)
	assert.Equal(t, events.RiskDataLag, issues[1].Type)
}

func TestQualityCheckerVolumeAnomaly(t *testing.T) {
	q := NewQualityChecker(0, 0, 8, 10)

	for i := 0; i < 10; i++ {
		bar := &store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1, Close: 100, Volume: 10}
		q.Check(bar, false, 0)
	}
	spike := &store.Bar{Symbol: "BTCUSDT", Timeframe: timeframe.H1, Close: 100, Volume: 100}
	issues := q.Check(spike, false, 0)
	require.Len(t, issues, 1)
	assert.Equal(t, events.RiskVolumeAnomaly, issues[0].Type)
}

func TestStateTrackerNewsWindow(t *testing.T) {
	tr, err := NewStateTracker(0, 14, "12:30-13:30")
	require.NoError(t, err)

	inWindow := time.Date(2026, 8, 24, 12, 45, 0, 0, time.UTC).UnixMilli()
	state, changed := tr.Observe("BTCUSDT", nil, inWindow)
	assert.Equal(t, StateNewsWindow, state)
	assert.True(t, changed)

	// still inside: no edge
	state, changed = tr.Observe("BTCUSDT", nil, inWindow)
	assert.Equal(t, StateNewsWindow, state)
	assert.False(t, changed)

	after := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC).UnixMilli()
	state, changed = tr.Observe("BTCUSDT", nil, after)
	assert.Equal(t, StateNormal, state)
	assert.True(t, changed)
}

func TestStateTrackerInvalidWindow(t *testing.T) {
	_, err := NewStateTracker(0, 14, "25:00-26:00")
	assert.Error(t, err)
	_, err = NewStateTracker(0, 14, "1230-1330")
	assert.Error(t, err)
}
