package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)

	cfg := &config.Config{APIAddr: ":0"}
	return NewServer(cfg, st, nil), st
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "ok", out["status"])
}

func TestPositionsFilter(t *testing.T) {
	s, st := newTestServer(t)

	require.NoError(t, st.UpsertPosition(&store.Position{
		PositionID:     "p1",
		IdempotencyKey: "idem-1",
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		Bias:           "LONG",
		Status:         store.PositionOpen,
	}))
	require.NoError(t, st.UpsertPosition(&store.Position{
		PositionID:     "p2",
		IdempotencyKey: "idem-2",
		Symbol:         "ETHUSDT",
		Timeframe:      "4h",
		Bias:           "SHORT",
		Status:         store.PositionClosed,
	}))

	rec := do(t, s, http.MethodGet, "/positions?status=OPEN", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []store.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "BTCUSDT", got[0].Symbol)

	rec = do(t, s, http.MethodGet, "/positions?symbol=ETHUSDT", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "ETHUSDT", got[0].Symbol)
}

func TestKillSwitchRoundTrip(t *testing.T) {
	s, st := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/admin/kill-switch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.False(t, out["kill_switch"])

	rec = do(t, s, http.MethodPost, "/admin/kill-switch", `{"on":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	active, err := st.KillSwitchActive()
	require.NoError(t, err)
	require.True(t, active)

	rec = do(t, s, http.MethodPost, "/admin/kill-switch", `{"on":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	active, err = st.KillSwitchActive()
	require.NoError(t, err)
	require.False(t, active)

	rec = do(t, s, http.MethodDelete, "/admin/kill-switch", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBacktestReportAggregates(t *testing.T) {
	s, st := newTestServer(t)

	require.NoError(t, st.InsertBacktestTrade(&store.BacktestTrade{
		TradeID: "t1", RunID: "run-1", Symbol: "BTCUSDT",
		PnLR: 1.5, PnLUSDT: decimal.NewFromInt(75),
	}))
	require.NoError(t, st.InsertBacktestTrade(&store.BacktestTrade{
		TradeID: "t2", RunID: "run-1", Symbol: "BTCUSDT",
		PnLR: -1.0, PnLUSDT: decimal.NewFromInt(-50),
	}))
	require.NoError(t, st.InsertBacktestTrade(&store.BacktestTrade{
		TradeID: "t3", RunID: "run-2", Symbol: "ETHUSDT",
		PnLR: 2.0, PnLUSDT: decimal.NewFromInt(100),
	}))

	rec := do(t, s, http.MethodGet, "/report?run_id=run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rep BacktestReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.Equal(t, 2, rep.Trades)
	require.Equal(t, 1, rep.Wins)
	require.Equal(t, 1, rep.Losses)
	require.InDelta(t, 0.5, rep.WinRate, 1e-9)
	require.InDelta(t, 0.5, rep.TotalR, 1e-9)
	require.InDelta(t, 0.25, rep.AvgR, 1e-9)
	require.True(t, rep.TotalPnL.Equal(decimal.NewFromInt(25)))

	rec = do(t, s, http.MethodGet, "/report", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskStateEndpoint(t *testing.T) {
	s, st := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/risk-state?date=2026-01-02", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := st.GetOrInitRiskState("2026-01-02", decimal.NewFromInt(10000))
	require.NoError(t, err)

	rec = do(t, s, http.MethodGet, "/risk-state?date=2026-01-02", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rs store.RiskState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rs))
	require.Equal(t, "2026-01-02", rs.TradeDate)
	require.True(t, rs.CurrentEquity.Equal(decimal.NewFromInt(10000)))

	rec = do(t, s, http.MethodGet, "/risk-state", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDLQWithoutBroker(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/dlq", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
