package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/divbot/internal/events"
	"github.com/web3guy0/divbot/internal/store"
)

const defaultListLimit = 100

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("API response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if _, err := s.st.CountOpenPositions(); err != nil {
		out["status"] = "degraded"
		out["db"] = err.Error()
	}
	if s.broker != nil {
		if err := s.broker.Client().Ping(r.Context()).Err(); err != nil {
			out["status"] = "degraded"
			out["redis"] = err.Error()
		}
	}
	status := http.StatusOK
	if out["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	positions, err := s.st.ListPositions(q.Get("status"), q.Get("symbol"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.st.ListOrders(r.URL.Query().Get("symbol"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.st.ListSignals(r.URL.Query().Get("symbol"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.st.ListTradePlans(r.URL.Query().Get("symbol"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleRiskEvents(w http.ResponseWriter, r *http.Request) {
	evts, err := s.st.ListRiskEvents(r.URL.Query().Get("type"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func (s *Server) handleRiskState(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "date query parameter required (YYYY-MM-DD)")
		return
	}
	rs, err := s.st.GetRiskState(date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rs == nil {
		writeError(w, http.StatusNotFound, "no risk state for "+date)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// BacktestReport is the aggregated summary of one backtest run.
type BacktestReport struct {
	RunID    string                `json:"run_id"`
	Trades   int                   `json:"trades"`
	Wins     int                   `json:"wins"`
	Losses   int                   `json:"losses"`
	WinRate  float64               `json:"win_rate"`
	TotalR   float64               `json:"total_r"`
	AvgR     float64               `json:"avg_r"`
	TotalPnL decimal.Decimal       `json:"total_pnl"`
	Records  []store.BacktestTrade `json:"records"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter required")
		return
	}
	trades, err := s.st.ListBacktestTrades(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rep := BacktestReport{RunID: runID, Trades: len(trades), Records: trades}
	for _, t := range trades {
		if t.PnLR > 0 {
			rep.Wins++
		} else {
			rep.Losses++
		}
		rep.TotalR += t.PnLR
		rep.TotalPnL = rep.TotalPnL.Add(t.PnLUSDT)
	}
	if rep.Trades > 0 {
		rep.WinRate = float64(rep.Wins) / float64(rep.Trades)
		rep.AvgR = rep.TotalR / float64(rep.Trades)
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		active, err := s.st.KillSwitchActive()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"kill_switch": active})
	case http.MethodPost:
		var body struct {
			On bool `json:"on"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		value := "0"
		if body.On {
			value = "1"
		}
		if err := s.st.SetRuntimeFlag(store.FlagKillSwitch, value); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Warn().Bool("on", body.On).Msg("🛑 Kill switch toggled via API")
		writeJSON(w, http.StatusOK, map[string]bool{"kill_switch": body.On})
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST only")
	}
}

// DLQEntry is one parked message from the dead letter stream.
type DLQEntry struct {
	MessageID string          `json:"message_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "broker not connected")
		return
	}
	ctx := r.Context()
	rdb := s.broker.Client()

	count, err := rdb.XLen(ctx, events.StreamDLQ).Result()
	if err != nil && err != redis.Nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	limit := queryLimit(r)
	msgs, err := rdb.XRevRangeN(ctx, events.StreamDLQ, "+", "-", int64(limit)).Result()
	if err != nil && err != redis.Nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		e := DLQEntry{MessageID: m.ID}
		if t, ok := m.Values["type"].(string); ok {
			e.Type = t
		}
		if raw, ok := m.Values["json"].(string); ok && json.Valid([]byte(raw)) {
			e.Payload = json.RawMessage(raw)
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count, "entries": entries})
}
