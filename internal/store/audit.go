package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertTrace appends one execution trace step.
func (s *Store) InsertTrace(t *ExecutionTrace) error {
	if t.TsMs == 0 {
		t.TsMs = nowMs()
	}
	return s.db.Create(t).Error
}

// ListTraces returns trace steps for a trace id in order.
func (s *Store) ListTraces(traceID string, limit int) ([]ExecutionTrace, error) {
	var out []ExecutionTrace
	err := s.db.Where("trace_id = ?", traceID).Order("ts_ms ASC").Limit(limit).Find(&out).Error
	return out, err
}

// InsertRiskEvent persists one emitted risk event; duplicate event ids drop.
func (s *Store) InsertRiskEvent(r *RiskEventRecord) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(r).Error
}

// ListRiskEvents returns recent risk events, newest first, optionally by type.
func (s *Store) ListRiskEvents(eventType string, limit int) ([]RiskEventRecord, error) {
	q := s.db.Order("ts_ms DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	var out []RiskEventRecord
	err := q.Find(&out).Error
	return out, err
}

// InsertWalletSnapshot records one wallet observation.
func (s *Store) InsertWalletSnapshot(w *WalletSnapshot) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(w).Error
}

// LatestWalletSnapshot returns the most recent wallet snapshot from source,
// or nil. Pass "" for any source.
func (s *Store) LatestWalletSnapshot(source string) (*WalletSnapshot, error) {
	q := s.db.Order("ts_ms DESC")
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var w WalletSnapshot
	err := q.First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// InsertAccountSnapshot records one account observation.
func (s *Store) InsertAccountSnapshot(a *AccountSnapshot) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(a).Error
}

// InsertBacktestTrade records one closed simulated trade; replays with the
// same deterministic trade id drop.
func (s *Store) InsertBacktestTrade(t *BacktestTrade) error {
	t.CreatedAtMs = nowMs()
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(t).Error
}

// ListBacktestTrades returns all trades for a run, entry time ascending.
func (s *Store) ListBacktestTrades(runID string) ([]BacktestTrade, error) {
	var out []BacktestTrade
	err := s.db.Where("run_id = ?", runID).Order("entry_time_ms ASC").Find(&out).Error
	return out, err
}

// InsertWSEvent audits one private WS message.
func (s *Store) InsertWSEvent(topic, payload string) error {
	return s.db.Create(&WSEvent{Topic: topic, TsMs: nowMs(), Payload: payload}).Error
}
