package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertSignal inserts a signal row; duplicates by idempotency key are
// silently dropped, guaranteeing exactly one signal per key.
func (s *Store) InsertSignal(sig *Signal) error {
	sig.CreatedAtMs = nowMs()
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(sig).Error
}

// GetSignalByIdem returns the signal for an idempotency key, or nil.
func (s *Store) GetSignalByIdem(idem string) (*Signal, error) {
	var sig Signal
	err := s.db.Where("idempotency_key = ?", idem).First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// ListSignals returns recent signals, newest first.
func (s *Store) ListSignals(symbol string, limit int) ([]Signal, error) {
	q := s.db.Order("created_at_ms DESC").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var out []Signal
	err := q.Find(&out).Error
	return out, err
}

// InsertTradePlan inserts a plan row; duplicates by idempotency key drop.
func (s *Store) InsertTradePlan(plan *TradePlan) error {
	plan.CreatedAtMs = nowMs()
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(plan).Error
}

// ListTradePlans returns recent plans, newest first.
func (s *Store) ListTradePlans(symbol string, limit int) ([]TradePlan, error) {
	q := s.db.Order("created_at_ms DESC").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var out []TradePlan
	err := q.Find(&out).Error
	return out, err
}

// CountSignalsByKey counts signals with a given (symbol, timeframe,
// close_time_ms, bias) tuple; used by the idempotency property tests.
func (s *Store) CountSignalsByKey(symbol, timeframe string, closeTimeMs int64, bias string) (int64, error) {
	var n int64
	err := s.db.Model(&Signal{}).
		Where("symbol = ? AND timeframe = ? AND close_time_ms = ? AND bias = ?",
			symbol, timeframe, closeTimeMs, bias).
		Count(&n).Error
	return n, err
}
