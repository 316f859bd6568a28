package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertPosition inserts or updates a position. The unique idempotency key
// index guarantees one position row per admitted plan.
func (s *Store) UpsertPosition(p *Position) error {
	p.UpdatedAtMs = nowMs()
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "idempotency_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"qty_total", "qty_runner", "entry_price", "primary_sl_price",
			"runner_stop_price", "status", "entry_close_time_ms", "opened_at_ms",
			"closed_at_ms", "exit_reason", "secondary_rule_checked",
			"hist_entry", "hist_entry_set", "meta", "updated_at_ms",
		}),
	}).Create(p).Error
}

// GetPositionByIdem returns the position for an idempotency key, or nil.
func (s *Store) GetPositionByIdem(idem string) (*Position, error) {
	var p Position
	err := s.db.Where("idempotency_key = ?", idem).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListOpenPositions returns all OPEN positions, oldest first.
func (s *Store) ListOpenPositions() ([]Position, error) {
	var out []Position
	err := s.db.Where("status = ?", PositionOpen).Order("opened_at_ms ASC").Find(&out).Error
	return out, err
}

// CountOpenPositions counts OPEN positions for the concurrency gate.
func (s *Store) CountOpenPositions() (int64, error) {
	var n int64
	err := s.db.Model(&Position{}).Where("status = ?", PositionOpen).Count(&n).Error
	return n, err
}

// FindOpenPositionSameDirection returns an OPEN position on the same symbol
// and bias regardless of timeframe, or nil. Feeds the same-direction mutex.
func (s *Store) FindOpenPositionSameDirection(symbol, bias string) (*Position, error) {
	var p Position
	err := s.db.Where("status = ? AND symbol = ? AND bias = ?", PositionOpen, symbol, bias).
		Order("opened_at_ms ASC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns recent positions, newest first, optionally filtered
// by status and symbol.
func (s *Store) ListPositions(status, symbol string, limit int) ([]Position, error) {
	q := s.db.Order("updated_at_ms DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var out []Position
	err := q.Find(&out).Error
	return out, err
}
