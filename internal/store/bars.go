package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertBar inserts or replaces a bar by (symbol, timeframe, close_time_ms).
// Returns whether a row with different OHLCV already existed (bar revision).
func (s *Store) UpsertBar(bar *Bar) (revised bool, err error) {
	var existing Bar
	err = s.db.Where("symbol = ? AND timeframe = ? AND close_time_ms = ?",
		bar.Symbol, bar.Timeframe, bar.CloseTimeMs).First(&existing).Error
	switch {
	case err == nil:
		revised = existing.Open != bar.Open || existing.High != bar.High ||
			existing.Low != bar.Low || existing.Close != bar.Close ||
			existing.Volume != bar.Volume
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fresh insert
	default:
		return false, err
	}

	bar.UpdatedAtMs = nowMs()
	err = s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "close_time_ms"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"open_time_ms", "open", "high", "low", "close", "volume", "turnover", "source", "updated_at_ms",
		}),
	}).Create(bar).Error
	return revised, err
}

// GetBars returns up to limit bars ascending by close_time_ms.
func (s *Store) GetBars(symbol, timeframe string, limit int) ([]Bar, error) {
	var desc []Bar
	err := s.db.Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("close_time_ms DESC").Limit(limit).Find(&desc).Error
	if err != nil {
		return nil, err
	}
	// newest-first from the index scan; reverse to chronological order
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// GetBarsRange returns bars with close_time_ms in [fromMs, toMs] in
// chronological order. toMs of 0 means no upper bound.
func (s *Store) GetBarsRange(symbol, timeframe string, fromMs, toMs int64, limit int) ([]Bar, error) {
	q := s.db.Where("symbol = ? AND timeframe = ? AND close_time_ms >= ?", symbol, timeframe, fromMs)
	if toMs > 0 {
		q = q.Where("close_time_ms <= ?", toMs)
	}
	var bars []Bar
	err := q.Order("close_time_ms ASC").Limit(limit).Find(&bars).Error
	return bars, err
}

// PrevCloseTimeMs returns the latest close_time_ms strictly before the given
// close time, or 0 if no earlier bar exists.
func (s *Store) PrevCloseTimeMs(symbol, timeframe string, beforeCloseTimeMs int64) (int64, error) {
	var bar Bar
	err := s.db.Where("symbol = ? AND timeframe = ? AND close_time_ms < ?",
		symbol, timeframe, beforeCloseTimeMs).
		Order("close_time_ms DESC").First(&bar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bar.CloseTimeMs, nil
}

// CountBars counts persisted bars for (symbol, timeframe).
func (s *Store) CountBars(symbol, timeframe string) (int64, error) {
	var n int64
	err := s.db.Model(&Bar{}).Where("symbol = ? AND timeframe = ?", symbol, timeframe).Count(&n).Error
	return n, err
}

// ReserveBarCloseEmit attempts to reserve the (symbol, timeframe, close_time)
// publication slot. Returns false when a prior reservation exists.
func (s *Store) ReserveBarCloseEmit(symbol, timeframe string, closeTimeMs int64, eventID, source string) (bool, error) {
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&BarCloseEmit{
		Symbol:      symbol,
		Timeframe:   timeframe,
		CloseTimeMs: closeTimeMs,
		EventID:     eventID,
		Source:      source,
		CreatedAtMs: nowMs(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RollbackBarCloseEmit removes a reservation after a failed publish so the
// emit can be retried. Only the reservation holding eventID is removed.
func (s *Store) RollbackBarCloseEmit(symbol, timeframe string, closeTimeMs int64, eventID string) error {
	return s.db.Where("symbol = ? AND timeframe = ? AND close_time_ms = ? AND event_id = ?",
		symbol, timeframe, closeTimeMs, eventID).Delete(&BarCloseEmit{}).Error
}
