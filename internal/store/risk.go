package store

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrInitRiskState returns the risk row for tradeDate, creating it with the
// given starting equity if this is the first touch of the day.
func (s *Store) GetOrInitRiskState(tradeDate string, startingEquity decimal.Decimal) (*RiskState, error) {
	var rs RiskState
	err := s.db.Where("trade_date = ?", tradeDate).First(&rs).Error
	if err == nil {
		return &rs, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	rs = RiskState{
		TradeDate:      tradeDate,
		StartingEquity: startingEquity,
		CurrentEquity:  startingEquity,
		MinEquity:      startingEquity,
		MaxEquity:      startingEquity,
		UpdatedAtMs:    nowMs(),
	}
	// carry the loss streak across the day boundary
	var prev RiskState
	if err := s.db.Order("trade_date DESC").First(&prev).Error; err == nil {
		meta := prev.DecodeMeta()
		rs.EncodeMeta(RiskStateMeta{ConsecutiveLossCount: meta.ConsecutiveLossCount, Mode: meta.Mode})
	}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rs).Error; err != nil {
		return nil, err
	}
	// re-read in case a concurrent writer won the insert
	if err := s.db.Where("trade_date = ?", tradeDate).First(&rs).Error; err != nil {
		return nil, err
	}
	return &rs, nil
}

// SaveRiskState persists the full risk row.
func (s *Store) SaveRiskState(rs *RiskState) error {
	rs.UpdatedAtMs = nowMs()
	return s.db.Save(rs).Error
}

// GetRiskState returns the risk row for tradeDate, or nil.
func (s *Store) GetRiskState(tradeDate string) (*RiskState, error) {
	var rs RiskState
	err := s.db.Where("trade_date = ?", tradeDate).First(&rs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// UpsertCooldown writes the re-entry block for (symbol, side, timeframe).
func (s *Store) UpsertCooldown(c *Cooldown) error {
	c.UpdatedAtMs = nowMs()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "side"}, {Name: "timeframe"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "until_ts_ms", "meta", "updated_at_ms"}),
	}).Create(c).Error
}

// GetActiveCooldown returns the cooldown covering nowMs, or nil.
func (s *Store) GetActiveCooldown(symbol, side, timeframe string, nowMs int64) (*Cooldown, error) {
	var c Cooldown
	err := s.db.Where("symbol = ? AND side = ? AND timeframe = ? AND until_ts_ms > ?",
		symbol, side, timeframe, nowMs).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetRuntimeFlag writes an admin flag value.
func (s *Store) SetRuntimeFlag(name, value string) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_ms"}),
	}).Create(&RuntimeFlag{Name: name, Value: value, UpdatedAtMs: nowMs()}).Error
}

// GetRuntimeFlag returns the flag value, or "" when unset.
func (s *Store) GetRuntimeFlag(name string) (string, error) {
	var f RuntimeFlag
	err := s.db.Where("name = ?", name).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return f.Value, nil
}

// KillSwitchActive reports whether the persisted kill switch is on.
func (s *Store) KillSwitchActive() (bool, error) {
	v, err := s.GetRuntimeFlag(FlagKillSwitch)
	if err != nil {
		return false, err
	}
	return v == "1" || v == "true" || v == "on", nil
}
