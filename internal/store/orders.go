package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertOrder inserts or updates an order. The unique (idempotency_key,
// purpose) index serializes concurrent writers: the second ENTRY upsert for
// the same plan lands on the first row instead of creating a duplicate.
func (s *Store) UpsertOrder(o *Order) error {
	o.UpdatedAtMs = nowMs()
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "idempotency_key"}, {Name: "purpose"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"side", "order_type", "qty", "price", "reduce_only", "status",
			"exchange_order_id", "exchange_link_id", "filled_qty", "avg_price",
			"submitted_at_ms", "last_fill_at_ms", "retry_count", "payload", "updated_at_ms",
		}),
	}).Create(o).Error
}

// GetOrder returns an order by internal id, or nil.
func (s *Store) GetOrder(orderID string) (*Order, error) {
	var o Order
	err := s.db.Where("order_id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderByIdemPurpose returns the order for (idempotency_key, purpose).
func (s *Store) GetOrderByIdemPurpose(idem, purpose string) (*Order, error) {
	var o Order
	err := s.db.Where("idempotency_key = ? AND purpose = ?", idem, purpose).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrdersByIdem returns all orders attached to an idempotency key.
func (s *Store) ListOrdersByIdem(idem string) ([]Order, error) {
	var out []Order
	err := s.db.Where("idempotency_key = ?", idem).Find(&out).Error
	return out, err
}

// FindOrderByExchangeID matches an order by exchange order id or link id.
func (s *Store) FindOrderByExchangeID(exchangeOrderID, exchangeLinkID string) (*Order, error) {
	var o Order
	q := s.db
	switch {
	case exchangeOrderID != "" && exchangeLinkID != "":
		q = q.Where("exchange_order_id = ? OR exchange_link_id = ?", exchangeOrderID, exchangeLinkID)
	case exchangeOrderID != "":
		q = q.Where("exchange_order_id = ?", exchangeOrderID)
	case exchangeLinkID != "":
		q = q.Where("exchange_link_id = ?", exchangeLinkID)
	default:
		return nil, nil
	}
	err := q.First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListSubmittedEntryOrders returns ENTRY orders still awaiting a terminal
// state, oldest first; consumed by the abnormal-order manager.
func (s *Store) ListSubmittedEntryOrders() ([]Order, error) {
	var out []Order
	err := s.db.Where("purpose = ? AND status IN ?", PurposeEntry,
		[]string{OrderSubmitted, OrderPartialFilled}).
		Order("submitted_at_ms ASC").Find(&out).Error
	return out, err
}

// ListOrders returns recent orders, newest first.
func (s *Store) ListOrders(symbol string, limit int) ([]Order, error) {
	q := s.db.Order("updated_at_ms DESC").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var out []Order
	err := q.Find(&out).Error
	return out, err
}

// InsertFill records one exchange execution; duplicate exec ids drop.
func (s *Store) InsertFill(f *Fill) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(f).Error
}

// ListFills returns fills for an order, oldest first.
func (s *Store) ListFills(orderID string) ([]Fill, error) {
	var out []Fill
	err := s.db.Where("order_id = ?", orderID).Order("exec_time_ms ASC").Find(&out).Error
	return out, err
}
