package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertNotificationIfAbsent reserves delivery of one event id. Returns false
// when the event has already been seen, making redeliveries no-ops.
func (s *Store) InsertNotificationIfAbsent(n *Notification) (bool, error) {
	now := nowMs()
	n.Status = NotifyPending
	n.CreatedAtMs = now
	n.UpdatedAtMs = now
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkNotificationSent records a successful delivery.
func (s *Store) MarkNotificationSent(notificationID string) error {
	return s.db.Model(&Notification{}).Where("notification_id = ?", notificationID).
		Updates(map[string]any{
			"status":        NotifySent,
			"last_error":    "",
			"updated_at_ms": nowMs(),
		}).Error
}

// MarkNotificationFailed records a failed attempt and schedules the retry.
func (s *Store) MarkNotificationFailed(notificationID, lastError string, attempts int, nextAttemptAtMs int64) error {
	return s.db.Model(&Notification{}).Where("notification_id = ?", notificationID).
		Updates(map[string]any{
			"status":             NotifyFailed,
			"attempts":           attempts,
			"next_attempt_at_ms": nextAttemptAtMs,
			"last_error":         lastError,
			"updated_at_ms":      nowMs(),
		}).Error
}

// ListDueFailedNotifications returns failed deliveries whose backoff has
// elapsed, oldest first.
func (s *Store) ListDueFailedNotifications(nowMs int64, limit int) ([]Notification, error) {
	var out []Notification
	err := s.db.Where("status = ? AND next_attempt_at_ms <= ?", NotifyFailed, nowMs).
		Order("next_attempt_at_ms ASC").Limit(limit).Find(&out).Error
	return out, err
}

// GetNotification returns a delivery record, or nil.
func (s *Store) GetNotification(notificationID string) (*Notification, error) {
	var n Notification
	err := s.db.Where("notification_id = ?", notificationID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}
