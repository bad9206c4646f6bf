package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/order-saga/internal/model"
	"gorm.io/gorm"
)

// NotificationRepository is what the notification dispatcher needs from its store.
type NotificationRepository interface {
	NotificationExists(ctx context.Context, eventID string) (bool, error)
	InsertNotification(ctx context.Context, n *model.NotificationLog) (bool, error)
	MarkNotificationSent(ctx context.Context, id uint64, sentAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id uint64, reason string) error
	GetNotification(ctx context.Context, eventID string) (*model.NotificationLog, error)
}

// NotificationExists checks duplicate by event id.
func (r *Repository) NotificationExists(ctx context.Context, eventID string) (bool, error) {
	var n model.NotificationLog
	err := r.db.WithContext(ctx).Select("id").Where("event_id = ?", eventID).First(&n).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// InsertNotification inserts n; false means the event id already has a log row.
func (r *Repository) InsertNotification(ctx context.Context, n *model.NotificationLog) (bool, error) {
	return insertIgnore(ctx, r.db, n)
}

// MarkNotificationSent records a successful send.
func (r *Repository) MarkNotificationSent(ctx context.Context, id uint64, sentAt time.Time) error {
	return r.db.WithContext(ctx).Model(&model.NotificationLog{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.NotificationSent,
			"sent_at":       &sentAt,
			"error_message": nil,
		}).Error
}

// MarkNotificationFailed records a failed attempt and bumps retry_count.
func (r *Repository) MarkNotificationFailed(ctx context.Context, id uint64, reason string) error {
	return r.db.WithContext(ctx).Model(&model.NotificationLog{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.NotificationFailed,
			"error_message": reason,
			"retry_count":   gorm.Expr("retry_count + 1"),
		}).Error
}

// GetNotification reads the log row of an event.
func (r *Repository) GetNotification(ctx context.Context, eventID string) (*model.NotificationLog, error) {
	var n model.NotificationLog
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}
