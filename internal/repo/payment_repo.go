package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/order-saga/internal/model"
	"gorm.io/gorm"
)

// PaymentRepository is what the payment processor needs from its store.
type PaymentRepository interface {
	OutboxRepository
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	PaymentExists(ctx context.Context, tx *gorm.DB, idemKey string) (bool, *model.Payment, error)
	InsertPayment(ctx context.Context, tx *gorm.DB, p *model.Payment) (bool, error)
	GetPaymentForUpdate(ctx context.Context, tx *gorm.DB, paymentID string) (*model.Payment, error)
	UpdatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment, oldVersion uint64) error
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	InsertCallback(ctx context.Context, tx *gorm.DB, cb *model.PaymentCallback) (bool, error)
	GetCallbackForUpdate(ctx context.Context, tx *gorm.DB, callbackID string) (*model.PaymentCallback, error)
	MarkCallbackProcessed(ctx context.Context, tx *gorm.DB, id uint64) error
	ListUnprocessedCallbacks(ctx context.Context, limit int) ([]model.PaymentCallback, error)
	ListPaymentsByStatus(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error)
}

// PaymentExists checks duplicate by idem key.
func (r *Repository) PaymentExists(ctx context.Context, tx *gorm.DB, idemKey string) (bool, *model.Payment, error) {
	var p model.Payment
	err := tx.WithContext(ctx).Where("idempotency_key = ?", idemKey).First(&p).Error
	if err == nil {
		return true, &p, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// InsertPayment inserts p; false means another row already holds its idempotency key.
func (r *Repository) InsertPayment(ctx context.Context, tx *gorm.DB, p *model.Payment) (bool, error) {
	return insertIgnore(ctx, tx, p)
}

// GetPaymentForUpdate locks payment row.
func (r *Repository) GetPaymentForUpdate(ctx context.Context, tx *gorm.DB, paymentID string) (*model.Payment, error) {
	var p model.Payment
	if err := forUpdate(ctx, tx).Where("payment_id = ?", paymentID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePayment writes p with optimistic lock; p.Version must already hold oldVersion+1.
func (r *Repository) UpdatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Payment{}).
		Where("payment_id = ? AND version = ?", p.PaymentID, oldVersion).
		Updates(map[string]interface{}{
			"status":            p.Status,
			"gateway_reference": p.GatewayReference,
			"failure_reason":    p.FailureReason,
			"version":           p.Version,
			"updated_at":        p.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// GetPayment reads a payment; terminal payments are cached.
func (r *Repository) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	var p model.Payment
	if err := r.cacheGet(ctx, cacheKey("payment", paymentID), &p); err == nil {
		return &p, nil
	}
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&p).Error; err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		r.cacheSet(ctx, cacheKey("payment", paymentID), &p)
	}
	return &p, nil
}

// InsertCallback records a webhook delivery; false means the callback id was seen before.
func (r *Repository) InsertCallback(ctx context.Context, tx *gorm.DB, cb *model.PaymentCallback) (bool, error) {
	return insertIgnore(ctx, tx, cb)
}

// GetCallbackForUpdate locks callback row.
func (r *Repository) GetCallbackForUpdate(ctx context.Context, tx *gorm.DB, callbackID string) (*model.PaymentCallback, error) {
	var cb model.PaymentCallback
	if err := forUpdate(ctx, tx).Where("callback_id = ?", callbackID).First(&cb).Error; err != nil {
		return nil, err
	}
	return &cb, nil
}

// MarkCallbackProcessed sets processed flag.
func (r *Repository) MarkCallbackProcessed(ctx context.Context, tx *gorm.DB, id uint64) error {
	now := time.Now()
	return tx.WithContext(ctx).Model(&model.PaymentCallback{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// ListUnprocessedCallbacks returns recorded callbacks that never finished processing.
func (r *Repository) ListUnprocessedCallbacks(ctx context.Context, limit int) ([]model.PaymentCallback, error) {
	var cbs []model.PaymentCallback
	err := r.db.WithContext(ctx).Where("processed = ? AND reject_reason IS NULL", false).Order("id").Limit(limit).Find(&cbs).Error
	return cbs, err
}

// ListPaymentsByStatus returns the oldest payments in status.
func (r *Repository) ListPaymentsByStatus(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error) {
	var ps []model.Payment
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Limit(limit).Find(&ps).Error
	return ps, err
}
