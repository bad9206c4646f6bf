package repo

import (
	"context"

	"github.com/richardliu001/order-saga/internal/model"
	"gorm.io/gorm"
)

// OrderRepository is what the order coordinator needs from its store.
type OrderRepository interface {
	OutboxRepository
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	CreateOrder(ctx context.Context, tx *gorm.DB, o *model.Order) error
	GetOrderForUpdate(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error)
	FindOrderByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*model.Order, error)
	UpdateOrder(ctx context.Context, tx *gorm.DB, o *model.Order, oldVersion uint64) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error)
}

// CreateOrder inserts record.
func (r *Repository) CreateOrder(ctx context.Context, tx *gorm.DB, o *model.Order) error {
	return tx.WithContext(ctx).Create(o).Error
}

// GetOrderForUpdate locks order row.
func (r *Repository) GetOrderForUpdate(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error) {
	var o model.Order
	if err := forUpdate(ctx, tx).Where("order_id = ?", orderID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// FindOrderByPaymentID resolves the order a payment belongs to.
func (r *Repository) FindOrderByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*model.Order, error) {
	var o model.Order
	if err := tx.WithContext(ctx).Where("payment_id = ?", paymentID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrder writes o with optimistic lock; o.Version must already hold oldVersion+1.
func (r *Repository) UpdateOrder(ctx context.Context, tx *gorm.DB, o *model.Order, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("order_id = ? AND version = ?", o.OrderID, oldVersion).
		Updates(map[string]interface{}{
			"status":          o.Status,
			"payment_id":      o.PaymentID,
			"payment_version": o.PaymentVersion,
			"version":         o.Version,
			"updated_at":      o.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// GetOrder reads an order. Orders in an absorbing state are cached in redis
// once read; nothing can change them afterwards, so the cache never goes stale.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var o model.Order
	if err := r.cacheGet(ctx, cacheKey("order", orderID), &o); err == nil {
		return &o, nil
	}
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error; err != nil {
		return nil, err
	}
	if o.Status == model.OrderPaid || o.Status == model.OrderCancelled {
		r.cacheSet(ctx, cacheKey("order", orderID), &o)
	}
	return &o, nil
}

// ListOrdersByUser returns the user's orders, newest first.
func (r *Repository) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&orders).Error
	return orders, err
}

// ListOrdersByStatus returns the oldest orders in status.
func (r *Repository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Limit(limit).Find(&orders).Error
	return orders, err
}
