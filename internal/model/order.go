package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderCreated           OrderStatus = "CREATED"
	OrderPaymentPending    OrderStatus = "PAYMENT_PENDING"
	OrderPaymentProcessing OrderStatus = "PAYMENT_PROCESSING"
	OrderPaid              OrderStatus = "PAID"
	OrderPaymentFailed     OrderStatus = "PAYMENT_FAILED"
	OrderCancelled         OrderStatus = "CANCELLED"
)

// orderTransitions lists the statuses reachable from each status.
// PAYMENT_FAILED -> PAID: the gateway may settle a charge after the
// submission was given up on.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:           {OrderPaymentPending, OrderCancelled},
	OrderPaymentPending:    {OrderPaymentProcessing, OrderPaid, OrderPaymentFailed, OrderCancelled},
	OrderPaymentProcessing: {OrderPaid, OrderPaymentFailed, OrderCancelled},
	OrderPaymentFailed:     {OrderPaid, OrderCancelled},
}

// CanTransition reports whether the order state machine allows s -> to.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID          uint64          `gorm:"primaryKey"`
	OrderID     string          `gorm:"size:64;not null;uniqueIndex"`
	UserID      string          `gorm:"size:64;not null;index"`
	TotalAmount decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Currency    string          `gorm:"size:3;not null"`
	Status      OrderStatus     `gorm:"size:32;not null"`
	PaymentID   *string         `gorm:"size:64;index"`
	Items       string          `gorm:"type:text"`
	// Version is bumped on every mutation.
	Version uint64 `gorm:"not null;default:0"`
	// PaymentVersion is the highest payment-event version applied to the order.
	PaymentVersion uint64 `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Order) TableName() string { return "orders" }

// DecodeItems parses the stored item list; an empty column yields no items.
func (o *Order) DecodeItems() ([]OrderItem, error) {
	if o.Items == "" {
		return nil, nil
	}
	var items []OrderItem
	if err := json.Unmarshal([]byte(o.Items), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// OrderItem is one line of an order request; persisted as JSON in Order.Items.
type OrderItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}
