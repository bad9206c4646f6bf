package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	EventPaymentSuccess     = "PAYMENT_SUCCESS"
	EventPaymentFailed      = "PAYMENT_FAILED"
	EventOrderPaid          = "ORDER_PAID"
	EventOrderPaymentFailed = "ORDER_PAYMENT_FAILED"
)

// PaymentEvent travels on the payment-events topic keyed by PaymentID.
type PaymentEvent struct {
	PaymentID string          `json:"paymentId"`
	OrderID   string          `json:"orderId"`
	EventType string          `json:"eventType"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Timestamp int64           `json:"timestamp"`
	// Version is the payment's version after the change; nil disables the staleness check.
	Version *uint64 `json:"version,omitempty"`
}

// OrderEvent travels on the order-events topic keyed by OrderID.
type OrderEvent struct {
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	EventType   string          `json:"eventType"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Currency    string          `json:"currency"`
	Timestamp   int64           `json:"timestamp"`
}

// EventID identifies one upstream delivery lineage of the event.
func (e OrderEvent) EventID() string {
	return fmt.Sprintf("%s-%s-%d", e.EventType, e.OrderID, e.Timestamp)
}
