package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSuccess    PaymentStatus = "SUCCESS"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// Terminal reports whether no callback may move the payment any further.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentRefunded
}

type Payment struct {
	ID               uint64          `gorm:"primaryKey"`
	PaymentID        string          `gorm:"size:64;not null;uniqueIndex"`
	OrderID          string          `gorm:"size:64;not null;index"`
	IdempotencyKey   string          `gorm:"size:128;not null;uniqueIndex"`
	Amount           decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Currency         string          `gorm:"size:3;not null"`
	Status           PaymentStatus   `gorm:"size:32;not null"`
	GatewayReference *string         `gorm:"size:128;index"`
	FailureReason    *string         `gorm:"type:text"`
	Version          uint64          `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Payment) TableName() string { return "payments" }

// PaymentCallback is the audit row of one gateway webhook delivery.
type PaymentCallback struct {
	ID               uint64  `gorm:"primaryKey"`
	CallbackID       string  `gorm:"size:128;not null;uniqueIndex"`
	PaymentReference string  `gorm:"size:64;not null;index"`
	Status           string  `gorm:"size:32;not null"`
	TransactionID    *string `gorm:"size:128"`
	FailureReason    *string `gorm:"type:text"`
	RawPayload       string  `gorm:"type:text"`
	// RejectReason is set for deliveries that could not be parsed or lacked
	// required fields; they are kept for audit and never replayed automatically.
	RejectReason *string   `gorm:"type:text"`
	Processed    bool      `gorm:"not null;default:false;index"`
	ReceivedAt   time.Time `gorm:"not null"`
	ProcessedAt  *time.Time
}

func (PaymentCallback) TableName() string { return "payment_callbacks" }
