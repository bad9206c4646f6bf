package model

import "time"

type NotificationType string

const (
	NotificationEmail NotificationType = "EMAIL"
	NotificationSMS   NotificationType = "SMS"
	NotificationPush  NotificationType = "PUSH"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "PENDING"
	NotificationSent    NotificationStatus = "SENT"
	NotificationFailed  NotificationStatus = "FAILED"
)

type NotificationLog struct {
	ID           uint64             `gorm:"primaryKey"`
	EventID      string             `gorm:"size:191;not null;uniqueIndex"`
	UserID       string             `gorm:"size:64;not null;index"`
	OrderID      string             `gorm:"size:64;index"`
	Type         NotificationType   `gorm:"size:16;not null"`
	Recipient    string             `gorm:"size:255;not null"`
	Subject      string             `gorm:"size:255;not null"`
	Content      string             `gorm:"type:text"`
	Status       NotificationStatus `gorm:"size:16;not null"`
	ErrorMessage *string            `gorm:"type:text"`
	RetryCount   int                `gorm:"not null;default:0"`
	CreatedAt    time.Time
	SentAt       *time.Time
}

func (NotificationLog) TableName() string { return "notification_logs" }
