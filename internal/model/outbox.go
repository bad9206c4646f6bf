package model

import "time"

// OutboxEvent is written in the same transaction as the state change it announces.
type OutboxEvent struct {
	ID           uint64    `gorm:"primaryKey"`
	Topic        string    `gorm:"size:128;not null"`
	PartitionKey string    `gorm:"size:64;not null"`
	EventType    string    `gorm:"size:64;not null"`
	Payload      string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"index"`
	Processed    bool      `gorm:"not null;default:false;index"`
	ProcessedAt  *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
