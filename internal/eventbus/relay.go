package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Relay publishes committed outbox rows to Kafka and marks them processed.
type Relay struct {
	repo      repo.OutboxRepository
	writer    MessageWriter
	interval  time.Duration
	batchSize int
	log       *zap.SugaredLogger
}

func NewRelay(r repo.OutboxRepository, w MessageWriter, interval time.Duration, batchSize int, log *zap.SugaredLogger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{repo: r, writer: w, interval: interval, batchSize: batchSize, log: log}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started")
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Errorf("outbox relay: %v", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce publishes one batch. It stops at the first failure so that later
// events for the same key are never published ahead of an earlier one.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.repo.PollOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("poll outbox: %w", err)
	}
	sent := 0
	for _, evt := range events {
		if err := r.writer.WriteMessages(ctx, toMessage(evt)); err != nil {
			return sent, fmt.Errorf("publish id=%d: %w", evt.ID, err)
		}
		if err := r.repo.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			return sent, fmt.Errorf("mark processed id=%d: %w", evt.ID, err)
		}
		r.log.Debugf("event %d %s sent to %s", evt.ID, evt.EventType, evt.Topic)
		sent++
	}
	return sent, nil
}

func toMessage(evt model.OutboxEvent) kafka.Message {
	return kafka.Message{
		Topic: evt.Topic,
		Key:   []byte(evt.PartitionKey),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.EventType)},
		},
		Time: time.Now(),
	}
}
