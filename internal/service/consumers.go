package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/richardliu001/order-saga/internal/eventbus"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/segmentio/kafka-go"
)

// ConsumePaymentEvent adapts HandlePaymentEvent to an eventbus.Handler.
func (s *OrderService) ConsumePaymentEvent(ctx context.Context, msg kafka.Message) error {
	var evt model.PaymentEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return fmt.Errorf("decode payment event: %v: %w", err, eventbus.ErrMalformed)
	}
	if evt.PaymentID == "" {
		return fmt.Errorf("payment event without paymentId: %w", eventbus.ErrMalformed)
	}
	return s.HandlePaymentEvent(ctx, evt)
}

// ConsumeOrderEvent adapts ProcessEvent to an eventbus.Handler.
func (s *NotificationService) ConsumeOrderEvent(ctx context.Context, msg kafka.Message) error {
	var evt model.OrderEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return fmt.Errorf("decode order event: %v: %w", err, eventbus.ErrMalformed)
	}
	if evt.OrderID == "" {
		return fmt.Errorf("order event without orderId: %w", eventbus.ErrMalformed)
	}
	return s.ProcessEvent(ctx, evt)
}
