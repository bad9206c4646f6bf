package service

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/richardliu001/order-saga/internal/resilience"
	"github.com/richardliu001/order-saga/internal/worker"
	"go.uber.org/zap"
)

// NotificationService sends at most one notification lineage per order event.
type NotificationService struct {
	repo    repo.NotificationRepository
	senders map[model.NotificationType]Sender
	policy  *resilience.Policy
	pool    *worker.Pool
	log     *zap.SugaredLogger
	now     func() time.Time
}

func NewNotificationService(r repo.NotificationRepository, senders map[model.NotificationType]Sender,
	policy *resilience.Policy, pool *worker.Pool, logger *zap.SugaredLogger) *NotificationService {
	return &NotificationService{repo: r, senders: senders, policy: policy, pool: pool, log: logger, now: time.Now}
}

// ProcessEvent records the notification for evt and hands it to the send path.
// A redelivered event finds its log row and is skipped.
func (s *NotificationService) ProcessEvent(ctx context.Context, evt model.OrderEvent) error {
	eventID := evt.EventID()
	exists, err := s.repo.NotificationExists(ctx, eventID)
	if err != nil {
		return fmt.Errorf("check event %s: %w", eventID, err)
	}
	if exists {
		s.log.Warnf("event already processed: %s, skipping", eventID)
		return nil
	}

	n := s.build(evt, eventID)
	if n == nil {
		s.log.Warnf("unknown order event type %q for order %s", evt.EventType, evt.OrderID)
		return nil
	}
	inserted, err := s.repo.InsertNotification(ctx, n)
	if err != nil {
		return fmt.Errorf("save notification %s: %w", eventID, err)
	}
	if !inserted {
		s.log.Warnf("event already processed: %s, skipping", eventID)
		return nil
	}

	if err := s.pool.Submit(ctx, "notify "+eventID, func(ctx context.Context) {
		if err := s.Dispatch(ctx, n); err != nil {
			s.log.Errorf("notification %s left FAILED: %v", eventID, err)
		}
	}); err != nil {
		// the log row exists, so redelivery would skip it; leave it visible instead
		if markErr := s.repo.MarkNotificationFailed(ctx, n.ID, "dispatch not started: "+err.Error()); markErr != nil {
			s.log.Errorf("mark notification %s failed: %v", eventID, markErr)
		}
		return nil
	}
	return nil
}

// Dispatch sends n under the retry policy. Every failed attempt is recorded
// as FAILED with retry_count bumped; success marks it SENT.
func (s *NotificationService) Dispatch(ctx context.Context, n *model.NotificationLog) error {
	sender, ok := s.senders[n.Type]
	if !ok {
		err := fmt.Errorf("no sender for channel %s", n.Type)
		if markErr := s.repo.MarkNotificationFailed(ctx, n.ID, err.Error()); markErr != nil {
			s.log.Errorf("mark notification %d failed: %v", n.ID, markErr)
		}
		return err
	}
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		if err := sender.Send(ctx, n); err != nil {
			if markErr := s.repo.MarkNotificationFailed(ctx, n.ID, err.Error()); markErr != nil {
				s.log.Errorf("mark notification %d failed: %v", n.ID, markErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.repo.MarkNotificationSent(ctx, n.ID, s.now()); err != nil {
		return fmt.Errorf("mark notification %d sent: %w", n.ID, err)
	}
	s.log.Infof("notification %s sent to %s", n.EventID, n.Recipient)
	return nil
}

func (s *NotificationService) build(evt model.OrderEvent, eventID string) *model.NotificationLog {
	var subject, body string
	switch evt.EventType {
	case model.EventOrderPaid:
		subject = "Order Confirmed - " + evt.OrderID
		body = fmt.Sprintf(orderPaidTemplate, evt.OrderID, evt.OrderID, evt.TotalAmount.StringFixed(2), evt.Currency)
	case model.EventOrderPaymentFailed:
		subject = "Payment Failed - " + evt.OrderID
		body = fmt.Sprintf(paymentFailedTemplate, evt.OrderID, evt.OrderID, evt.TotalAmount.StringFixed(2), evt.Currency)
	default:
		return nil
	}
	return &model.NotificationLog{
		EventID:   eventID,
		UserID:    evt.UserID,
		OrderID:   evt.OrderID,
		Type:      model.NotificationEmail,
		Recipient: evt.UserID + "@example.com",
		Subject:   subject,
		Content:   body,
		Status:    model.NotificationPending,
		CreatedAt: s.now(),
	}
}

const orderPaidTemplate = `Dear Customer,

Your order %s has been confirmed!

Order Details:
- Order ID: %s
- Amount: %s %s

Thank you for your purchase!
`

const paymentFailedTemplate = `Dear Customer,

We were unable to process payment for order %s.

Order Details:
- Order ID: %s
- Amount: %s %s

Please try again or contact support.
`
