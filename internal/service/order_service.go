package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/paymentclient"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/richardliu001/order-saga/internal/resilience"
	"github.com/richardliu001/order-saga/internal/worker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PaymentInitiator asks the payment service for a charge.
type PaymentInitiator interface {
	CreatePayment(ctx context.Context, req paymentclient.CreatePaymentRequest) (*paymentclient.PaymentResponse, error)
}

type CreateOrderRequest struct {
	UserID   string
	Items    []model.OrderItem
	Currency string
}

// OrderService coordinates the order side of the payment saga.
type OrderService struct {
	repo     repo.OrderRepository
	payments PaymentInitiator
	guard    *resilience.Guard
	pool     *worker.Pool
	topic    string
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewOrderService returns OrderService. topic is where order events are published.
func NewOrderService(r repo.OrderRepository, payments PaymentInitiator, guard *resilience.Guard, pool *worker.Pool,
	topic string, logger *zap.SugaredLogger) *OrderService {
	return &OrderService{repo: r, payments: payments, guard: guard, pool: pool, topic: topic, log: logger, now: time.Now}
}

// PaymentIdempotencyKey is the key every payment attempt for orderID carries.
func PaymentIdempotencyKey(orderID string) string {
	return "PAY-IDEMPOTENCY-" + orderID
}

// OrderTotal sums price x quantity in exact decimal arithmetic.
func OrderTotal(items []model.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(it.Quantity)))
	}
	return total
}

// CreateOrder stores the order, moves it to PAYMENT_PENDING and hands payment
// initiation to the worker pool. The returned order is in PAYMENT_PENDING.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*model.Order, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}
	items, err := json.Marshal(req.Items)
	if err != nil {
		return nil, fmt.Errorf("serialize items: %w", err)
	}

	now := s.now()
	order := &model.Order{
		OrderID:     "ORD-" + uuid.NewString(),
		UserID:      req.UserID,
		TotalAmount: OrderTotal(req.Items),
		Currency:    strings.ToUpper(req.Currency),
		Status:      model.OrderCreated,
		Items:       string(items),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.repo.CreateOrder(ctx, tx, order); err != nil {
			return err
		}
		return s.transition(ctx, tx, order, model.OrderPaymentPending)
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.log.Infof("order created orderId=%s userId=%s total=%s %s", order.OrderID, order.UserID, order.TotalAmount, order.Currency)

	s.scheduleInitiate(ctx, order.OrderID)
	return order, nil
}

func (s *OrderService) scheduleInitiate(ctx context.Context, orderID string) {
	err := s.pool.Submit(ctx, "initiate "+orderID, func(ctx context.Context) {
		if err := s.InitiatePayment(ctx, orderID); err != nil {
			s.log.Errorf("initiate payment for order %s: %v", orderID, err)
		}
	})
	if err != nil {
		s.log.Errorf("schedule payment for order %s: %v", orderID, err)
	}
}

// InitiatePayment asks the payment service to charge a PAYMENT_PENDING order.
// The idempotency key comes from the order id, so repeating this never charges twice.
func (s *OrderService) InitiatePayment(ctx context.Context, orderID string) error {
	order, err := s.repo.GetOrder(ctx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return err
	}
	if order.Status != model.OrderPaymentPending {
		return nil
	}

	var resp *paymentclient.PaymentResponse
	callErr := s.guard.Do(ctx, func(ctx context.Context) error {
		r, err := s.payments.CreatePayment(ctx, paymentclient.CreatePaymentRequest{
			OrderID:        order.OrderID,
			Amount:         order.TotalAmount,
			Currency:       order.Currency,
			IdempotencyKey: PaymentIdempotencyKey(order.OrderID),
		})
		resp = r
		return err
	})

	err = s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		o, err := s.repo.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if callErr != nil {
			if o.Status != model.OrderPaymentPending {
				return nil
			}
			if err := s.transition(ctx, tx, o, model.OrderPaymentFailed); err != nil {
				return err
			}
			return s.emit(ctx, tx, o, model.EventOrderPaymentFailed)
		}
		if o.PaymentID != nil {
			return nil
		}
		id := resp.PaymentID
		o.PaymentID = &id
		if o.Status == model.OrderPaymentPending {
			return s.transition(ctx, tx, o, model.OrderPaymentProcessing)
		}
		return s.save(ctx, tx, o)
	})
	if err != nil {
		return fmt.Errorf("record payment initiation: %w", err)
	}
	if callErr != nil {
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, callErr)
	}
	s.log.Infof("payment initiated orderId=%s paymentId=%s replayed=%t", orderID, resp.PaymentID, resp.Replayed)
	return nil
}

// HandlePaymentEvent applies a payment outcome to its order. Duplicates,
// stale events and events for unknown orders are logged and dropped; only
// unexpected errors are returned, so the caller withholds the acknowledgment.
func (s *OrderService) HandlePaymentEvent(ctx context.Context, evt model.PaymentEvent) error {
	var target model.OrderStatus
	var orderEvent string
	switch evt.EventType {
	case model.EventPaymentSuccess:
		target, orderEvent = model.OrderPaid, model.EventOrderPaid
	case model.EventPaymentFailed:
		target, orderEvent = model.OrderPaymentFailed, model.EventOrderPaymentFailed
	default:
		s.log.Warnf("unknown payment event type %q for payment %s", evt.EventType, evt.PaymentID)
		return nil
	}

	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		orderID, err := s.resolveOrder(ctx, tx, evt)
		if err != nil {
			return err
		}
		if orderID == "" {
			s.log.Warnf("no order found for payment %s", evt.PaymentID)
			return nil
		}
		o, err := s.repo.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentID != nil && *o.PaymentID != evt.PaymentID {
			s.log.Warnf("order %s belongs to payment %s, ignoring event for %s", o.OrderID, *o.PaymentID, evt.PaymentID)
			return nil
		}
		if evt.Version != nil && o.PaymentVersion >= *evt.Version {
			s.log.Warnf("ignoring stale payment event order=%s appliedVersion=%d eventVersion=%d",
				o.OrderID, o.PaymentVersion, *evt.Version)
			return nil
		}
		if o.Status == target {
			return nil
		}
		if !o.Status.CanTransition(target) {
			s.log.Warnf("order %s is %s, ignoring %s", o.OrderID, o.Status, evt.EventType)
			return nil
		}

		if o.PaymentID == nil {
			id := evt.PaymentID
			o.PaymentID = &id
		}
		if evt.Version != nil {
			o.PaymentVersion = *evt.Version
		}
		if err := s.transition(ctx, tx, o, target); err != nil {
			return err
		}
		s.log.Infof("order %s marked %s", o.OrderID, target)
		return s.emit(ctx, tx, o, orderEvent)
	})
}

// resolveOrder finds the order by payment id, falling back to the event's
// order id when the payment id has not been recorded on the order yet.
func (s *OrderService) resolveOrder(ctx context.Context, tx *gorm.DB, evt model.PaymentEvent) (string, error) {
	o, err := s.repo.FindOrderByPaymentID(ctx, tx, evt.PaymentID)
	if err == nil {
		return o.OrderID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	if evt.OrderID == "" {
		return "", nil
	}
	var probe model.Order
	err = tx.WithContext(ctx).Select("order_id").Where("order_id = ?", evt.OrderID).First(&probe).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return probe.OrderID, err
}

// ResumePending re-schedules payment initiation for orders stuck in PAYMENT_PENDING.
func (s *OrderService) ResumePending(ctx context.Context, limit int) (int, error) {
	orders, err := s.repo.ListOrdersByStatus(ctx, model.OrderPaymentPending, limit)
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		s.scheduleInitiate(ctx, o.OrderID)
	}
	return len(orders), nil
}

// GetOrder returns order by id.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o, err
}

// ListOrdersByUser returns every order of a user.
func (s *OrderService) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

func (s *OrderService) transition(ctx context.Context, tx *gorm.DB, o *model.Order, to model.OrderStatus) error {
	if !o.Status.CanTransition(to) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.OrderID, o.Status, to)
	}
	o.Status = to
	return s.save(ctx, tx, o)
}

func (s *OrderService) save(ctx context.Context, tx *gorm.DB, o *model.Order) error {
	old := o.Version
	o.Version++
	o.UpdatedAt = s.now()
	return s.repo.UpdateOrder(ctx, tx, o, old)
}

func (s *OrderService) emit(ctx context.Context, tx *gorm.DB, o *model.Order, eventType string) error {
	payload, err := json.Marshal(model.OrderEvent{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		EventType:   eventType,
		TotalAmount: o.TotalAmount,
		Currency:    o.Currency,
		Timestamp:   s.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Topic:        s.topic,
		PartitionKey: o.OrderID,
		EventType:    eventType,
		Payload:      string(payload),
		CreatedAt:    s.now(),
	})
}

func validateOrder(req CreateOrderRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: order items cannot be empty", ErrInvalidRequest)
	}
	if len(req.Currency) != 3 {
		return fmt.Errorf("%w: currency must be 3 characters", ErrInvalidRequest)
	}
	for i, it := range req.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", ErrInvalidRequest, i)
		}
		if !it.Price.IsPositive() {
			return fmt.Errorf("%w: item %d price must be positive", ErrInvalidRequest, i)
		}
	}
	return nil
}
