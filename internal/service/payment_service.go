package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/order-saga/internal/gateway"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/richardliu001/order-saga/internal/resilience"
	"github.com/richardliu001/order-saga/internal/worker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GatewayClient submits charges to the external gateway.
type GatewayClient interface {
	Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResponse, error)
}

type CreatePaymentRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type CallbackRequest struct {
	CallbackID       string  `json:"callbackId"`
	PaymentReference string  `json:"paymentReference"`
	Status           string  `json:"status"`
	TransactionID    *string `json:"transactionId,omitempty"`
	FailureReason    *string `json:"failureReason,omitempty"`
	Signature        string  `json:"signature,omitempty"`
	// Raw is the delivery body as received; it is stored instead of a re-encoding when set.
	Raw []byte `json:"-"`
}

// PaymentService owns the payment lifecycle.
type PaymentService struct {
	repo        repo.PaymentRepository
	gateway     GatewayClient
	guard       *resilience.Guard
	pool        *worker.Pool
	topic       string
	callbackURL string
	log         *zap.SugaredLogger
	now         func() time.Time
}

// NewPaymentService returns PaymentService. topic is where payment events are published.
func NewPaymentService(r repo.PaymentRepository, gw GatewayClient, guard *resilience.Guard, pool *worker.Pool,
	topic, callbackURL string, logger *zap.SugaredLogger) *PaymentService {
	return &PaymentService{
		repo: r, gateway: gw, guard: guard, pool: pool,
		topic: topic, callbackURL: callbackURL, log: logger, now: time.Now,
	}
}

// CreatePayment returns the payment for req.IdempotencyKey, creating it on first sight.
// created is true only for the call that inserted the row; only that call
// schedules a gateway submission.
func (s *PaymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*model.Payment, bool, error) {
	if err := validatePayment(req); err != nil {
		return nil, false, err
	}
	var (
		payment *model.Payment
		created bool
	)
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		existed, p, err := s.repo.PaymentExists(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existed {
			payment = p
			return nil
		}
		now := s.now()
		p = &model.Payment{
			PaymentID:      "PAY-" + uuid.NewString(),
			OrderID:        req.OrderID,
			IdempotencyKey: req.IdempotencyKey,
			Amount:         req.Amount,
			Currency:       strings.ToUpper(req.Currency),
			Status:         model.PaymentPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := s.repo.InsertPayment(ctx, tx, p)
		if err != nil {
			return err
		}
		if !inserted {
			// lost the race to a concurrent request with the same key
			_, payment, err = s.repo.PaymentExists(ctx, tx, req.IdempotencyKey)
			return err
		}
		payment, created = p, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create payment: %w", err)
	}
	if payment == nil {
		return nil, false, fmt.Errorf("create payment: key %s vanished", req.IdempotencyKey)
	}
	if !created {
		s.log.Warnf("duplicate payment request idempotencyKey=%s paymentId=%s", req.IdempotencyKey, payment.PaymentID)
		return payment, false, nil
	}

	s.log.Infof("payment created paymentId=%s orderId=%s", payment.PaymentID, payment.OrderID)
	s.scheduleSubmit(ctx, payment.PaymentID)
	return payment, true, nil
}

func (s *PaymentService) scheduleSubmit(ctx context.Context, paymentID string) {
	err := s.pool.Submit(ctx, "submit "+paymentID, func(ctx context.Context) {
		if err := s.SubmitToGateway(ctx, paymentID); err != nil {
			s.log.Errorf("submit payment %s: %v", paymentID, err)
		}
	})
	if err != nil {
		// stays PENDING; ResumePending picks it up
		s.log.Errorf("schedule payment %s: %v", paymentID, err)
	}
}

// SubmitToGateway moves a PENDING payment to PROCESSING and charges it through
// the guarded gateway. Success only records the gateway reference: settlement
// is decided by the callback. Exhausted retries or an open circuit fail the payment.
func (s *PaymentService) SubmitToGateway(ctx context.Context, paymentID string) error {
	var payment *model.Payment
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		p, err := s.repo.GetPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != model.PaymentPending {
			return nil
		}
		old := p.Version
		p.Status = model.PaymentProcessing
		p.Version++
		p.UpdatedAt = s.now()
		if err := s.repo.UpdatePayment(ctx, tx, p, old); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if payment == nil {
		s.log.Warnf("payment %s already submitted, skipping", paymentID)
		return nil
	}

	var resp *gateway.ChargeResponse
	callErr := s.guard.Do(ctx, func(ctx context.Context) error {
		r, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
			PaymentReference: payment.PaymentID,
			Amount:           payment.Amount,
			Currency:         payment.Currency,
			CallbackURL:      s.callbackURL,
		})
		resp = r
		return err
	})
	if callErr != nil {
		s.log.Errorf("gateway charge failed paymentId=%s: %v", paymentID, callErr)
		if err := s.failPayment(ctx, paymentID, callErr.Error()); err != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, callErr)
	}

	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		p, err := s.repo.GetPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.GatewayReference != nil || resp.TransactionID == "" {
			return nil
		}
		old := p.Version
		ref := resp.TransactionID
		p.GatewayReference = &ref
		p.Version++
		p.UpdatedAt = s.now()
		if err := s.repo.UpdatePayment(ctx, tx, p, old); err != nil {
			return err
		}
		s.log.Infof("payment sent to gateway paymentId=%s gatewayRef=%s", paymentID, ref)
		return nil
	})
}

func (s *PaymentService) failPayment(ctx context.Context, paymentID, reason string) error {
	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		p, err := s.repo.GetPaymentForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != model.PaymentProcessing {
			// a callback settled it while we were retrying
			s.log.Warnf("payment %s is %s, not failing it", paymentID, p.Status)
			return nil
		}
		old := p.Version
		p.Status = model.PaymentFailed
		p.FailureReason = &reason
		p.Version++
		p.UpdatedAt = s.now()
		if err := s.repo.UpdatePayment(ctx, tx, p, old); err != nil {
			return err
		}
		return s.emit(ctx, tx, p, model.EventPaymentFailed)
	})
}

// HandleCallback absorbs one gateway webhook delivery. The callback is
// recorded in its own transaction before anything else happens, so a later
// failure leaves it recorded and unprocessed for ReprocessCallbacks.
func (s *PaymentService) HandleCallback(ctx context.Context, req CallbackRequest) error {
	raw := req.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(req)
	}
	if req.CallbackID == "" || req.PaymentReference == "" || req.Status == "" {
		const reason = "callbackId, paymentReference and status are required"
		if err := s.RecordRejectedCallback(ctx, raw, reason); err != nil {
			s.log.Errorf("record rejected callback: %v", err)
		}
		return fmt.Errorf("%w: %s", ErrInvalidRequest, reason)
	}
	cb := &model.PaymentCallback{
		CallbackID:       req.CallbackID,
		PaymentReference: req.PaymentReference,
		Status:           req.Status,
		TransactionID:    req.TransactionID,
		FailureReason:    req.FailureReason,
		RawPayload:       string(raw),
		ReceivedAt:       s.now(),
	}
	var inserted bool
	err := s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		inserted, err = s.repo.InsertCallback(ctx, tx, cb)
		return err
	})
	if err != nil {
		return fmt.Errorf("record callback: %w", err)
	}
	if !inserted {
		s.log.Warnf("duplicate callback %s ignored", req.CallbackID)
		return nil
	}
	return s.applyCallback(ctx, req.CallbackID)
}

// RecordRejectedCallback keeps a delivery that cannot be processed, body as
// received, so it can be inspected and replayed by hand.
func (s *PaymentService) RecordRejectedCallback(ctx context.Context, raw []byte, reason string) error {
	cb := &model.PaymentCallback{
		CallbackID:   "REJECTED-" + uuid.NewString(),
		RawPayload:   string(raw),
		RejectReason: &reason,
		ReceivedAt:   s.now(),
	}
	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		_, err := s.repo.InsertCallback(ctx, tx, cb)
		return err
	})
}

// ReprocessCallbacks replays recorded callbacks that never finished processing.
func (s *PaymentService) ReprocessCallbacks(ctx context.Context, limit int) (int, error) {
	pending, err := s.repo.ListUnprocessedCallbacks(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed callbacks: %w", err)
	}
	done := 0
	for _, cb := range pending {
		if err := s.applyCallback(ctx, cb.CallbackID); err != nil {
			s.log.Errorf("reprocess callback %s: %v", cb.CallbackID, err)
			continue
		}
		done++
	}
	return done, nil
}

func (s *PaymentService) applyCallback(ctx context.Context, callbackID string) error {
	return s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		cb, err := s.repo.GetCallbackForUpdate(ctx, tx, callbackID)
		if err != nil {
			return err
		}
		if cb.Processed {
			return nil
		}
		p, err := s.repo.GetPaymentForUpdate(ctx, tx, cb.PaymentReference)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("callback %s: %w: %s", callbackID, ErrPaymentNotFound, cb.PaymentReference)
		}
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			s.log.Warnf("payment %s already %s, callback %s ignored", p.PaymentID, p.Status, callbackID)
			return s.repo.MarkCallbackProcessed(ctx, tx, cb.ID)
		}

		newStatus := MapGatewayStatus(cb.Status)
		prev := p.Status
		if newStatus == model.PaymentProcessing && prev != model.PaymentPending {
			// an in-flight report never moves a payment backwards
			newStatus = prev
		}
		old := p.Version
		p.Status = newStatus
		if cb.TransactionID != nil {
			p.GatewayReference = cb.TransactionID
		}
		if cb.FailureReason != nil {
			p.FailureReason = cb.FailureReason
		}
		p.Version++
		p.UpdatedAt = s.now()
		if err := s.repo.UpdatePayment(ctx, tx, p, old); err != nil {
			return err
		}
		if err := s.repo.MarkCallbackProcessed(ctx, tx, cb.ID); err != nil {
			return err
		}
		s.log.Infof("payment %s %s -> %s by callback %s", p.PaymentID, prev, newStatus, callbackID)

		if newStatus == prev {
			return nil
		}
		switch newStatus {
		case model.PaymentSuccess:
			return s.emit(ctx, tx, p, model.EventPaymentSuccess)
		case model.PaymentFailed:
			return s.emit(ctx, tx, p, model.EventPaymentFailed)
		}
		return nil
	})
}

// ResumePending submits payments left PENDING by a crash between insert and hand-off.
func (s *PaymentService) ResumePending(ctx context.Context, limit int) (int, error) {
	pending, err := s.repo.ListPaymentsByStatus(ctx, model.PaymentPending, limit)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		s.scheduleSubmit(ctx, p.PaymentID)
	}
	return len(pending), nil
}

// GetPayment returns payment by id.
func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	return p, err
}

func (s *PaymentService) emit(ctx context.Context, tx *gorm.DB, p *model.Payment, eventType string) error {
	version := p.Version
	payload, err := json.Marshal(model.PaymentEvent{
		PaymentID: p.PaymentID,
		OrderID:   p.OrderID,
		EventType: eventType,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Timestamp: s.now().UnixMilli(),
		Version:   &version,
	})
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Topic:        s.topic,
		PartitionKey: p.PaymentID,
		EventType:    eventType,
		Payload:      string(payload),
		CreatedAt:    s.now(),
	})
}

// MapGatewayStatus maps the gateway's status vocabulary onto PaymentStatus.
func MapGatewayStatus(status string) model.PaymentStatus {
	switch strings.ToUpper(status) {
	case "SUCCESS", "COMPLETED":
		return model.PaymentSuccess
	case "FAILED", "DECLINED":
		return model.PaymentFailed
	}
	return model.PaymentProcessing
}

func validatePayment(req CreatePaymentRequest) error {
	switch {
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	case req.OrderID == "":
		return fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case len(req.Currency) != 3:
		return fmt.Errorf("%w: currency must be 3 characters", ErrInvalidRequest)
	}
	return nil
}
