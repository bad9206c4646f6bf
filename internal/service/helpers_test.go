package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/order-saga/internal/gateway"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/paymentclient"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/richardliu001/order-saga/internal/resilience"
	"github.com/richardliu001/order-saga/internal/worker"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	paymentTopic = "payment-events"
	orderTopic   = "order-events"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.Order{}, &model.Payment{}, &model.PaymentCallback{},
		&model.NotificationLog{}, &model.OutboxEvent{},
	))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func nopLog() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy(retryable func(error) bool) *resilience.Policy {
	p := resilience.NewPolicy(3, time.Millisecond)
	p.Retryable = retryable
	p.Sleep = noSleep
	return p
}

func testBreaker() *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerSettings{
		Name: "test", WindowSize: 10, FailureRateThreshold: 50, OpenDuration: time.Minute, HalfOpenCalls: 3,
	})
}

// fakeGateway answers charges from a script; once the script runs out it accepts.
type fakeGateway struct {
	mu     sync.Mutex
	calls  int
	script []error
}

func (g *fakeGateway) Charge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.script) > 0 {
		err := g.script[0]
		g.script = g.script[1:]
		if err != nil {
			return nil, err
		}
	}
	return &gateway.ChargeResponse{TransactionID: "TX-" + req.PaymentReference, Status: "ACCEPTED"}, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func timeoutErr() error { return &gateway.Error{Kind: gateway.KindTimeout, Msg: "read timed out"} }

type paymentFixture struct {
	db      *gorm.DB
	svc     *PaymentService
	gateway *fakeGateway
	pool    *worker.Pool
	breaker *resilience.Breaker
}

func newPaymentFixture(t *testing.T, script ...error) *paymentFixture {
	db := newTestDB(t)
	r := repo.NewRepository(db, nil, time.Minute, nopLog())
	gw := &fakeGateway{script: script}
	pool := worker.NewPool(4, nopLog())
	b := testBreaker()
	guard := resilience.NewGuard(testPolicy(gateway.Transient), b)
	svc := NewPaymentService(r, gw, guard, pool, paymentTopic, "http://cb", nopLog())
	return &paymentFixture{db: db, svc: svc, gateway: gw, pool: pool, breaker: b}
}

// inProcessPayments lets the order service call a PaymentService directly.
// errs are returned, one per call, before the real service is reached.
type inProcessPayments struct {
	svc  *PaymentService
	mu   sync.Mutex
	errs []error
	hits int
}

func (p *inProcessPayments) Hits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits
}

func (p *inProcessPayments) CreatePayment(ctx context.Context, req paymentclient.CreatePaymentRequest) (*paymentclient.PaymentResponse, error) {
	p.mu.Lock()
	p.hits++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	p.mu.Unlock()

	pay, created, err := p.svc.CreatePayment(ctx, CreatePaymentRequest{
		OrderID: req.OrderID, Amount: req.Amount, Currency: req.Currency, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &paymentclient.PaymentResponse{
		PaymentID: pay.PaymentID, OrderID: pay.OrderID, Amount: pay.Amount,
		Currency: pay.Currency, Status: string(pay.Status), Replayed: !created,
	}, nil
}

type orderFixture struct {
	db       *gorm.DB
	svc      *OrderService
	pool     *worker.Pool
	payments *inProcessPayments
}

func newOrderFixture(t *testing.T, payments *PaymentService, initErrs ...error) *orderFixture {
	db := newTestDB(t)
	r := repo.NewRepository(db, nil, time.Minute, nopLog())
	pool := worker.NewPool(4, nopLog())
	initiator := &inProcessPayments{svc: payments, errs: initErrs}
	guard := resilience.NewGuard(testPolicy(func(err error) bool {
		return errors.Is(err, paymentclient.ErrUnavailable)
	}), testBreaker())
	svc := NewOrderService(r, initiator, guard, pool, orderTopic, nopLog())
	return &orderFixture{db: db, svc: svc, pool: pool, payments: initiator}
}

func outboxEvents(t *testing.T, db *gorm.DB, eventType string) []model.OutboxEvent {
	t.Helper()
	var evts []model.OutboxEvent
	require.NoError(t, db.Where("event_type = ?", eventType).Order("id").Find(&evts).Error)
	return evts
}

func toMessage(evt model.OutboxEvent) kafka.Message {
	return kafka.Message{Topic: evt.Topic, Key: []byte(evt.PartitionKey), Value: []byte(evt.Payload)}
}

func loadPayment(t *testing.T, db *gorm.DB, paymentID string) model.Payment {
	t.Helper()
	var p model.Payment
	require.NoError(t, db.Where("payment_id = ?", paymentID).First(&p).Error)
	return p
}

func loadOrder(t *testing.T, db *gorm.DB, orderID string) model.Order {
	t.Helper()
	var o model.Order
	require.NoError(t, db.Where("order_id = ?", orderID).First(&o).Error)
	return o
}
