package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/richardliu001/order-saga/internal/eventbus"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/richardliu001/order-saga/internal/worker"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []*model.NotificationLog
	script []error
	calls  int
}

func (s *fakeSender) Send(_ context.Context, n *model.NotificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type notificationFixture struct {
	db     *gorm.DB
	svc    *NotificationService
	sender *fakeSender
	pool   *worker.Pool
}

func newNotificationFixture(t *testing.T, script ...error) *notificationFixture {
	db := newTestDB(t)
	r := repo.NewRepository(db, nil, time.Minute, nopLog())
	sender := &fakeSender{script: script}
	pool := worker.NewPool(4, nopLog())
	svc := NewNotificationService(r, map[model.NotificationType]Sender{model.NotificationEmail: sender},
		testPolicy(nil), pool, nopLog())
	return &notificationFixture{db: db, svc: svc, sender: sender, pool: pool}
}

func paidEvent() model.OrderEvent {
	return model.OrderEvent{
		OrderID:     "ORD-1",
		UserID:      "user-1",
		EventType:   model.EventOrderPaid,
		TotalAmount: decimal.RequireFromString("20"),
		Currency:    "USD",
		Timestamp:   1700000000000,
	}
}

func notificationLogs(t *testing.T, db *gorm.DB) []model.NotificationLog {
	t.Helper()
	var logs []model.NotificationLog
	require.NoError(t, db.Order("id").Find(&logs).Error)
	return logs
}

func TestProcessEvent_SendsOrderConfirmation(t *testing.T) {
	f := newNotificationFixture(t)

	require.NoError(t, f.svc.ProcessEvent(context.Background(), paidEvent()))
	f.pool.Wait()

	logs := notificationLogs(t, f.db)
	require.Len(t, logs, 1)
	n := logs[0]
	assert.Equal(t, "ORDER_PAID-ORD-1-1700000000000", n.EventID)
	assert.Equal(t, model.NotificationSent, n.Status)
	assert.Equal(t, model.NotificationEmail, n.Type)
	assert.Equal(t, "user-1@example.com", n.Recipient)
	assert.Equal(t, "Order Confirmed - ORD-1", n.Subject)
	assert.Contains(t, n.Content, "Amount: 20.00 USD")
	assert.NotNil(t, n.SentAt)
	assert.Zero(t, n.RetryCount)
}

func TestProcessEvent_PaymentFailedTemplate(t *testing.T) {
	f := newNotificationFixture(t)
	evt := paidEvent()
	evt.EventType = model.EventOrderPaymentFailed

	require.NoError(t, f.svc.ProcessEvent(context.Background(), evt))
	f.pool.Wait()

	logs := notificationLogs(t, f.db)
	require.Len(t, logs, 1)
	assert.Equal(t, "Payment Failed - ORD-1", logs[0].Subject)
	assert.Contains(t, logs[0].Content, "unable to process payment for order ORD-1")
}

func TestProcessEvent_RedeliveryIsSkipped(t *testing.T) {
	f := newNotificationFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, paidEvent()))
	f.pool.Wait()
	require.NoError(t, f.svc.ProcessEvent(ctx, paidEvent()))
	f.pool.Wait()

	assert.Len(t, notificationLogs(t, f.db), 1)
	assert.Equal(t, 1, f.sender.Calls())
}

func TestProcessEvent_ConcurrentDuplicatesNotifyOnce(t *testing.T) {
	f := newNotificationFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.ProcessEvent(ctx, paidEvent()))
		}()
	}
	wg.Wait()
	f.pool.Wait()

	assert.Len(t, notificationLogs(t, f.db), 1)
	assert.Equal(t, 1, f.sender.Calls())
}

func TestProcessEvent_DistinctTimestampsAreDistinctEvents(t *testing.T) {
	f := newNotificationFixture(t)
	ctx := context.Background()

	first := paidEvent()
	second := paidEvent()
	second.Timestamp++
	require.NoError(t, f.svc.ProcessEvent(ctx, first))
	require.NoError(t, f.svc.ProcessEvent(ctx, second))
	f.pool.Wait()

	assert.Len(t, notificationLogs(t, f.db), 2)
}

func TestProcessEvent_UnknownTypeLeavesNoRecord(t *testing.T) {
	f := newNotificationFixture(t)
	evt := paidEvent()
	evt.EventType = "ORDER_SHIPPED"

	require.NoError(t, f.svc.ProcessEvent(context.Background(), evt))
	f.pool.Wait()
	assert.Empty(t, notificationLogs(t, f.db))
	assert.Zero(t, f.sender.Calls())
}

func TestDispatch_RetriesUntilSent(t *testing.T) {
	boom := errors.New("smtp unavailable")
	f := newNotificationFixture(t, boom, boom)

	require.NoError(t, f.svc.ProcessEvent(context.Background(), paidEvent()))
	f.pool.Wait()

	assert.Equal(t, 3, f.sender.Calls())
	n := notificationLogs(t, f.db)[0]
	assert.Equal(t, model.NotificationSent, n.Status)
	assert.Equal(t, 2, n.RetryCount)
}

func TestDispatch_ExhaustedRetriesLeaveFailed(t *testing.T) {
	boom := errors.New("smtp unavailable")
	f := newNotificationFixture(t, boom, boom, boom)

	require.NoError(t, f.svc.ProcessEvent(context.Background(), paidEvent()))
	f.pool.Wait()

	assert.Equal(t, 3, f.sender.Calls())
	n := notificationLogs(t, f.db)[0]
	assert.Equal(t, model.NotificationFailed, n.Status)
	assert.Equal(t, 3, n.RetryCount)
	require.NotNil(t, n.ErrorMessage)
	assert.Equal(t, "smtp unavailable", *n.ErrorMessage)
	assert.Nil(t, n.SentAt)
}

func TestConsumeOrderEvent(t *testing.T) {
	f := newNotificationFixture(t)
	ctx := context.Background()

	payload, err := json.Marshal(paidEvent())
	require.NoError(t, err)
	require.NoError(t, f.svc.ConsumeOrderEvent(ctx, kafka.Message{Key: []byte("ORD-1"), Value: payload}))
	f.pool.Wait()
	assert.Len(t, notificationLogs(t, f.db), 1)

	err = f.svc.ConsumeOrderEvent(ctx, kafka.Message{Value: []byte("nope")})
	assert.ErrorIs(t, err, eventbus.ErrMalformed)
}

// An order event relayed from the order store reaches the customer once,
// however many times it is delivered.
func TestSaga_PaidOrderNotifiesOnce(t *testing.T) {
	pf := newPaymentFixture(t)
	of := newOrderFixture(t, pf.svc)
	nf := newNotificationFixture(t)
	ctx := context.Background()

	order, err := of.svc.CreateOrder(ctx, orderReq())
	require.NoError(t, err)
	of.pool.Wait()
	pf.pool.Wait()
	paymentID := *loadOrder(t, of.db, order.OrderID).PaymentID
	require.NoError(t, pf.svc.HandleCallback(ctx, CallbackRequest{CallbackID: "cb-1", PaymentReference: paymentID, Status: "SUCCESS"}))
	relayPayments(t, pf, of, model.EventPaymentSuccess)

	paid := outboxEvents(t, of.db, model.EventOrderPaid)
	require.Len(t, paid, 1)
	for i := 0; i < 2; i++ {
		require.NoError(t, nf.svc.ConsumeOrderEvent(ctx, toMessage(paid[0])))
		nf.pool.Wait()
	}

	logs := notificationLogs(t, nf.db)
	require.Len(t, logs, 1)
	assert.Equal(t, order.OrderID, logs[0].OrderID)
	assert.Equal(t, model.NotificationSent, logs[0].Status)
	assert.Equal(t, 1, nf.sender.Calls())
}
