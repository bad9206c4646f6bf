package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-saga/internal/config"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/paymentclient"
	"github.com/richardliu001/order-saga/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

var noLimit = config.RateLimitConfig{}

type fakeOrders struct {
	created service.CreateOrderRequest
	orders  map[string]*model.Order
	err     error
}

func (f *fakeOrders) CreateOrder(_ context.Context, req service.CreateOrderRequest) (*model.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = req
	items, _ := json.Marshal(req.Items)
	return &model.Order{
		OrderID: "ORD-1", UserID: req.UserID, TotalAmount: service.OrderTotal(req.Items),
		Currency: req.Currency, Status: model.OrderPaymentPending, Items: string(items), Version: 1,
	}, nil
}

func (f *fakeOrders) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	if o, ok := f.orders[orderID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("%w: %s", service.ErrOrderNotFound, orderID)
}

func (f *fakeOrders) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	var out []model.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

type fakePayments struct {
	byKey       map[string]*model.Payment
	req         service.CreatePaymentRequest
	callbacks   []service.CallbackRequest
	callbackErr error
	rejected    []string
	reprocess   int
}

func (f *fakePayments) CreatePayment(_ context.Context, req service.CreatePaymentRequest) (*model.Payment, bool, error) {
	f.req = req
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key is required", service.ErrInvalidRequest)
	}
	if p, ok := f.byKey[req.IdempotencyKey]; ok {
		return p, false, nil
	}
	p := &model.Payment{
		PaymentID: "PAY-1", OrderID: req.OrderID, IdempotencyKey: req.IdempotencyKey,
		Amount: req.Amount, Currency: req.Currency, Status: model.PaymentPending, CreatedAt: time.Now(),
	}
	f.byKey[req.IdempotencyKey] = p
	return p, true, nil
}

func (f *fakePayments) GetPayment(_ context.Context, paymentID string) (*model.Payment, error) {
	for _, p := range f.byKey {
		if p.PaymentID == paymentID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", service.ErrPaymentNotFound, paymentID)
}

func (f *fakePayments) HandleCallback(_ context.Context, req service.CallbackRequest) error {
	f.callbacks = append(f.callbacks, req)
	return f.callbackErr
}

func (f *fakePayments) RecordRejectedCallback(_ context.Context, raw []byte, _ string) error {
	f.rejected = append(f.rejected, string(raw))
	return nil
}

func (f *fakePayments) ReprocessCallbacks(_ context.Context, limit int) (int, error) {
	f.reprocess = limit
	return 2, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateOrder_ReturnsPendingOrder(t *testing.T) {
	svc := &fakeOrders{}
	r := NewOrderRouter(svc, noLimit, zap.NewNop().Sugar())

	w := do(t, r, http.MethodPost, "/api/orders",
		`{"user_id":"user-1","currency":"USD","items":[{"product_id":"P1","product_name":"Widget","quantity":2,"price":"10.00"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp orderResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ORD-1", resp.OrderID)
	assert.Equal(t, "20.00", resp.TotalAmount)
	assert.Equal(t, model.OrderPaymentPending, resp.Status)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, int64(2), svc.created.Items[0].Quantity)
}

func TestCreateOrder_BadRequests(t *testing.T) {
	r := NewOrderRouter(&fakeOrders{err: fmt.Errorf("%w: currency must be 3 characters", service.ErrInvalidRequest)},
		noLimit, zap.NewNop().Sugar())

	w := do(t, r, http.MethodPost, "/api/orders", `{"user_id":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/orders", `{"user_id":"u","currency":"US","items":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "currency must be 3 characters")
}

func TestCreateOrder_InternalErrorsAreHidden(t *testing.T) {
	r := NewOrderRouter(&fakeOrders{err: errors.New("pq: connection refused")}, noLimit, zap.NewNop().Sugar())

	w := do(t, r, http.MethodPost, "/api/orders",
		`{"user_id":"u","currency":"USD","items":[{"product_id":"P1","quantity":1,"price":"1"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestGetOrder(t *testing.T) {
	pid := "PAY-1"
	svc := &fakeOrders{orders: map[string]*model.Order{
		"ORD-1": {OrderID: "ORD-1", UserID: "user-1", TotalAmount: decimal.RequireFromString("20"), Currency: "USD", Status: model.OrderPaid, PaymentID: &pid},
		"ORD-2": {OrderID: "ORD-2", UserID: "user-1", TotalAmount: decimal.RequireFromString("5"), Currency: "USD", Status: model.OrderPaymentFailed},
	}}
	r := NewOrderRouter(svc, noLimit, zap.NewNop().Sugar())

	w := do(t, r, http.MethodGet, "/api/orders/ORD-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp orderResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.OrderPaid, resp.Status)
	assert.Equal(t, "PAY-1", *resp.PaymentID)

	w = do(t, r, http.MethodGet, "/api/orders/ORD-404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/orders/user/user-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []orderResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

func TestHealth(t *testing.T) {
	r := NewOrderRouter(&fakeOrders{}, noLimit, zap.NewNop().Sugar())
	w := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"UP","service":"order-service"}`, w.Body.String())
}

func TestCreatePayment_CreatedThenReplayed(t *testing.T) {
	svc := &fakePayments{byKey: map[string]*model.Payment{}}
	r := NewPaymentRouter(svc, noLimit, zap.NewNop().Sugar())
	body := `{"order_id":"ORD-1","amount":"20.00","currency":"USD"}`

	w := do(t, r, http.MethodPost, "/api/payments", body, "Idempotency-Key", "PAY-IDEMPOTENCY-ORD-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first paymentclient.PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.False(t, first.Replayed)
	assert.Equal(t, "PAY-IDEMPOTENCY-ORD-1", svc.req.IdempotencyKey)
	assert.True(t, decimal.RequireFromString("20").Equal(svc.req.Amount))

	w = do(t, r, http.MethodPost, "/api/payments", body, "Idempotency-Key", "PAY-IDEMPOTENCY-ORD-1")
	require.Equal(t, http.StatusOK, w.Code)
	var again paymentclient.PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.True(t, again.Replayed)
	assert.Equal(t, first.PaymentID, again.PaymentID)
}

func TestCreatePayment_KeyFromBodyOrMissing(t *testing.T) {
	svc := &fakePayments{byKey: map[string]*model.Payment{}}
	r := NewPaymentRouter(svc, noLimit, zap.NewNop().Sugar())

	w := do(t, r, http.MethodPost, "/api/payments", `{"order_id":"ORD-1","amount":"1","currency":"USD","idempotency_key":"k-1"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "k-1", svc.req.IdempotencyKey)

	w = do(t, r, http.MethodPost, "/api/payments", `{"order_id":"ORD-2","amount":"1","currency":"USD"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPayment(t *testing.T) {
	svc := &fakePayments{byKey: map[string]*model.Payment{
		"k": {PaymentID: "PAY-9", OrderID: "ORD-9", Amount: decimal.RequireFromString("3"), Currency: "EUR", Status: model.PaymentSuccess},
	}}
	r := NewPaymentRouter(svc, noLimit, zap.NewNop().Sugar())

	w := do(t, r, http.MethodGet, "/api/payments/PAY-9", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp paymentclient.PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "SUCCESS", resp.Status)

	w = do(t, r, http.MethodGet, "/api/payments/PAY-0", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallback_AlwaysAnswersOK(t *testing.T) {
	svc := &fakePayments{byKey: map[string]*model.Payment{}}
	r := NewPaymentRouter(svc, noLimit, zap.NewNop().Sugar())
	body := `{"callbackId":"cb-1","paymentReference":"PAY-1","status":"SUCCESS","transactionId":"TX-1"}`

	w := do(t, r, http.MethodPost, "/api/payments/callback", body)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.callbacks, 1)
	assert.Equal(t, "cb-1", svc.callbacks[0].CallbackID)
	assert.Equal(t, "TX-1", *svc.callbacks[0].TransactionID)
	assert.Equal(t, body, string(svc.callbacks[0].Raw))

	svc.callbackErr = errors.New("db down")
	w = do(t, r, http.MethodPost, "/api/payments/callback", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "recorded")

	w = do(t, r, http.MethodPost, "/api/payments/callback", `garbage`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, svc.callbacks, 2)
	assert.Equal(t, []string{"garbage"}, svc.rejected)
}

func TestCallback_IsNotRateLimited(t *testing.T) {
	svc := &fakePayments{byKey: map[string]*model.Payment{}}
	r := NewPaymentRouter(svc, config.RateLimitConfig{RPS: 1, Burst: 1}, zap.NewNop().Sugar())
	body := `{"callbackId":"cb-1","paymentReference":"PAY-1","status":"SUCCESS"}`

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		codes = append(codes, do(t, r, http.MethodPost, "/api/payments/callback", body).Code)
	}
	assert.Equal(t, []int{200, 200, 200, 200, 200}, codes)
	assert.Len(t, svc.callbacks, 5)

	// the public API behind it is still limited
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/payments/PAY-0", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, r, http.MethodGet, "/api/payments/PAY-0", "").Code)
}

func TestReprocessCallbacks(t *testing.T) {
	svc := &fakePayments{byKey: map[string]*model.Payment{}}
	r := NewPaymentRouter(svc, noLimit, zap.NewNop().Sugar())

	w := do(t, r, http.MethodPost, "/internal/callbacks/reprocess?limit=25", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reprocessed":2}`, w.Body.String())
	assert.Equal(t, 25, svc.reprocess)

	w = do(t, r, http.MethodPost, "/internal/callbacks/reprocess?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	r := NewOrderRouter(&fakeOrders{}, config.RateLimitConfig{RPS: 1, Burst: 2}, zap.NewNop().Sugar())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, r, http.MethodGet, "/api/orders/ORD-404", "").Code)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "").Code)
}
