package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chargeReq() ChargeRequest {
	return ChargeRequest{
		PaymentReference: "PAY-1", Amount: decimal.RequireFromString("20.00"),
		Currency: "USD", CallbackURL: "http://cb",
	}
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var ge *Error
	require.True(t, errors.As(err, &ge), "expected *gateway.Error, got %v", err)
	return ge.Kind
}

func TestCharge_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/charge", r.URL.Path)
		var req ChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "PAY-1", req.PaymentReference)
		assert.True(t, req.Amount.Equal(decimal.NewFromInt(20)))
		_ = json.NewEncoder(w).Encode(ChargeResponse{TransactionID: "TX-9", Status: "ACCEPTED"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Second)
	resp, err := c.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "TX-9", resp.TransactionID)
}

func TestCharge_ReadTimeoutIsClassifiedAsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, time.Second, 20*time.Millisecond)
	_, err := c.Charge(context.Background(), chargeReq())
	assert.Equal(t, KindTimeout, kindOf(t, err))
	assert.True(t, Transient(err))
}

func TestCharge_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, time.Second).Charge(context.Background(), chargeReq())
	assert.Equal(t, KindServer, kindOf(t, err))
	assert.True(t, Transient(err))
}

func TestCharge_DeclineIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ChargeResponse{Status: "DECLINED"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, time.Second).Charge(context.Background(), chargeReq())
	assert.Equal(t, KindDeclined, kindOf(t, err))
	assert.False(t, Transient(err))
}

func TestCharge_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, 100*time.Millisecond, time.Second).Charge(context.Background(), chargeReq())
	assert.Equal(t, KindConnection, kindOf(t, err))
}
