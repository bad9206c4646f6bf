package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/paymentclient"
	"github.com/richardliu001/order-saga/internal/service"
	"go.uber.org/zap"
)

// PaymentAPI is the part of service.PaymentService the payment routes need.
type PaymentAPI interface {
	CreatePayment(ctx context.Context, req service.CreatePaymentRequest) (*model.Payment, bool, error)
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	HandleCallback(ctx context.Context, req service.CallbackRequest) error
	RecordRejectedCallback(ctx context.Context, raw []byte, reason string) error
	ReprocessCallbacks(ctx context.Context, limit int) (int, error)
}

// RegisterPaymentHandlers puts the public API on r and the gateway webhook on
// webhooks, which must not be rate limited: the gateway is always answered 200.
func RegisterPaymentHandlers(r, webhooks gin.IRouter, svc PaymentAPI, log *zap.SugaredLogger) {
	api := r.Group("/api/payments")
	{
		api.POST("", createPaymentHandler(svc))
		api.GET("/:paymentId", getPaymentHandler(svc))
	}
	webhooks.POST("/api/payments/callback", callbackHandler(svc, log))
	r.POST("/internal/callbacks/reprocess", reprocessHandler(svc))
}

func toPaymentResp(p *model.Payment, replayed bool) paymentclient.PaymentResponse {
	return paymentclient.PaymentResponse{
		PaymentID:        p.PaymentID,
		OrderID:          p.OrderID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Status:           string(p.Status),
		GatewayReference: p.GatewayReference,
		FailureReason:    p.FailureReason,
		CreatedAt:        p.CreatedAt,
		Replayed:         replayed,
	}
}

// createPaymentHandler answers 201 for a new payment and 200 for a replayed key.
func createPaymentHandler(svc PaymentAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req paymentclient.CreatePaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if key := c.GetHeader(idempotencyHeader); key != "" {
			req.IdempotencyKey = key
		}
		p, created, err := svc.CreatePayment(c.Request.Context(), service.CreatePaymentRequest{
			OrderID:        req.OrderID,
			Amount:         req.Amount,
			Currency:       req.Currency,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, toPaymentResp(p, !created))
	}
}

func getPaymentHandler(svc PaymentAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.GetPayment(c.Request.Context(), c.Param("paymentId"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toPaymentResp(p, false))
	}
}

// callbackHandler always answers 200 so the gateway does not retry-storm us.
// Every delivery is stored with its body as received; failures stay in the
// callback table for ReprocessCallbacks or manual follow-up.
func callbackHandler(svc PaymentAPI, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		raw, err := c.GetRawData()
		if err != nil {
			log.Errorf("read payment callback body: %v", err)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		var req service.CallbackRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			log.Warnf("unreadable payment callback: %v", err)
			if err := svc.RecordRejectedCallback(ctx, raw, "unreadable body: "+err.Error()); err != nil {
				log.Errorf("record rejected callback: %v", err)
			}
			c.JSON(http.StatusOK, gin.H{"status": "rejected"})
			return
		}
		req.Raw = raw
		if err := svc.HandleCallback(ctx, req); err != nil {
			log.Errorf("callback %s for payment %s not processed: %v", req.CallbackID, req.PaymentReference, err)
			status := "recorded"
			if errors.Is(err, service.ErrInvalidRequest) {
				status = "rejected"
			}
			c.JSON(http.StatusOK, gin.H{"status": status})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "processed"})
	}
}

func reprocessHandler(svc PaymentAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		n, err := svc.ReprocessCallbacks(c.Request.Context(), limit)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reprocessed": n})
	}
}
