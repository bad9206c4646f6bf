package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

// OrderAPI is the part of service.OrderService the order routes need.
type OrderAPI interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*model.Order, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
}

func RegisterOrderHandlers(r gin.IRouter, svc OrderAPI) {
	api := r.Group("/api/orders")
	{
		api.POST("", createOrderHandler(svc))
		api.GET("/:orderId", getOrderHandler(svc))
		api.GET("/user/:userId", listUserOrdersHandler(svc))
	}
}

type createOrderReq struct {
	UserID   string            `json:"user_id" binding:"required"`
	Items    []model.OrderItem `json:"items" binding:"required"`
	Currency string            `json:"currency" binding:"required"`
}

type orderResp struct {
	OrderID     string            `json:"order_id"`
	UserID      string            `json:"user_id"`
	TotalAmount string            `json:"total_amount"`
	Currency    string            `json:"currency"`
	Status      model.OrderStatus `json:"status"`
	PaymentID   *string           `json:"payment_id,omitempty"`
	Items       []model.OrderItem `json:"items,omitempty"`
	Version     uint64            `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func toOrderResp(o *model.Order) orderResp {
	items, _ := o.DecodeItems()
	return orderResp{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		TotalAmount: o.TotalAmount.StringFixed(2),
		Currency:    o.Currency,
		Status:      o.Status,
		PaymentID:   o.PaymentID,
		Items:       items,
		Version:     o.Version,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func createOrderHandler(svc OrderAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrderReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		o, err := svc.CreateOrder(c.Request.Context(), service.CreateOrderRequest{
			UserID: req.UserID, Items: req.Items, Currency: req.Currency,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toOrderResp(o))
	}
}

func getOrderHandler(svc OrderAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.GetOrder(c.Request.Context(), c.Param("orderId"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toOrderResp(o))
	}
}

func listUserOrdersHandler(svc OrderAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := svc.ListOrdersByUser(c.Request.Context(), c.Param("userId"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		out := make([]orderResp, 0, len(orders))
		for i := range orders {
			out = append(out, toOrderResp(&orders[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func healthHandler(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP", "service": name})
	}
}

// abortWithError answers with the status matching err's kind.
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrPaymentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrPaymentUnavailable), errors.Is(err, service.ErrGatewayUnavailable):
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
