package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-saga/internal/config"
	"go.uber.org/zap"
)

func newEngine(name string, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.GET("/health", healthHandler(name))
	return r
}

// NewOrderRouter serves the order API.
func NewOrderRouter(svc OrderAPI, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := newEngine("order-service", log)
	RegisterOrderHandlers(r.Group("", RateLimitMiddleware(rl.RPS, rl.Burst)), svc)
	return r
}

// NewPaymentRouter serves the payment API and the gateway webhook. The
// webhook sits outside the rate limiter.
func NewPaymentRouter(svc PaymentAPI, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := newEngine("payment-service", log)
	RegisterPaymentHandlers(r.Group("", RateLimitMiddleware(rl.RPS, rl.Burst)), r, svc, log)
	return r
}
