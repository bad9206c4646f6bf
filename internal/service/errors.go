package service

import "errors"

var (
	// ErrInvalidRequest wraps every input validation failure.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrOrderNotFound is returned for an unknown order id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound is returned for an unknown payment id.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentUnavailable means the payment service could not be reached after retries.
	ErrPaymentUnavailable = errors.New("payment service unavailable")
	// ErrGatewayUnavailable means the gateway could not be reached after retries.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)
