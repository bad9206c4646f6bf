// Package gateway talks to the external payment gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Kind int

const (
	KindTimeout Kind = iota + 1
	KindConnection
	KindServer
	KindDeclined
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindServer:
		return "server"
	case KindDeclined:
		return "declined"
	}
	return "unknown"
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether err is worth retrying and counts against the gateway's health.
// A decline is an answer from a healthy gateway, so it is neither.
func Transient(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind != KindDeclined
	}
	return err != nil
}

type ChargeRequest struct {
	PaymentReference string          `json:"paymentReference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CallbackURL      string          `json:"callbackUrl"`
}

type ChargeResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

// Client is an HTTP gateway client with separate connect and read timeouts.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, connectTimeout, readTimeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: connectTimeout + readTimeout},
	}
}

// Charge submits a payment. Success only means the gateway accepted it;
// settlement arrives later through the webhook.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal charge request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/charge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindServer, Msg: fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: KindDeclined, Msg: fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)}
	}

	var out ChargeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &Error{Kind: KindServer, Msg: "decode response", Err: err}
	}
	if s := strings.ToUpper(out.Status); s == "DECLINED" || s == "FAILED" {
		return nil, &Error{Kind: KindDeclined, Msg: "charge " + s}
	}
	return &out, nil
}

func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, Msg: "request timed out", Err: err}
	}
	return &Error{Kind: KindConnection, Msg: "request failed", Err: err}
}
