/*
Package flutterwave verifies payment references against the Flutterwave v3 API.

PURPOSE:
  Implements layaway.Verifier. The storefront's checkout widget returns a
  transaction id to the browser; the browser sends it to us as paymentRef
  and we ask Flutterwave what really happened before crediting anything.

ENDPOINT:
  GET {BaseURL}/v3/transactions/{id}/verify
  Authorization: Bearer <secret key>

RESPONSE MAPPING:
  {"status": "success", "data": {"status": "successful", "amount": 20000,
   "currency": "NGN", "tx_ref": "LAYAWAY-..."}}

  status == "success"         -> Verification.Success
  data.status                 -> Verification.Status
  data.amount / data.currency -> Verification.Amount / Currency

  A 4xx answer with a JSON body (unknown id, bad reference) is a rejection,
  not an error. Transport failures and 5xx answers are errors; the engine
  fails closed on both.

SINGLE ATTEMPT:
  No retries. The call is bounded by the context deadline or Timeout,
  whichever comes first.
*/
package flutterwave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/ariyofashion/layaway/layaway"
)

const (
	DefaultBaseURL = "https://api.flutterwave.com"
	DefaultTimeout = 15 * time.Second
)

// ErrNotConfigured is returned when no secret key is set.
var ErrNotConfigured = errors.New("flutterwave: secret key not configured")

type Client struct {
	secretKey string
	baseURL   string
	timeout   time.Duration
	http      *fasthttp.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(secretKey string, opts ...Option) *Client {
	c := &Client{
		secretKey: secretKey,
		baseURL:   DefaultBaseURL,
		timeout:   DefaultTimeout,
		http: &fasthttp.Client{
			Name:                "layaway-verifier",
			MaxIdleConnDuration: time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		ID       int64           `json:"id"`
		TxRef    string          `json:"tx_ref"`
		FlwRef   string          `json:"flw_ref"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Status   string          `json:"status"`
	} `json:"data"`
}

// Verify asks Flutterwave for the state of transaction paymentRef.
func (c *Client) Verify(ctx context.Context, paymentRef string) (*layaway.Verification, error) {
	if c.secretKey == "" {
		return nil, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/v3/transactions/%s/verify", c.baseURL, url.PathEscape(paymentRef)))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("flutterwave: verify %s: %w", paymentRef, err)
	}

	status := resp.StatusCode()
	if status >= fasthttp.StatusInternalServerError {
		return nil, fmt.Errorf("flutterwave: verify %s: status code %d", paymentRef, status)
	}

	var body verifyResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("flutterwave: verify %s: decode response (status %d): %w", paymentRef, status, err)
	}

	if status != fasthttp.StatusOK || body.Data == nil {
		reason := body.Message
		if reason == "" {
			reason = fmt.Sprintf("status code %d", status)
		}
		return &layaway.Verification{Success: false, Status: reason}, nil
	}

	return &layaway.Verification{
		Success:  body.Status == "success",
		Status:   body.Data.Status,
		Amount:   body.Data.Amount,
		Currency: body.Data.Currency,
		TxRef:    body.Data.TxRef,
	}, nil
}
