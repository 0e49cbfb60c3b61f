package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MikeMC777/marketplace-saga/internal/metrics"
)

const transactionsPath = "/rswebpaytransaction/api/webpay/v1.2/transactions"

var tracer = otel.Tracer("github.com/MikeMC777/marketplace-saga/internal/gateway")

// Client talks to a Webpay Plus style REST API.
type Client struct {
	HTTP         *http.Client
	BaseURL      string
	CommerceCode string
	APIKey       string
	// Timeout bounds every call, including reading the response.
	Timeout time.Duration
}

func NewClient(baseURL, commerceCode, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		HTTP:         &http.Client{},
		BaseURL:      strings.TrimRight(baseURL, "/"),
		CommerceCode: commerceCode,
		APIKey:       apiKey,
		Timeout:      timeout,
	}
}

type createRequest struct {
	BuyOrder  string      `json:"buy_order"`
	SessionID string      `json:"session_id"`
	Amount    json.Number `json:"amount"`
	ReturnURL string      `json:"return_url"`
}

type createResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

type commitResponse struct {
	Status       string      `json:"status"`
	ResponseCode int         `json:"response_code"`
	BuyOrder     string      `json:"buy_order"`
	SessionID    string      `json:"session_id"`
	Amount       json.Number `json:"amount"`
}

func (c *Client) Initiate(ctx context.Context, buyOrderRef, sessionRef string, amount decimal.Decimal, returnURL string) (_ *InitiateResult, err error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	ctx, span := tracer.Start(ctx, "gateway.Initiate")
	span.SetAttributes(attribute.String("gateway.buy_order", buyOrderRef))
	defer endSpan(span, &err)

	body := createRequest{
		BuyOrder:  buyOrderRef,
		SessionID: sessionRef,
		Amount:    json.Number(amount.Round(2).String()),
		ReturnURL: returnURL,
	}
	var out createResponse
	if err := c.do(ctx, "initiate", http.MethodPost, transactionsPath, body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" || out.URL == "" {
		return nil, fmt.Errorf("%w: empty token or url", ErrUnavailable)
	}
	return &InitiateResult{Token: out.Token, RedirectURL: out.URL}, nil
}

func (c *Client) Commit(ctx context.Context, token string) (_ *CommitResult, err error) {
	ctx, span := tracer.Start(ctx, "gateway.Commit")
	defer endSpan(span, &err)
	return c.transaction(ctx, span, "commit", http.MethodPut, token)
}

// Status reads the current state of a transaction without settling it.
func (c *Client) Status(ctx context.Context, token string) (_ *CommitResult, err error) {
	ctx, span := tracer.Start(ctx, "gateway.Status")
	defer endSpan(span, &err)
	return c.transaction(ctx, span, "status", http.MethodGet, token)
}

func (c *Client) transaction(ctx context.Context, span trace.Span, op, method, token string) (*CommitResult, error) {
	var out commitResponse
	if err := c.do(ctx, op, method, transactionsPath+"/"+url.PathEscape(token), nil, &out); err != nil {
		return nil, err
	}
	res := &CommitResult{
		Authorized:   Authorized(out.Status, out.ResponseCode),
		RawStatus:    out.Status,
		ResponseCode: out.ResponseCode,
		RawOrderRef:  out.BuyOrder,
	}
	if out.Amount != "" {
		if a, err := decimal.NewFromString(out.Amount.String()); err == nil {
			res.Amount = a
		}
	}
	span.SetAttributes(attribute.String("gateway.status", out.Status), attribute.Int("gateway.response_code", out.ResponseCode))
	return res, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Tbk-Api-Key-Id", c.CommerceCode)
	req.Header.Set("Tbk-Api-Key-Secret", c.APIKey)

	start := time.Now()
	res, err := c.HTTP.Do(req)
	if err != nil {
		metrics.Gateway(op, "unavailable", time.Since(start))
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode >= 500:
		metrics.Gateway(op, "unavailable", time.Since(start))
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, res.Status)
	case res.StatusCode >= 400:
		metrics.Gateway(op, "rejected", time.Since(start))
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: %s: %s %s", ErrRejected, op, res.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		metrics.Gateway(op, "unavailable", time.Since(start))
		return fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, op, err)
	}
	metrics.Gateway(op, "ok", time.Since(start))
	return nil
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
