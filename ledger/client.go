// Package ledger is an HTTP client for the remote ledger service that
// records charges, accepts payment confirmations and reports status.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/utils"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	defaultRetries        = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	maxBodyBytes          = 1 << 20
)

// Config configures the ledger client.
type Config struct {
	// BaseURL of the backend, without a trailing slash.
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// HTTPClient overrides the default client (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Retries is the number of attempts for idempotent calls answered
	// with 429 or 503.
	Retries        int
	RetryBaseDelay time.Duration

	Logger logger.Logger
}

// Client talks to the remote ledger service.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	retries        int
	retryBaseDelay time.Duration
	log            logger.Logger
}

func New(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	delay := cfg.RetryBaseDelay
	if delay <= 0 {
		delay = defaultRetryBaseDelay
	}

	return &Client{
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		httpClient:     httpClient,
		retries:        retries,
		retryBaseDelay: delay,
		log:            logger.OrNoop(cfg.Logger),
	}
}

// BaseURL returns the backend URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// ConfirmPayment tells the backend which on-chain transaction pays chargeID.
// The idempotency key is derived from the pair, so repeating the call is a
// no-op on a deduplicating backend.
func (c *Client) ConfirmPayment(ctx context.Context, chargeID string, ref types.TransactionReference) error {
	if chargeID == "" || ref.IsZero() {
		return types.Errorf(types.ErrInvalidCharge, "charge id and transaction reference are required")
	}
	body := confirmRequest{TransactionID: chargeID, TxHash: ref.Signature, Network: ref.Network}
	return c.do(ctx, request{
		method:         http.MethodPost,
		path:           "/v1/facilitator/confirm",
		body:           body,
		idempotencyKey: IdempotencyKey(chargeID, ref),
		retry:          true,
	}, nil)
}

// GetStatus fetches the UI-state projection of a charge.
func (c *Client) GetStatus(ctx context.Context, chargeID string) (*types.PollState, error) {
	var state types.PollState
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/v1/demo/charges/" + url.PathEscape(chargeID) + "/ui-state",
		retry:  true,
	}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// CancelPayment marks a charge abandoned by the payer.
func (c *Client) CancelPayment(ctx context.Context, chargeID string) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/v1/charges/" + url.PathEscape(chargeID) + "/cancel",
		retry:  true,
	}, nil)
}

// CreateCharge creates a charge. It is not retried.
func (c *Client) CreateCharge(ctx context.Context, req CreateChargeRequest) (*types.Charge, error) {
	if err := utils.Validator().Struct(req); err != nil {
		return nil, types.NewError(types.ErrInvalidCharge, "invalid charge request", err)
	}
	if !req.Amount.IsPositive() {
		return nil, types.Errorf(types.ErrInvalidCharge, "amount must be positive")
	}

	var charge types.Charge
	if err := c.do(ctx, request{method: http.MethodPost, path: "/v1/charges", body: req}, &charge); err != nil {
		return nil, err
	}
	return &charge, nil
}

// VerifyCharge asks whether a charge has been paid and verified.
func (c *Client) VerifyCharge(ctx context.Context, req VerifyChargeRequest) (*VerifyChargeResponse, error) {
	if err := utils.Validator().Struct(req); err != nil {
		return nil, types.NewError(types.ErrInvalidCharge, "invalid verify request", err)
	}

	var out VerifyChargeResponse
	err := c.do(ctx, request{method: http.MethodPost, path: "/v1/charges/verify", body: req, retry: true}, &out)
	switch StatusCode(err) {
	case 0:
	case http.StatusNotFound:
		return nil, recode(err, types.ErrChargeNotFound, "charge "+req.TransactionID+" not found")
	case http.StatusConflict:
		return nil, recode(err, types.ErrVerificationFailed, "charge "+req.TransactionID+" failed verification")
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls the backend's health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, request{method: http.MethodGet, path: "/health", retry: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TestConnection checks reachability and then probes the API key with a
// deliberately incomplete charge: 401 means the key is rejected, a
// validation error means it was accepted. It never returns an error; all
// findings go into the report.
func (c *Client) TestConnection(ctx context.Context) *ConnectionReport {
	report := &ConnectionReport{DemoServer: "ok"}

	resp, err := c.send(ctx, request{method: http.MethodGet, path: "/health"})
	if err != nil {
		switch types.CodeOf(err) {
		case types.ErrLedgerTimeout:
			report.Backend.Error = "connection timeout: backend not responding"
		default:
			report.Backend.Error = "connection refused: is the backend running at " + c.baseURL + "?"
		}
		return report
	}
	report.Backend.Reachable = true
	report.Backend.HealthStatus = &resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		report.Backend.Error = fmt.Sprintf("health check returned %d", resp.StatusCode)
		return report
	}

	probe, err := c.send(ctx, request{
		method: http.MethodPost,
		path:   "/v1/charges",
		body:   map[string]string{"currency": "USDC"},
	})
	if err != nil {
		report.Backend.APIKeyError = "could not verify API key: " + err.Error()
		return report
	}

	valid := probe.StatusCode != http.StatusUnauthorized
	report.Backend.APIKeyValid = &valid
	switch probe.StatusCode {
	case http.StatusUnauthorized:
		report.Backend.Error = "401 Unauthorized: check MESHPAY_API_KEY"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
	default:
		report.Backend.Note = fmt.Sprintf("unexpected status %d", probe.StatusCode)
	}
	return report
}

// ListRoutes returns the backend's protected routes.
func (c *Client) ListRoutes(ctx context.Context) ([]Route, error) {
	var routes []Route
	if err := c.do(ctx, request{method: http.MethodGet, path: "/v1/protected-routes/routes", retry: true}, &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

// RegisterMonitor registers a facilitator payment monitor.
func (c *Client) RegisterMonitor(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, request{method: http.MethodPost, path: "/v1/facilitator/monitor", body: body}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMonitor fetches the state of a facilitator payment monitor.
func (c *Client) GetMonitor(ctx context.Context, monitorID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/v1/facilitator/monitor/" + url.PathEscape(monitorID),
		retry:  true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Proxy forwards a raw request with the client's credentials. Backend
// error statuses are returned in the response, not as errors; only
// transport failures produce an error.
func (c *Client) Proxy(ctx context.Context, method, path string, body json.RawMessage) (*ProxyResponse, error) {
	req := request{method: method, path: path}
	if body != nil {
		req.body = body
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return &ProxyResponse{StatusCode: resp.StatusCode, Body: resp.body}, nil
}

// IdempotencyKey derives a stable key for confirming ref against chargeID.
func IdempotencyKey(chargeID string, ref types.TransactionReference) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("x402pay:confirm:"+chargeID+":"+ref.Signature)).String()
}

// StatusCode extracts the HTTP status carried by a ledger error, or 0.
func StatusCode(err error) int {
	var xe *types.X402Error
	if !errors.As(err, &xe) {
		return 0
	}
	if data, ok := xe.Data.(HTTPErrorData); ok {
		return data.StatusCode
	}
	return 0
}

type request struct {
	method         string
	path           string
	body           any
	idempotencyKey string
	retry          bool
}

type response struct {
	StatusCode int
	body       []byte
}

// do sends req, retrying 429 and 503 when req.retry is set, and decodes a
// 2xx body into out. Other statuses become LEDGER_HTTP_ERROR.
func (c *Client) do(ctx context.Context, req request, out any) error {
	attempts := 1
	if req.retry {
		attempts = c.retries
	}

	var resp *response
	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		resp, err = c.send(ctx, req)
		if err != nil {
			return err
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable
		if !retryable || attempt == attempts-1 {
			break
		}

		delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
		c.log.Debug("ledger request throttled, retrying", map[string]any{
			"path":    req.path,
			"status":  resp.StatusCode,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.NewError(types.ErrNetworkError, "ledger request cancelled", ctx.Err())
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpError(req, resp)
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return types.NewError(types.ErrLedgerHTTP, "failed to decode "+req.path+" response", err).
			WithData(HTTPErrorData{StatusCode: resp.StatusCode, Body: truncate(resp.body)})
	}
	return nil
}

// send performs one round trip. Transport failures are classified as
// LEDGER_TIMEOUT or NETWORK_ERROR.
func (c *Client) send(ctx context.Context, req request) (*response, error) {
	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", req.path, err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", req.path, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(req.path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, types.NewError(types.ErrNetworkError, "failed to read "+req.path+" response", err)
	}
	return &response{StatusCode: resp.StatusCode, body: raw}, nil
}

func transportError(path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewError(types.ErrLedgerTimeout, path+" timed out", err)
	}
	return types.NewError(types.ErrNetworkError, path+" request failed", err)
}

func httpError(req request, resp *response) error {
	msg := fmt.Sprintf("%s %s returned %d", req.method, req.path, resp.StatusCode)

	var eb errorBody
	if json.Unmarshal(resp.body, &eb) == nil {
		switch {
		case eb.Message != "":
			msg += ": " + eb.Message
		case eb.Detail != nil:
			msg += fmt.Sprintf(": %v", eb.Detail)
		case eb.Error != "":
			msg += ": " + eb.Error
		}
	}

	return types.Errorf(types.ErrLedgerHTTP, "%s", msg).
		WithData(HTTPErrorData{StatusCode: resp.StatusCode, Body: truncate(resp.body)})
}

func recode(err error, code types.ErrorCode, msg string) error {
	var xe *types.X402Error
	if !errors.As(err, &xe) {
		return err
	}
	return &types.X402Error{Code: code, Message: msg, Data: xe.Data, Cause: err}
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
