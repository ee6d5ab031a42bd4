package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402pay/types"
)

const testKey = "sk_test_123"

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: testKey, RetryBaseDelay: time.Millisecond})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var testRef = types.TransactionReference{Network: types.NetworkSolanaDevnet, Signature: "5sig"}

func TestConfirmPayment(t *testing.T) {
	var got confirmRequest
	var headers http.Header
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/facilitator/confirm", r.URL.Path)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}))

	require.NoError(t, client.ConfirmPayment(context.Background(), "ch_1", testRef))

	assert.Equal(t, "ch_1", got.TransactionID)
	assert.Equal(t, "5sig", got.TxHash)
	assert.Equal(t, types.NetworkSolanaDevnet, got.Network)
	assert.Equal(t, "Bearer "+testKey, headers.Get("Authorization"))
	assert.Equal(t, IdempotencyKey("ch_1", testRef), headers.Get("Idempotency-Key"))
	_, err := uuid.Parse(headers.Get("X-Request-ID"))
	assert.NoError(t, err)
}

// dedupLedger is a backend that records each idempotency key once.
type dedupLedger struct {
	mu        sync.Mutex
	confirmed map[string]string
	requests  int
}

func (d *dedupLedger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	key := r.Header.Get("Idempotency-Key")
	var body confirmRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if _, ok := d.confirmed[key]; !ok {
		d.confirmed[key] = body.TxHash
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func TestConfirmPayment_DoubleConfirmIsDeduplicated(t *testing.T) {
	backend := &dedupLedger{confirmed: map[string]string{}}
	client := newTestClient(t, backend)

	require.NoError(t, client.ConfirmPayment(context.Background(), "ch_1", testRef))
	require.NoError(t, client.ConfirmPayment(context.Background(), "ch_1", testRef))

	assert.Equal(t, 2, backend.requests)
	assert.Len(t, backend.confirmed, 1)
}

func TestConfirmPayment_RequiresReference(t *testing.T) {
	client := New(Config{})
	err := client.ConfirmPayment(context.Background(), "ch_1", types.TransactionReference{})
	assert.Equal(t, types.ErrInvalidCharge, types.CodeOf(err))
}

func TestGetStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/demo/charges/ch_1/ui-state", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"transaction_id":   "ch_1",
			"status":           "failed",
			"verified":         false,
			"content_unlocked": false,
			"amount":           "1.00",
			"currency":         "USDC",
			"raw": map[string]any{
				"meshpay_status":          "failed",
				"meshpay_verified_reason": "amount mismatch",
			},
		})
	}))

	state, err := client.GetStatus(context.Background(), "ch_1")
	require.NoError(t, err)
	assert.Equal(t, types.ChargeStatusFailed, state.Status)
	assert.Equal(t, "1.00", state.Amount)
	assert.Equal(t, "amount mismatch", state.FailureReason())
}

func TestGetStatus_RetriesThrottled(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
	}))

	state, err := client.GetStatus(context.Background(), "ch_1")
	require.NoError(t, err)
	assert.Equal(t, types.ChargeStatusPending, state.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetStatus_HTTPError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
	}))

	_, err := client.GetStatus(context.Background(), "ch_1")
	assert.Equal(t, types.ErrLedgerHTTP, types.CodeOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestGetStatus_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{BaseURL: url}).GetStatus(context.Background(), "ch_1")
	assert.Equal(t, types.ErrNetworkError, types.CodeOf(err))
}

func TestGetStatus_Timeout(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	client.httpClient.Timeout = 20 * time.Millisecond

	_, err := client.GetStatus(context.Background(), "ch_1")
	assert.Equal(t, types.ErrLedgerTimeout, types.CodeOf(err))
}

func TestCancelPayment(t *testing.T) {
	var path string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.CancelPayment(context.Background(), "ch_9"))
	assert.Equal(t, "/v1/charges/ch_9/cancel", path)
}

func TestCreateCharge(t *testing.T) {
	var body map[string]any
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":           "ch_new",
			"amount":       "0.01",
			"currency":     "USDC",
			"status":       "pending",
			"checkout_url": "https://pay.example.com/ch_new",
		})
	}))

	charge, err := client.CreateCharge(context.Background(), CreateChargeRequest{
		Amount:      decimal.RequireFromString("0.01"),
		Currency:    "USDC",
		CustomerRef: "demo-user",
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_new", charge.ID)
	assert.True(t, charge.Amount.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, "https://pay.example.com/ch_new", charge.CheckoutURL)
	assert.Equal(t, "0.01", body["amount"])
	assert.Equal(t, "demo-user", body["customer_ref"])
	assert.Equal(t, 1, calls)
}

func TestCreateCharge_NotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.CreateCharge(context.Background(), CreateChargeRequest{
		Amount:   decimal.RequireFromString("1"),
		Currency: "USDC",
	})
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateCharge_RejectsNonPositiveAmount(t *testing.T) {
	_, err := New(Config{}).CreateCharge(context.Background(), CreateChargeRequest{Currency: "USDC"})
	assert.Equal(t, types.ErrInvalidCharge, types.CodeOf(err))
}

func TestVerifyCharge(t *testing.T) {
	statuses := map[string]int{
		"ch_ok":       http.StatusOK,
		"ch_missing":  http.StatusNotFound,
		"ch_mismatch": http.StatusConflict,
	}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req VerifyChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status := statuses[req.TransactionID]
		writeJSON(w, status, map[string]any{"verified": status == http.StatusOK, "transaction_id": req.TransactionID})
	}))

	ctx := context.Background()

	res, err := client.VerifyCharge(ctx, VerifyChargeRequest{TransactionID: "ch_ok"})
	require.NoError(t, err)
	assert.True(t, res.Verified)

	_, err = client.VerifyCharge(ctx, VerifyChargeRequest{TransactionID: "ch_missing"})
	assert.Equal(t, types.ErrChargeNotFound, types.CodeOf(err))

	_, err = client.VerifyCharge(ctx, VerifyChargeRequest{TransactionID: "ch_mismatch"})
	assert.Equal(t, types.ErrVerificationFailed, types.CodeOf(err))
	assert.Equal(t, http.StatusConflict, StatusCode(err))

	_, err = client.VerifyCharge(ctx, VerifyChargeRequest{})
	assert.Equal(t, types.ErrInvalidCharge, types.CodeOf(err))
}

func TestHealth(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "api_key_valid": true, "organization_id": "org_1"})
	}))

	h, err := client.Health(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h.APIKeyValid)
	assert.True(t, *h.APIKeyValid)
	assert.Equal(t, "org_1", h.OrganizationID)
}

func TestTestConnection(t *testing.T) {
	tests := []struct {
		name       string
		probe      int
		wantValid  bool
		wantError  bool
		wantNoteOn bool
	}{
		{name: "unauthorized", probe: http.StatusUnauthorized, wantValid: false, wantError: true},
		{name: "validation error", probe: http.StatusBadRequest, wantValid: true},
		{name: "unprocessable", probe: http.StatusUnprocessableEntity, wantValid: true},
		{name: "unexpected", probe: http.StatusOK, wantValid: true, wantNoteOn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/health":
					writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
				case "/v1/charges":
					writeJSON(w, tt.probe, map[string]string{"error": "x"})
				}
			}))

			report := client.TestConnection(context.Background())
			assert.True(t, report.Backend.Reachable)
			require.NotNil(t, report.Backend.APIKeyValid)
			assert.Equal(t, tt.wantValid, *report.Backend.APIKeyValid)
			assert.Equal(t, tt.wantError, report.Backend.Error != "")
			assert.Equal(t, tt.wantNoteOn, report.Backend.Note != "")
		})
	}
}

func TestTestConnection_UnhealthyBackend(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	report := client.TestConnection(context.Background())
	assert.True(t, report.Backend.Reachable)
	require.NotNil(t, report.Backend.HealthStatus)
	assert.Equal(t, http.StatusServiceUnavailable, *report.Backend.HealthStatus)
	assert.Nil(t, report.Backend.APIKeyValid)
	assert.NotEmpty(t, report.Backend.Error)
}

func TestTestConnection_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	report := New(Config{BaseURL: url}).TestConnection(context.Background())
	assert.False(t, report.Backend.Reachable)
	assert.Contains(t, report.Backend.Error, "connection refused")
}

func TestListRoutes(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/protected-routes/routes", r.URL.Path)
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": "route_1", "amount": "0.01", "currency": "USDC"},
			{"id": "route_2", "amount": "1", "currency": "USDC", "status": "paused"},
		})
	}))

	routes, err := client.ListRoutes(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.True(t, routes[0].Active())
	assert.False(t, routes[1].Active())
}

func TestMonitor(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/facilitator/monitor":
			writeJSON(w, http.StatusOK, map[string]string{"id": "mon_1", "status": "watching"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/facilitator/monitor/mon_1":
			writeJSON(w, http.StatusOK, map[string]string{"id": "mon_1", "status": "confirmed"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ctx := context.Background()
	out, err := client.RegisterMonitor(ctx, json.RawMessage(`{"transaction_id":"ch_1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"mon_1","status":"watching"}`, string(out))

	out, err = client.GetMonitor(ctx, "mon_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"mon_1","status":"confirmed"}`, string(out))
}

func TestProxy_PassesErrorStatusThrough(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "amount is required"})
	}))

	resp, err := client.Proxy(context.Background(), http.MethodPost, "/v1/charges", json.RawMessage(`{"currency":"USDC"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"amount is required"}`, string(resp.Body))
}

func TestIdempotencyKey_Stable(t *testing.T) {
	assert.Equal(t, IdempotencyKey("ch_1", testRef), IdempotencyKey("ch_1", testRef))
	assert.NotEqual(t, IdempotencyKey("ch_1", testRef), IdempotencyKey("ch_2", testRef))
}
