package ledger

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/types"
)

type confirmRequest struct {
	TransactionID string        `json:"transaction_id"`
	TxHash        string        `json:"tx_hash"`
	Network       types.Network `json:"network,omitempty"`
}

// CreateChargeRequest is the body of POST /v1/charges.
type CreateChargeRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" validate:"required"`
	CustomerRef      string          `json:"customer_ref,omitempty"`
	ResourceRef      string          `json:"resource_ref,omitempty"`
	ReturnURL        string          `json:"return_url,omitempty"`
	ReceiverConfigID string          `json:"receiver_config_id,omitempty"`
	Description      string          `json:"description,omitempty"`
}

// VerifyChargeRequest is the seller-side check that a charge was paid.
type VerifyChargeRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	CustomerRef   string `json:"customer_ref,omitempty"`
	ResourceRef   string `json:"resource_ref,omitempty"`
}

type VerifyChargeResponse struct {
	Verified      bool            `json:"verified"`
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// HealthStatus is the backend's /health payload. The API-key fields are
// only present when the backend reports them.
type HealthStatus struct {
	Status         string `json:"status"`
	APIKeyValid    *bool  `json:"api_key_valid,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Route is a protected route registered with the backend.
type Route struct {
	ID               string `json:"id"`
	RoutePattern     string `json:"route_pattern"`
	Method           string `json:"method"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Status           string `json:"status"`
	ReceiverConfigID string `json:"receiver_config_id,omitempty"`
}

// Active reports whether the route accepts new charges. A missing status
// counts as active.
func (r Route) Active() bool {
	return r.Status == "" || r.Status == "active"
}

// ConnectionReport summarizes a connectivity and API-key check.
type ConnectionReport struct {
	DemoServer string        `json:"demo_server"`
	Backend    BackendReport `json:"backend"`
}

type BackendReport struct {
	Reachable    bool   `json:"reachable"`
	HealthStatus *int   `json:"health_status"`
	APIKeyValid  *bool  `json:"api_key_valid"`
	Error        string `json:"error,omitempty"`
	Note         string `json:"note,omitempty"`
	APIKeyError  string `json:"api_key_error,omitempty"`
}

// ProxyResponse is a backend reply passed through unchanged.
type ProxyResponse struct {
	StatusCode int
	Body       json.RawMessage
}

// HTTPErrorData is attached to LEDGER_HTTP_ERROR and friends.
type HTTPErrorData struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Detail  any    `json:"detail"`
	Message string `json:"message"`
}
