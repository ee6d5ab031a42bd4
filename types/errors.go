package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure so callers can branch without reading messages.
type ErrorCode string

// Error codes surfaced by the confirmation flow and its collaborators.
const (
	ErrUserRejected             ErrorCode = "USER_REJECTED"
	ErrInsufficientAssetBalance ErrorCode = "INSUFFICIENT_ASSET_BALANCE"
	ErrInsufficientFeeBalance   ErrorCode = "INSUFFICIENT_FEE_BALANCE"
	ErrChainSubmission          ErrorCode = "CHAIN_SUBMISSION_FAILED"
	ErrConfirmNotify            ErrorCode = "CONFIRM_NOTIFY_FAILED"
	ErrTransientPoll            ErrorCode = "TRANSIENT_POLL_FAILURE"
	ErrVerificationTimeout      ErrorCode = "VERIFICATION_TIMEOUT"
	ErrVerificationFailed       ErrorCode = "VERIFICATION_FAILED"

	ErrInvalidCharge        ErrorCode = "INVALID_CHARGE"
	ErrChargeAlreadySettled ErrorCode = "CHARGE_ALREADY_SETTLED"
	ErrChargeNotFound       ErrorCode = "CHARGE_NOT_FOUND"
	ErrUnsupportedNetwork   ErrorCode = "UNSUPPORTED_NETWORK"
	ErrWalletDisconnected   ErrorCode = "WALLET_DISCONNECTED"
	ErrWalletMismatch       ErrorCode = "WALLET_MISMATCH"
	ErrApprovalFailed       ErrorCode = "APPROVAL_FAILED"

	ErrNetworkError  ErrorCode = "NETWORK_ERROR"
	ErrLedgerHTTP    ErrorCode = "LEDGER_HTTP_ERROR"
	ErrLedgerTimeout ErrorCode = "LEDGER_TIMEOUT"
	ErrConfigError   ErrorCode = "CONFIG_ERROR"
)

// X402Error is the structured error returned across package boundaries.
type X402Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
	Cause   error     `json:"-"`
}

// NewError builds an X402Error wrapping cause, which may be nil.
func NewError(code ErrorCode, message string, cause error) *X402Error {
	return &X402Error{Code: code, Message: message, Cause: cause}
}

// Errorf builds an X402Error with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...any) *X402Error {
	return &X402Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *X402Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *X402Error) Unwrap() error { return e.Cause }

// Is matches another X402Error by code, so errors.Is(err, &X402Error{Code: c}) works.
func (e *X402Error) Is(target error) bool {
	t, ok := target.(*X402Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithData attaches structured details and returns e.
func (e *X402Error) WithData(data any) *X402Error {
	e.Data = data
	return e
}

// CodeOf returns the code of the first X402Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ""
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &X402Error{Code: code})
}

// IsInsufficientFunds reports either balance shortfall.
func IsInsufficientFunds(err error) bool {
	return HasCode(err, ErrInsufficientAssetBalance) || HasCode(err, ErrInsufficientFeeBalance)
}

// IsRetryable reports whether restarting the whole flow with a fresh charge may succeed.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrVerificationTimeout, ErrNetworkError, ErrLedgerTimeout, ErrTransientPoll:
		return true
	default:
		return false
	}
}

// Shortfall is attached as Data to insufficient-balance errors.
type Shortfall struct {
	Asset     string `json:"asset"`
	Required  string `json:"required"`
	Available string `json:"available"`
	Account   string `json:"account"`
}
