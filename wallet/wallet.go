// Package wallet models the signing capability a caller hands to the
// confirmation flow. A capability is obtained with Connect and invalidated
// with Disconnect; nothing here is process-global.
package wallet

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/types"
)

// Wallet is the chain-agnostic view of a signing capability.
type Wallet interface {
	Address() string
	Family() types.ChainFamily
}

// Approval describes what the user is asked to sign.
type Approval struct {
	Network  types.Network
	From     string
	To       string
	Amount   decimal.Decimal
	Currency string
}

// ApproveFunc asks the user to approve a signature. Returning false means the
// user declined.
type ApproveFunc func(ctx context.Context, a Approval) (bool, error)

// Session gates an underlying signer behind an approval hook and a
// connected flag.
type Session struct {
	mu        sync.RWMutex
	connected bool
	approve   ApproveFunc
}

type SessionOption func(*Session)

// WithApproval installs an interactive approval hook.
func WithApproval(fn ApproveFunc) SessionOption {
	return func(s *Session) {
		s.approve = fn
	}
}

func newSession(opts ...SessionOption) *Session {
	s := &Session{connected: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Disconnect invalidates the capability. Later signing attempts fail with
// ErrWalletDisconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// Connected reports whether the capability is still valid.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// authorize runs the disconnect check and the approval hook.
func (s *Session) authorize(ctx context.Context, a Approval) error {
	if !s.Connected() {
		return types.Errorf(types.ErrWalletDisconnected, "wallet %s is disconnected", a.From)
	}
	if s.approve == nil {
		return nil
	}
	ok, err := s.approve(ctx, a)
	if err != nil {
		return types.NewError(types.ErrApprovalFailed, "approval hook failed", err)
	}
	if !ok {
		return types.Errorf(types.ErrUserRejected, "user declined to sign transfer to %s", a.To)
	}
	return nil
}
