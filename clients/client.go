// Package clients implements the chain side of the confirmation flow: building,
// signing and broadcasting a genuine asset transfer, then awaiting it on chain.
package clients

import (
	"context"

	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/wallet"
)

// Client submits transfers on one network.
type Client interface {
	// SubmitTransfer signs req with w and broadcasts it. Failures carry a
	// types.X402Error code: ErrUserRejected, ErrInsufficientAssetBalance,
	// ErrInsufficientFeeBalance or ErrChainSubmission.
	SubmitTransfer(ctx context.Context, req *types.TransferRequest, w wallet.Wallet) (*types.TransactionReference, error)
	// AwaitConfirmation blocks until ref reaches level, fails on chain, or ctx ends.
	AwaitConfirmation(ctx context.Context, ref types.TransactionReference, level types.Commitment) (*types.Confirmation, error)
	GetNetwork() types.Network
	Close()
}
