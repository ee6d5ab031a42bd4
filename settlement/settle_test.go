package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/wallet"
)

type stubClient struct {
	network  types.Network
	deadline time.Time
	closed   bool
}

func (s *stubClient) SubmitTransfer(ctx context.Context, req *types.TransferRequest, _ wallet.Wallet) (*types.TransactionReference, error) {
	s.deadline, _ = ctx.Deadline()
	return &types.TransactionReference{Network: s.network, Signature: "sig_abc"}, nil
}

func (s *stubClient) AwaitConfirmation(ctx context.Context, _ types.TransactionReference, level types.Commitment) (*types.Confirmation, error) {
	<-ctx.Done()
	return &types.Confirmation{Status: types.ConfirmationPending}, ctx.Err()
}

func (s *stubClient) GetNetwork() types.Network { return s.network }
func (s *stubClient) Close()                    { s.closed = true }

func TestService_RoutesByNetwork(t *testing.T) {
	svc := NewService(time.Minute, 10*time.Millisecond)
	stub := &stubClient{network: types.NetworkSolanaDevnet}
	require.NoError(t, svc.AddClient(stub))

	ref, err := svc.Submit(context.Background(), &types.TransferRequest{
		Network: types.NetworkSolanaDevnet,
		Amount:  decimal.RequireFromString("0.01"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sig_abc", ref.Signature)
	assert.WithinDuration(t, time.Now().Add(time.Minute), stub.deadline, 5*time.Second)

	_, err = svc.Submit(context.Background(), &types.TransferRequest{Network: types.NetworkBase}, nil)
	assert.Equal(t, types.ErrUnsupportedNetwork, types.CodeOf(err))

	assert.True(t, svc.IsNetworkSupported(types.NetworkSolanaDevnet))
	assert.False(t, svc.IsNetworkSupported(types.NetworkBase))
}

func TestService_AwaitIsBounded(t *testing.T) {
	svc := NewService(0, 10*time.Millisecond)
	require.NoError(t, svc.AddClient(&stubClient{network: types.NetworkSolanaDevnet}))

	conf, err := svc.Await(context.Background(), types.TransactionReference{Network: types.NetworkSolanaDevnet, Signature: "sig"}, types.CommitmentConfirmed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.ConfirmationPending, conf.Status)
}

func TestService_AddClientRejectsUnknownNetwork(t *testing.T) {
	svc := NewService(0, 0)
	err := svc.AddClient(&stubClient{network: "chain-devnet"})
	assert.Equal(t, types.ErrUnsupportedNetwork, types.CodeOf(err))
}

func TestService_ReplaceAndClose(t *testing.T) {
	svc := NewService(0, 0)
	first := &stubClient{network: types.NetworkSolanaDevnet}
	second := &stubClient{network: types.NetworkSolanaDevnet}
	evm := &stubClient{network: types.NetworkBaseSepolia}

	require.NoError(t, svc.AddClient(first))
	require.NoError(t, svc.AddClient(second))
	require.NoError(t, svc.AddClient(evm))
	assert.True(t, first.closed)
	assert.Equal(t, []types.Network{types.NetworkBaseSepolia, types.NetworkSolanaDevnet}, svc.Networks())

	svc.Close()
	assert.True(t, second.closed)
	assert.True(t, evm.closed)
	assert.Empty(t, svc.Networks())
}
