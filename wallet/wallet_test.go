package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402pay/types"
)

const testEVMKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func buildTransfer(t *testing.T, from, feePayer solana.PublicKey) *solana.Transaction {
	t.Helper()
	ix := system.NewTransferInstruction(1000, from, solana.NewWallet().PublicKey()).Build()
	tx, err := solana.NewTransactionBuilder().
		AddInstruction(ix).
		SetRecentBlockHash(solana.Hash{1}).
		SetFeePayer(feePayer).
		Build()
	require.NoError(t, err)
	return tx
}

func approval() Approval {
	return Approval{
		Network:  types.NetworkSolanaDevnet,
		To:       "ADDR1",
		Amount:   decimal.RequireFromString("0.01"),
		Currency: "USDC",
	}
}

func TestSolanaSession_SignsAtAccountIndex(t *testing.T) {
	payer := solana.NewWallet()
	feePayer := solana.NewWallet()

	s, err := ConnectSolanaPrivateKey(payer.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, payer.PublicKey().String(), s.Address())
	assert.Equal(t, types.ChainSolana, s.Family())

	tx := buildTransfer(t, payer.PublicKey(), feePayer.PublicKey())
	require.NoError(t, s.SignTransaction(context.Background(), tx, approval()))

	require.Len(t, tx.Signatures, 2)
	// fee payer is account 0 and stays unsigned
	assert.True(t, tx.Signatures[0].IsZero())
	assert.False(t, tx.Signatures[1].IsZero())

	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, tx.Signatures[1].Verify(payer.PublicKey(), msg))
}

func TestSolanaSession_Disconnect(t *testing.T) {
	payer := solana.NewWallet()
	s, err := ConnectSolanaPrivateKey(payer.PrivateKey)
	require.NoError(t, err)

	s.Disconnect()
	assert.False(t, s.Connected())

	tx := buildTransfer(t, payer.PublicKey(), payer.PublicKey())
	err = s.SignTransaction(context.Background(), tx, approval())
	assert.Equal(t, types.ErrWalletDisconnected, types.CodeOf(err))
}

func TestSolanaSession_ApprovalDeclined(t *testing.T) {
	payer := solana.NewWallet()
	var seen Approval
	s, err := ConnectSolanaPrivateKey(payer.PrivateKey, WithApproval(func(_ context.Context, a Approval) (bool, error) {
		seen = a
		return false, nil
	}))
	require.NoError(t, err)

	tx := buildTransfer(t, payer.PublicKey(), payer.PublicKey())
	err = s.SignTransaction(context.Background(), tx, approval())
	assert.Equal(t, types.ErrUserRejected, types.CodeOf(err))
	assert.Equal(t, "ADDR1", seen.To)
	assert.True(t, tx.Signatures == nil || tx.Signatures[0].IsZero())
}

func TestSolanaSession_ApprovalError(t *testing.T) {
	payer := solana.NewWallet()
	boom := errors.New("prompt closed")
	s, err := ConnectSolanaPrivateKey(payer.PrivateKey, WithApproval(func(context.Context, Approval) (bool, error) {
		return false, boom
	}))
	require.NoError(t, err)

	err = s.SignTransaction(context.Background(), buildTransfer(t, payer.PublicKey(), payer.PublicKey()), approval())
	assert.Equal(t, types.ErrApprovalFailed, types.CodeOf(err))
	assert.False(t, types.HasCode(err, types.ErrUserRejected))
	assert.ErrorIs(t, err, boom)
}

func TestConnectSolana_Validation(t *testing.T) {
	_, err := ConnectSolana(solana.PublicKey{}, func(context.Context, *solana.Transaction) error { return nil })
	assert.Error(t, err)

	_, err = ConnectSolana(solana.NewWallet().PublicKey(), nil)
	assert.Error(t, err)

	_, err = ConnectSolanaKeypair("not-base58-!!")
	assert.Error(t, err)
}

func TestEVMSession_SignTx(t *testing.T) {
	s, err := ConnectEVMKey("0x" + testEVMKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Account())
	assert.Equal(t, types.ChainEVM, s.Family())

	chainID := big.NewInt(84532)
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &common.Address{},
		Value:     big.NewInt(0),
	})

	signed, err := s.SignTx(context.Background(), tx, chainID, approval())
	require.NoError(t, err)

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Account(), sender)

	s.Disconnect()
	_, err = s.SignTx(context.Background(), tx, chainID, approval())
	assert.Equal(t, types.ErrWalletDisconnected, types.CodeOf(err))
}
