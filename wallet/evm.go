package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402pay/types"
)

// EVMSigner is a wallet able to sign EVM transactions.
type EVMSigner interface {
	Wallet
	Account() common.Address
	SignTx(ctx context.Context, tx *ethtypes.Transaction, chainID *big.Int, approval Approval) (*ethtypes.Transaction, error)
}

// EVMSession is a connected EVM signing capability backed by a local key.
type EVMSession struct {
	*Session
	key     *ecdsa.PrivateKey
	account common.Address
}

var _ EVMSigner = (*EVMSession)(nil)

// ConnectEVMKey returns a capability for a hex-encoded secp256k1 key.
func ConnectEVMKey(hexKey string, opts ...SessionOption) (*EVMSession, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &EVMSession{
		Session: newSession(opts...),
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *EVMSession) Address() string           { return s.account.Hex() }
func (s *EVMSession) Family() types.ChainFamily { return types.ChainEVM }
func (s *EVMSession) Account() common.Address   { return s.account }

func (s *EVMSession) SignTx(ctx context.Context, tx *ethtypes.Transaction, chainID *big.Int, approval Approval) (*ethtypes.Transaction, error) {
	if err := s.authorize(ctx, approval); err != nil {
		return nil, err
	}
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}
