package wallet

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/vitwit/x402pay/types"
)

// SignTransactionFunc defines the callback used to sign Solana transactions.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// SolanaSigner is a wallet able to sign Solana transactions.
type SolanaSigner interface {
	Wallet
	PublicKey() solana.PublicKey
	// SignTransaction adds the wallet's signature; approval describes the
	// transfer for the user.
	SignTransaction(ctx context.Context, tx *solana.Transaction, approval Approval) error
}

// SolanaSession is a connected Solana signing capability.
type SolanaSession struct {
	*Session
	publicKey solana.PublicKey
	sign      SignTransactionFunc
}

var _ SolanaSigner = (*SolanaSession)(nil)

// ConnectSolana returns a capability backed by a signing callback, e.g. a
// remote wallet or hardware device.
func ConnectSolana(publicKey solana.PublicKey, sign SignTransactionFunc, opts ...SessionOption) (*SolanaSession, error) {
	if publicKey == (solana.PublicKey{}) {
		return nil, fmt.Errorf("public key is required")
	}
	if sign == nil {
		return nil, fmt.Errorf("sign callback is required")
	}
	return &SolanaSession{
		Session:   newSession(opts...),
		publicKey: publicKey,
		sign:      sign,
	}, nil
}

// ConnectSolanaKeypair returns a capability for a base58-encoded private key.
func ConnectSolanaKeypair(privateKeyBase58 string, opts ...SessionOption) (*SolanaSession, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return ConnectSolanaPrivateKey(privateKey, opts...)
}

// ConnectSolanaPrivateKey returns a capability for an in-memory key.
func ConnectSolanaPrivateKey(privateKey solana.PrivateKey, opts ...SessionOption) (*SolanaSession, error) {
	sign := func(_ context.Context, tx *solana.Transaction) error {
		return signWithPrivateKey(privateKey, tx)
	}
	return ConnectSolana(privateKey.PublicKey(), sign, opts...)
}

func (s *SolanaSession) Address() string             { return s.publicKey.String() }
func (s *SolanaSession) Family() types.ChainFamily   { return types.ChainSolana }
func (s *SolanaSession) PublicKey() solana.PublicKey { return s.publicKey }

func (s *SolanaSession) SignTransaction(ctx context.Context, tx *solana.Transaction, approval Approval) error {
	if err := s.authorize(ctx, approval); err != nil {
		return err
	}
	return s.sign(ctx, tx)
}

// signWithPrivateKey places the signature at the key's account index, leaving
// any fee payer signature slot untouched.
func signWithPrivateKey(privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("signer is not part of the transaction: %w", err)
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < required {
		sigs := make([]solana.Signature, required)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	if int(accountIndex) >= len(tx.Signatures) {
		return fmt.Errorf("account %s is not a required signer", privateKey.PublicKey())
	}

	tx.Signatures[accountIndex] = signature
	return nil
}
