package utils

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/types"
)

var (
	base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")
	hexPattern    = regexp.MustCompile("^[0-9a-fA-F]+$")
)

// ValidateAmount checks if an amount string is a valid, positive decimal
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}

	if !dec.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be greater than zero")
	}

	return dec, nil
}

// ToBaseUnits converts a human amount into integer base units of a token with
// the given decimals. Amounts finer than the token's precision are rejected
// rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than zero")
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits formats integer base units as a human amount.
func FromBaseUnits(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -decimals)
}

// ValidateTransactionHash validates a transaction reference for the network
func ValidateTransactionHash(hash string, network types.Network) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	switch {
	case network.IsEVM():
		// 0x + 64 hex
		if len(hash) != 66 || hash[:2] != "0x" || !hexPattern.MatchString(hash[2:]) {
			return fmt.Errorf("EVM transaction hash must be 0x followed by 64 hex characters")
		}

	case network.IsSolana():
		// base58-encoded 64-byte signature, typically 87-88 characters
		if len(hash) < 80 || len(hash) > 90 || !base58Pattern.MatchString(hash) {
			return fmt.Errorf("Solana transaction signature must be 80-90 base58 characters")
		}
		if _, err := solana.SignatureFromBase58(hash); err != nil {
			return fmt.Errorf("Solana transaction signature: %w", err)
		}

	default:
		return fmt.Errorf("unsupported network for transaction hash validation: %s", network)
	}

	return nil
}

// ValidateAddressForNetwork validates addresses for different networks
func ValidateAddressForNetwork(address string, network types.Network) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch {
	case network.IsEVM():
		if !common.IsHexAddress(address) {
			return fmt.Errorf("invalid EVM address %q", address)
		}

	case network.IsSolana():
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("invalid Solana address %q: %w", address, err)
		}

	default:
		return fmt.Errorf("unsupported network for address validation: %s", network)
	}

	return nil
}

// ValidateNetwork checks if a network is supported
func ValidateNetwork(network types.Network) error {
	for _, supported := range types.SupportedNetworks() {
		if network == supported {
			return nil
		}
	}
	return fmt.Errorf("unsupported network: %s", network)
}
