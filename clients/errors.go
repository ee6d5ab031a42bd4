package clients

import (
	"errors"

	"github.com/vitwit/x402pay/types"
)

func insufficientAsset(account, asset, required, available string) error {
	return types.Errorf(types.ErrInsufficientAssetBalance,
		"account %s holds %s of %s but %s is required; fund the wallet with the payment asset and retry",
		account, available, asset, required,
	).WithData(types.Shortfall{Asset: asset, Required: required, Available: available, Account: account})
}

func insufficientFee(account, feeAsset, required, available string) error {
	return types.Errorf(types.ErrInsufficientFeeBalance,
		"fee payer %s holds %s %s but about %s is needed for network fees; top up %s and retry",
		account, available, feeAsset, required, feeAsset,
	).WithData(types.Shortfall{Asset: feeAsset, Required: required, Available: available, Account: account})
}

func submissionFailed(msg string, cause error) error {
	return types.NewError(types.ErrChainSubmission, msg, cause)
}

// signingError passes wallet errors through when they are already
// classified, and treats anything else as a submission failure.
func signingError(err error) error {
	var xe *types.X402Error
	if errors.As(err, &xe) {
		return err
	}
	return submissionFailed("failed to sign transaction", err)
}

func walletMismatch(family types.ChainFamily, network types.Network) error {
	return types.Errorf(types.ErrWalletMismatch, "wallet of family %q cannot sign on %s", family, network)
}
