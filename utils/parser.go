package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402pay/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// ValidateCharge checks that a charge carries everything needed to pay it.
func ValidateCharge(c *types.Charge) error {
	if c == nil {
		return types.Errorf(types.ErrInvalidCharge, "charge is required")
	}

	if err := validate.Struct(c); err != nil {
		return types.NewError(types.ErrInvalidCharge, fmt.Sprintf("charge %s failed validation", c.ID), err)
	}

	if !c.Amount.IsPositive() {
		return types.Errorf(types.ErrInvalidCharge, "charge %s amount must be greater than zero", c.ID)
	}

	if err := ValidateNetwork(c.Network); err != nil {
		return types.NewError(types.ErrUnsupportedNetwork, fmt.Sprintf("charge %s", c.ID), err)
	}

	if err := ValidateAddressForNetwork(c.PayTo, c.Network); err != nil {
		return types.NewError(types.ErrInvalidCharge, "invalid payTo", err)
	}

	if c.FeePayer != "" {
		if err := ValidateAddressForNetwork(c.FeePayer, c.Network); err != nil {
			return types.NewError(types.ErrInvalidCharge, "invalid feePayer", err)
		}
	}

	if _, ok := c.ResolveAsset(); !ok {
		return types.Errorf(types.ErrInvalidCharge, "no %s asset known on %s", c.Currency, c.Network)
	}

	return nil
}

// ParseCharge parses and validates a Charge from JSON
func ParseCharge(data []byte) (*types.Charge, error) {
	var c types.Charge

	if err := json.Unmarshal(data, &c); err != nil {
		return nil, types.NewError(types.ErrInvalidCharge, "failed to parse charge", err)
	}

	if err := ValidateCharge(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

// ParsePollState parses a status payload from the ledger.
func ParsePollState(data []byte) (*types.PollState, error) {
	var p types.PollState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse poll state: %w", err)
	}
	if p.Status == "" {
		return nil, fmt.Errorf("poll state is missing status")
	}
	return &p, nil
}
