package utils

import (
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402pay/types"
)

func TestToBaseUnits(t *testing.T) {
	got, err := ToBaseUnits(decimal.RequireFromString("0.01"), 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10000), got)

	got, err = ToBaseUnits(decimal.RequireFromString("1.5"), 18)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, want, got)

	_, err = ToBaseUnits(decimal.RequireFromString("0.0000001"), 6)
	assert.Error(t, err)

	_, err = ToBaseUnits(decimal.Zero, 6)
	assert.Error(t, err)

	assert.Equal(t, "0.0015", FromBaseUnits(big.NewInt(1500), 6).String())
}

func TestValidateAmount(t *testing.T) {
	d, err := ValidateAmount("0.001")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.001")))

	for _, bad := range []string{"", "abc", "-1", "0"} {
		_, err := ValidateAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidateTransactionHash(t *testing.T) {
	sig := solana.Signature{7}
	assert.NoError(t, ValidateTransactionHash(sig.String(), types.NetworkSolanaDevnet))
	assert.Error(t, ValidateTransactionHash("sig_abc", types.NetworkSolanaDevnet))

	evm := "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"
	assert.NoError(t, ValidateTransactionHash(evm, types.NetworkBaseSepolia))
	assert.Error(t, ValidateTransactionHash("0x1234", types.NetworkBaseSepolia))
	assert.Error(t, ValidateTransactionHash(evm, types.Network("chain-devnet")))
	assert.Error(t, ValidateTransactionHash("", types.NetworkBase))
}

func TestValidateCharge(t *testing.T) {
	payTo := solana.NewWallet().PublicKey().String()
	valid := func() *types.Charge {
		return &types.Charge{
			ID:       "ch_1",
			Amount:   decimal.RequireFromString("0.01"),
			Currency: "USDC",
			PayTo:    payTo,
			Network:  types.NetworkSolanaDevnet,
		}
	}

	require.NoError(t, ValidateCharge(valid()))

	cases := map[string]func(c *types.Charge){
		"missing id":      func(c *types.Charge) { c.ID = "" },
		"zero amount":     func(c *types.Charge) { c.Amount = decimal.Zero },
		"bad payTo":       func(c *types.Charge) { c.PayTo = "0xnotsolana" },
		"bad fee payer":   func(c *types.Charge) { c.FeePayer = "???" },
		"unknown asset":   func(c *types.Charge) { c.Currency = "DOGE" },
		"unknown network": func(c *types.Charge) { c.Network = "chain-devnet" },
	}
	for name, mutate := range cases {
		c := valid()
		mutate(c)
		err := ValidateCharge(c)
		require.Error(t, err, name)
		assert.Contains(t, []types.ErrorCode{types.ErrInvalidCharge, types.ErrUnsupportedNetwork}, types.CodeOf(err), name)
	}

	assert.Equal(t, types.ErrInvalidCharge, types.CodeOf(ValidateCharge(nil)))
}

func TestParseCharge(t *testing.T) {
	payTo := solana.NewWallet().PublicKey().String()
	c, err := ParseCharge([]byte(`{"id":"ch_1","amount":"0.01","currency":"USDC","status":"pending","pay_to":"` + payTo + `","network":"solana-devnet"}`))
	require.NoError(t, err)
	assert.Equal(t, types.ChargeStatusPending, c.Status)
	assert.True(t, c.Amount.Equal(decimal.RequireFromString("0.01")))

	_, err = ParseCharge([]byte(`{not json`))
	assert.Equal(t, types.ErrInvalidCharge, types.CodeOf(err))
}

func TestParsePollState(t *testing.T) {
	p, err := ParsePollState([]byte(`{"transaction_id":"ch_1","status":"succeeded","verified":true,"content_unlocked":true,"raw":{"meshpay_status":"succeeded"}}`))
	require.NoError(t, err)
	assert.True(t, p.ContentUnlocked)
	assert.Equal(t, "succeeded", p.Raw.MeshpayStatus)

	_, err = ParsePollState([]byte(`{}`))
	assert.Error(t, err)
}
