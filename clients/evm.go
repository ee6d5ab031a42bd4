package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/utils"
	"github.com/vitwit/x402pay/wallet"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// finalizedDepth is the number of blocks after which an EVM receipt counts
// as finalized.
const finalizedDepth = 12

// EVMBackend is the subset of *ethclient.Client used by EVMClient.
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

var _ EVMBackend = (*ethclient.Client)(nil)

// EVMClient pays charges with ERC-20 transfer calls.
type EVMClient struct {
	network         types.Network
	rpcURL          string
	backend         EVMBackend
	tokenABI        abi.ABI
	confirmInterval time.Duration
	log             logger.Logger
}

var _ Client = (*EVMClient)(nil)

type EVMOption func(*EVMClient)

// WithEVMBackend replaces the RPC backend, mainly for tests.
func WithEVMBackend(b EVMBackend) EVMOption {
	return func(e *EVMClient) {
		e.backend = b
	}
}

func WithEVMConfirmInterval(d time.Duration) EVMOption {
	return func(e *EVMClient) {
		e.confirmInterval = d
	}
}

func WithEVMLogger(l logger.Logger) EVMOption {
	return func(e *EVMClient) {
		e.log = logger.OrNoop(l)
	}
}

func NewEVMClient(network types.Network, rpcURL string, opts ...EVMOption) (*EVMClient, error) {
	if !network.IsEVM() {
		return nil, types.Errorf(types.ErrUnsupportedNetwork, "network %s is not an EVM network", network)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	e := &EVMClient{
		network:         network,
		rpcURL:          rpcURL,
		tokenABI:        parsed,
		confirmInterval: defaultConfirmInterval,
		log:             logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.backend == nil {
		if rpcURL == "" {
			rpcURL = network.DefaultRPCURL()
		}
		if rpcURL == "" {
			return nil, types.Errorf(types.ErrConfigError, "no RPC endpoint configured for %s", network)
		}
		client, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
		}
		e.backend = client
		e.rpcURL = rpcURL
	}

	return e, nil
}

// SubmitTransfer signs and broadcasts an ERC-20 transfer for req.
func (e *EVMClient) SubmitTransfer(
	ctx context.Context,
	req *types.TransferRequest,
	w wallet.Wallet,
) (*types.TransactionReference, error) {
	signer, ok := w.(wallet.EVMSigner)
	if !ok {
		return nil, walletMismatch(w.Family(), e.network)
	}
	from := signer.Account()
	if req.From != "" && !strings.EqualFold(req.From, from.Hex()) {
		return nil, types.Errorf(types.ErrWalletMismatch, "transfer is from %s but wallet is %s", req.From, from.Hex())
	}
	if req.FeePayer != "" && !strings.EqualFold(req.FeePayer, from.Hex()) {
		return nil, types.Errorf(types.ErrInvalidCharge, "fee payer override is not supported on %s", e.network)
	}
	if !common.IsHexAddress(req.To) || !common.IsHexAddress(req.Asset) {
		return nil, types.Errorf(types.ErrInvalidCharge, "invalid payTo or asset address")
	}
	to := common.HexToAddress(req.To)
	token := common.HexToAddress(req.Asset)

	decimals, err := e.decimals(ctx, token)
	if err != nil {
		return nil, submissionFailed("failed to read token decimals", err)
	}
	amount, err := utils.ToBaseUnits(req.Amount, int32(decimals))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidCharge, "invalid amount", err)
	}

	held, err := e.balanceOf(ctx, token, from)
	if err != nil {
		return nil, submissionFailed("failed to read token balance", err)
	}
	if held.Cmp(amount) < 0 {
		return nil, insufficientAsset(from.Hex(), token.Hex(),
			utils.FromBaseUnits(amount, int32(decimals)).String(),
			utils.FromBaseUnits(held, int32(decimals)).String())
	}

	data, err := e.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, submissionFailed("failed to encode transfer", err)
	}

	chainID, err := e.backend.ChainID(ctx)
	if err != nil {
		return nil, submissionFailed("failed to fetch chain id", err)
	}
	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, submissionFailed("failed to fetch nonce", err)
	}
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &token, Data: data})
	if err != nil {
		return nil, submissionFailed("gas estimation failed", err)
	}
	tip, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, submissionFailed("failed to suggest gas tip", err)
	}
	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, submissionFailed("failed to fetch latest header", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	native, err := e.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, submissionFailed("failed to read native balance", err)
	}
	maxCost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas))
	if native.Cmp(maxCost) < 0 {
		return nil, insufficientFee(from.Hex(), "native gas token",
			decimal.NewFromBigInt(maxCost, -18).String(),
			decimal.NewFromBigInt(native, -18).String())
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := signer.SignTx(ctx, tx, chainID, wallet.Approval{
		Network:  e.network,
		From:     from.Hex(),
		To:       to.Hex(),
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		return nil, signingError(err)
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, submissionFailed("broadcast failed", err)
	}

	e.log.Info("evm transfer submitted", map[string]any{
		"network": e.network.String(),
		"tx_ref":  signed.Hash().Hex(),
		"from":    from.Hex(),
		"to":      to.Hex(),
		"amount":  req.Amount.String(),
	})

	return &types.TransactionReference{Network: e.network, Signature: signed.Hash().Hex()}, nil
}

// AwaitConfirmation polls for the receipt. Processed and confirmed are met
// by a successful receipt; finalized additionally waits finalizedDepth blocks.
func (e *EVMClient) AwaitConfirmation(
	ctx context.Context,
	ref types.TransactionReference,
	level types.Commitment,
) (*types.Confirmation, error) {
	hash := common.HexToHash(ref.Signature)

	ticker := time.NewTicker(e.confirmInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
		case err != nil:
			e.log.Debug("receipt lookup failed", map[string]any{"tx_ref": ref.Signature, "error": err})
		case receipt.Status == ethtypes.ReceiptStatusFailed:
			return &types.Confirmation{
				Status: types.ConfirmationFailed,
				Slot:   receipt.BlockNumber.Uint64(),
				Reason: "transaction reverted",
			}, nil
		default:
			reached := types.CommitmentConfirmed
			if level == types.CommitmentFinalized {
				head, err := e.backend.BlockNumber(ctx)
				if err == nil && head >= receipt.BlockNumber.Uint64()+finalizedDepth {
					reached = types.CommitmentFinalized
				}
			}
			if reached.Satisfies(level) {
				return &types.Confirmation{
					Status: types.ConfirmationConfirmed,
					Level:  reached,
					Slot:   receipt.BlockNumber.Uint64(),
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return &types.Confirmation{Status: types.ConfirmationPending}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *EVMClient) GetNetwork() types.Network { return e.network }

func (e *EVMClient) Close() {
	e.backend.Close()
}

func (e *EVMClient) decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := e.call(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out[0])
	}
	return d, nil
}

func (e *EVMClient) balanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := e.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	b, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type %T", out[0])
	}
	return b, nil
}

func (e *EVMClient) call(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	input, err := e.tokenABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	out, err := e.tokenABI.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}
