package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/utils"
	"github.com/vitwit/x402pay/wallet"
)

const (
	lamportsPerSignature   uint64 = 5000
	tokenAccountSize       uint64 = 165
	transferComputeUnits   uint32 = 8000
	createATAComputeUnits  uint32 = 30000
	memoComputeUnits       uint32 = 10000
	defaultComputeUnitCost uint64 = 1 // micro-lamports per compute unit
	defaultConfirmInterval        = 2 * time.Second
)

var memoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// SolanaRPC is the subset of *rpc.Client used by SolanaClient.
type SolanaRPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ SolanaRPC = (*rpc.Client)(nil)

// SolanaClient pays charges with SPL token TransferChecked transfers.
type SolanaClient struct {
	network          types.Network
	rpcURL           string
	client           SolanaRPC
	closer           func() error
	computeUnitPrice uint64
	confirmInterval  time.Duration
	sponsors         map[solana.PublicKey]wallet.SolanaSigner
	log              logger.Logger
}

var _ Client = (*SolanaClient)(nil)

type SolanaOption func(*SolanaClient)

// WithSolanaRPC replaces the JSON-RPC client, mainly for tests.
func WithSolanaRPC(c SolanaRPC) SolanaOption {
	return func(s *SolanaClient) {
		s.client = c
		s.closer = nil
	}
}

// WithComputeUnitPrice sets the priority fee in micro-lamports per compute unit.
func WithComputeUnitPrice(microLamports uint64) SolanaOption {
	return func(s *SolanaClient) {
		s.computeUnitPrice = microLamports
	}
}

// WithConfirmInterval sets how often signature status is polled.
func WithConfirmInterval(d time.Duration) SolanaOption {
	return func(s *SolanaClient) {
		s.confirmInterval = d
	}
}

// WithSponsor registers a fee payer able to co-sign when a charge names it.
func WithSponsor(sponsor wallet.SolanaSigner) SolanaOption {
	return func(s *SolanaClient) {
		s.sponsors[sponsor.PublicKey()] = sponsor
	}
}

func WithSolanaLogger(l logger.Logger) SolanaOption {
	return func(s *SolanaClient) {
		s.log = logger.OrNoop(l)
	}
}

// NewSolanaClient creates a client for network using rpcURL, or the public
// endpoint for network when rpcURL is empty.
func NewSolanaClient(network types.Network, rpcURL string, opts ...SolanaOption) (*SolanaClient, error) {
	if !network.IsSolana() {
		return nil, types.Errorf(types.ErrUnsupportedNetwork, "network %s is not a Solana network", network)
	}
	if rpcURL == "" {
		rpcURL = network.DefaultRPCURL()
	}

	s := &SolanaClient{
		network:          network,
		rpcURL:           rpcURL,
		computeUnitPrice: defaultComputeUnitCost,
		confirmInterval:  defaultConfirmInterval,
		sponsors:         make(map[solana.PublicKey]wallet.SolanaSigner),
		log:              logger.NoopLogger{},
	}
	if rpcURL != "" {
		c := rpc.New(rpcURL)
		s.client = c
		s.closer = c.Close
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		return nil, types.Errorf(types.ErrConfigError, "no RPC endpoint configured for %s", network)
	}
	return s, nil
}

// mintInfo is what the transfer needs to know about the payment asset.
type mintInfo struct {
	address  solana.PublicKey
	program  solana.PublicKey
	decimals uint8
}

// SubmitTransfer builds, signs and broadcasts an SPL TransferChecked for req.
// A missing recipient token account is created in the same transaction.
func (s *SolanaClient) SubmitTransfer(
	ctx context.Context,
	req *types.TransferRequest,
	w wallet.Wallet,
) (*types.TransactionReference, error) {
	signer, ok := w.(wallet.SolanaSigner)
	if !ok {
		return nil, walletMismatch(w.Family(), s.network)
	}
	owner := signer.PublicKey()
	if req.From != "" && req.From != owner.String() {
		return nil, types.Errorf(types.ErrWalletMismatch, "transfer is from %s but wallet is %s", req.From, owner)
	}

	recipient, err := solana.PublicKeyFromBase58(req.To)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidCharge, "invalid payTo address", err)
	}

	feePayer := owner
	var sponsor wallet.SolanaSigner
	if req.FeePayer != "" && req.FeePayer != owner.String() {
		feePayer, err = solana.PublicKeyFromBase58(req.FeePayer)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidCharge, "invalid feePayer address", err)
		}
		sponsor, ok = s.sponsors[feePayer]
		if !ok {
			return nil, submissionFailed(fmt.Sprintf("no signer available for fee payer %s", feePayer), nil)
		}
	}

	mint, err := s.loadMint(ctx, req.Asset)
	if err != nil {
		return nil, err
	}

	amount, err := utils.ToBaseUnits(req.Amount, int32(mint.decimals))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidCharge, "invalid amount", err)
	}
	if !amount.IsUint64() {
		return nil, types.Errorf(types.ErrInvalidCharge, "amount %s overflows a token amount", req.Amount)
	}

	sourceATA, err := associatedTokenAddress(owner, mint)
	if err != nil {
		return nil, submissionFailed("failed to derive source token account", err)
	}
	destinationATA, err := associatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, submissionFailed("failed to derive destination token account", err)
	}

	if err := s.checkTokenBalance(ctx, owner, sourceATA, mint, amount); err != nil {
		return nil, err
	}

	destExists, err := s.accountExists(ctx, destinationATA)
	if err != nil {
		return nil, submissionFailed("failed to look up destination token account", err)
	}

	units := transferComputeUnits
	var instructions []solana.Instruction
	if !destExists {
		units += createATAComputeUnits
		instructions = append(instructions, createATAIdempotent(owner, destinationATA, recipient, mint))
	}

	transferIx, err := transferChecked(amount.Uint64(), mint, sourceATA, destinationATA, owner)
	if err != nil {
		return nil, submissionFailed("failed to build transfer instruction", err)
	}
	instructions = append(instructions, transferIx)

	if req.Memo != "" {
		units += memoComputeUnits
		instructions = append(instructions, solana.NewInstruction(
			memoProgramID,
			solana.AccountMetaSlice{solana.Meta(owner).SIGNER()},
			[]byte(req.Memo),
		))
	}

	signatures := uint64(1)
	if sponsor != nil {
		signatures = 2
	}
	if err := s.checkLamports(ctx, owner, feePayer, signatures, units, !destExists); err != nil {
		return nil, err
	}

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(units).
		ValidateAndBuild()
	if err != nil {
		return nil, submissionFailed("failed to build compute limit instruction", err)
	}
	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(s.computeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, submissionFailed("failed to build compute price instruction", err)
	}

	latest, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, submissionFailed("failed to get latest blockhash", err)
	}

	builder := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice)
	for _, ix := range instructions {
		builder = builder.AddInstruction(ix)
	}
	tx, err := builder.
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(feePayer).
		Build()
	if err != nil {
		return nil, submissionFailed("failed to create transaction", err)
	}

	approval := wallet.Approval{
		Network:  s.network,
		From:     owner.String(),
		To:       req.To,
		Amount:   req.Amount,
		Currency: req.Currency,
	}
	if err := signer.SignTransaction(ctx, tx, approval); err != nil {
		return nil, signingError(err)
	}
	if sponsor != nil {
		if err := sponsor.SignTransaction(ctx, tx, approval); err != nil {
			return nil, submissionFailed("fee payer failed to sign", err)
		}
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, submissionFailed("broadcast failed", err)
	}

	s.log.Info("solana transfer submitted", map[string]any{
		"network":     s.network.String(),
		"tx_ref":      sig.String(),
		"from":        owner.String(),
		"to":          req.To,
		"amount":      req.Amount.String(),
		"created_ata": !destExists,
	})

	return &types.TransactionReference{Network: s.network, Signature: sig.String()}, nil
}

// AwaitConfirmation polls signature status until ref reaches level.
func (s *SolanaClient) AwaitConfirmation(
	ctx context.Context,
	ref types.TransactionReference,
	level types.Commitment,
) (*types.Confirmation, error) {
	sig, err := solana.SignatureFromBase58(ref.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", ref.Signature, err)
	}

	ticker := time.NewTicker(s.confirmInterval)
	defer ticker.Stop()

	for {
		out, err := s.client.GetSignatureStatuses(ctx, true, sig)
		switch {
		case err != nil:
			s.log.Debug("signature status lookup failed", map[string]any{"tx_ref": ref.Signature, "error": err})
		case len(out.Value) > 0 && out.Value[0] != nil:
			st := out.Value[0]
			if st.Err != nil {
				return &types.Confirmation{
					Status: types.ConfirmationFailed,
					Slot:   st.Slot,
					Reason: fmt.Sprintf("%v", st.Err),
				}, nil
			}
			reached := types.Commitment(st.ConfirmationStatus)
			if reached.Satisfies(level) {
				return &types.Confirmation{
					Status: types.ConfirmationConfirmed,
					Level:  reached,
					Slot:   st.Slot,
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

func (s *SolanaClient) GetNetwork() types.Network { return s.network }

func (s *SolanaClient) Close() {
	if s.closer != nil {
		_ = s.closer()
	}
}

func (s *SolanaClient) loadMint(ctx context.Context, asset string) (*mintInfo, error) {
	address, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidCharge, "invalid asset address", err)
	}

	account, err := s.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{Commitment: rpc.CommitmentConfirmed})
	if err != nil || account == nil || account.Value == nil {
		return nil, submissionFailed(fmt.Sprintf("failed to load mint %s", asset), err)
	}

	program := account.Value.Owner
	if program != solana.TokenProgramID && program != solana.Token2022ProgramID {
		return nil, submissionFailed(fmt.Sprintf("asset %s was not created by a known token program", asset), nil)
	}

	var mint token.Mint
	if err := bin.NewBinDecoder(account.Value.Data.GetBinary()).Decode(&mint); err != nil {
		return nil, submissionFailed("failed to decode mint data", err)
	}

	return &mintInfo{address: address, program: program, decimals: mint.Decimals}, nil
}

func (s *SolanaClient) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	out, err := s.client.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: rpc.CommitmentConfirmed})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out != nil && out.Value != nil, nil
}

// checkTokenBalance fails with ErrInsufficientAssetBalance when the sender has
// no token account for the mint or holds less than amount.
func (s *SolanaClient) checkTokenBalance(
	ctx context.Context,
	owner, sourceATA solana.PublicKey,
	mint *mintInfo,
	amount *big.Int,
) error {
	required := decimal.NewFromBigInt(amount, -int32(mint.decimals)).String()

	exists, err := s.accountExists(ctx, sourceATA)
	if err != nil {
		return submissionFailed("failed to look up source token account", err)
	}
	if !exists {
		return insufficientAsset(owner.String(), mint.address.String(), required, "0")
	}

	bal, err := s.client.GetTokenAccountBalance(ctx, sourceATA, rpc.CommitmentConfirmed)
	if err != nil || bal == nil || bal.Value == nil {
		return submissionFailed("failed to read token balance", err)
	}
	held, ok := new(big.Int).SetString(bal.Value.Amount, 10)
	if !ok {
		return submissionFailed(fmt.Sprintf("unparseable token balance %q", bal.Value.Amount), nil)
	}
	if held.Cmp(amount) < 0 {
		available := decimal.NewFromBigInt(held, -int32(mint.decimals)).String()
		return insufficientAsset(owner.String(), mint.address.String(), required, available)
	}
	return nil
}

// checkLamports verifies the fee payer can cover fees and the sender can
// cover rent for a token account it creates. When both are the same account
// the costs are summed.
func (s *SolanaClient) checkLamports(
	ctx context.Context,
	owner, feePayer solana.PublicKey,
	signatures uint64,
	units uint32,
	createsATA bool,
) error {
	fee := signatures*lamportsPerSignature + (s.computeUnitPrice*uint64(units)+999_999)/1_000_000

	var rent uint64
	if createsATA {
		r, err := s.client.GetMinimumBalanceForRentExemption(ctx, tokenAccountSize, rpc.CommitmentConfirmed)
		if err != nil {
			return submissionFailed("failed to estimate rent", err)
		}
		rent = r
	}

	need := map[solana.PublicKey]uint64{feePayer: fee}
	need[owner] += rent

	for account, lamports := range need {
		if lamports == 0 {
			continue
		}
		bal, err := s.client.GetBalance(ctx, account, rpc.CommitmentConfirmed)
		if err != nil || bal == nil {
			return submissionFailed(fmt.Sprintf("failed to read SOL balance of %s", account), err)
		}
		if bal.Value < lamports {
			return insufficientFee(account.String(), "SOL", lamportsToSOL(lamports), lamportsToSOL(bal.Value))
		}
	}
	return nil
}

func lamportsToSOL(l uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(l), -9).String()
}

// associatedTokenAddress derives the ATA for owner under the mint's token program.
func associatedTokenAddress(owner solana.PublicKey, mint *mintInfo) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], mint.program[:], mint.address[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

// createATAIdempotent builds the associated token program's CreateIdempotent
// instruction, paid by payer.
func createATAIdempotent(payer, ata, owner solana.PublicKey, mint *mintInfo) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint.address),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(mint.program),
		},
		[]byte{1},
	)
}

// transferChecked builds TransferChecked and re-targets it at the mint's
// token program so Token-2022 mints work too.
func transferChecked(amount uint64, mint *mintInfo, source, destination, owner solana.PublicKey) (solana.Instruction, error) {
	ix, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(mint.decimals).
		SetSourceAccount(source).
		SetMintAccount(mint.address).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	data, err := ix.Data()
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(mint.program, ix.Accounts(), data), nil
}
