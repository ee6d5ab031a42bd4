// Package x402pay confirms payments for x402 charges from the payer's side:
// it submits the on-chain transfer, notifies the ledger service, and polls
// the charge until content unlocks, verification fails, or time runs out.
package x402pay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitwit/x402pay/clients"
	"github.com/vitwit/x402pay/journal"
	"github.com/vitwit/x402pay/ledger"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/metrics"
	"github.com/vitwit/x402pay/settlement"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/utils"
	"github.com/vitwit/x402pay/verification"
	"github.com/vitwit/x402pay/wallet"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultConfirmTimeout = 45 * time.Second

	cancelNotifyTimeout = 10 * time.Second
)

// LedgerService is the part of the remote ledger the flow depends on.
type LedgerService interface {
	verification.StatusSource
	ConfirmPayment(ctx context.Context, chargeID string, ref types.TransactionReference) error
	CancelPayment(ctx context.Context, chargeID string) error
}

var _ LedgerService = (*ledger.Client)(nil)

// Flow is the payment confirmation flow for any number of charges.
type Flow struct {
	settlementService *settlement.Service
	ledger            LedgerService
	journal           journal.Store
	registry          *registry
	config            *types.FlowConfig

	poll           verification.PollConfig
	commitment     types.Commitment
	timeout        time.Duration
	confirmTimeout time.Duration
	progress       chan<- types.ProgressEvent

	logger  logger.Logger
	metrics metrics.Recorder
}

// New creates a Flow. cfg may be nil; options override its values.
func New(cfg *types.FlowConfig, ledgerService LedgerService, opts ...Option) *Flow {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	f := &Flow{
		ledger:         ledgerService,
		registry:       newRegistry(),
		config:         cfg,
		commitment:     types.CommitmentConfirmed,
		timeout:        DefaultTimeout,
		confirmTimeout: DefaultConfirmTimeout,
		poll: verification.PollConfig{
			Interval:      cfg.PollInterval,
			MaxAttempts:   cfg.PollMaxAttempts,
			BackoffFactor: cfg.BackoffFactor,
			MaxInterval:   cfg.MaxPollInterval,
		},
	}
	if cfg.DefaultTimeout > 0 {
		f.timeout = cfg.DefaultTimeout
	}
	if cfg.Commitment != "" {
		f.commitment = cfg.Commitment
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.logger == nil {
		if cfg.LogLevel != "" {
			f.logger = logger.NewZapLogger(cfg.LogLevel)
		} else {
			f.logger = logger.NoopLogger{}
		}
	}
	f.metrics = metrics.OrNoop(f.metrics)
	if f.journal == nil {
		f.journal = journal.NewMemoryStore()
	}
	f.settlementService = settlement.NewService(f.timeout, f.confirmTimeout)

	return f
}

// DefaultConfig polls every 2.5s for up to 24 attempts and awaits
// confirmed commitment.
func DefaultConfig() *types.FlowConfig {
	return &types.FlowConfig{
		DefaultTimeout:  DefaultTimeout,
		PollInterval:    verification.DefaultInterval,
		PollMaxAttempts: verification.DefaultMaxAttempts,
		BackoffFactor:   1,
		Commitment:      types.CommitmentConfirmed,
	}
}

// AddNetwork adds support for a specific network by creating the appropriate client
func (f *Flow) AddNetwork(network types.Network, config types.ClientConfig) error {
	switch {
	case network.IsEVM():
		return f.addEVMNetwork(network, config)
	case network.IsSolana():
		return f.addSolanaNetwork(network, config)
	default:
		return types.Errorf(types.ErrUnsupportedNetwork, "unsupported network: %s", network)
	}
}

func (f *Flow) addEVMNetwork(network types.Network, config types.ClientConfig) error {
	opts := []clients.EVMOption{clients.WithEVMLogger(f.logger)}
	if config.ConfirmInterval > 0 {
		opts = append(opts, clients.WithEVMConfirmInterval(config.ConfirmInterval))
	}

	client, err := clients.NewEVMClient(network, config.RPCUrl, opts...)
	if err != nil {
		return fmt.Errorf("failed to create EVM client for %s: %w", network, err)
	}
	return f.settlementService.AddEVMClient(client)
}

func (f *Flow) addSolanaNetwork(network types.Network, config types.ClientConfig) error {
	opts := []clients.SolanaOption{clients.WithSolanaLogger(f.logger)}
	if config.ComputeUnitPrice > 0 {
		opts = append(opts, clients.WithComputeUnitPrice(config.ComputeUnitPrice))
	}
	if config.ConfirmInterval > 0 {
		opts = append(opts, clients.WithConfirmInterval(config.ConfirmInterval))
	}

	client, err := clients.NewSolanaClient(network, config.RPCUrl, opts...)
	if err != nil {
		return fmt.Errorf("failed to create Solana client for %s: %w", network, err)
	}
	return f.settlementService.AddSolanaClient(client)
}

// AddClient registers a prebuilt chain client, e.g. a Solana client with
// fee-payer sponsors.
func (f *Flow) AddClient(client clients.Client) error {
	return f.settlementService.AddClient(client)
}

// Config returns the configuration the flow was built from.
func (f *Flow) Config() *types.FlowConfig {
	return f.config
}

// IsNetworkSupported checks if a network has a chain client
func (f *Flow) IsNetworkSupported(network types.Network) bool {
	return f.settlementService.IsNetworkSupported(network)
}

// SubmitAndConfirm pays charge with w and follows it until a terminal
// outcome. Unlocked, VerificationFailed, TimedOut and Cancelled are all
// returned as outcomes with a nil error; an error means the flow could not
// start or the transfer could not be made (insufficient funds, submission
// or on-chain failure).
//
// Starting a flow for a charge that already has one cancels the old flow
// and waits for it to exit. A charge the journal records as paid is never
// paid or confirmed again.
func (f *Flow) SubmitAndConfirm(ctx context.Context, charge *types.Charge, w wallet.Wallet) (*types.Outcome, error) {
	if err := utils.ValidateCharge(charge); err != nil {
		return nil, err
	}
	if charge.IsTerminal() {
		return nil, types.Errorf(types.ErrChargeAlreadySettled, "charge %s is already %s", charge.ID, charge.Status)
	}
	if w == nil {
		return nil, types.Errorf(types.ErrWalletDisconnected, "no wallet connected")
	}
	if !f.IsNetworkSupported(charge.Network) {
		return nil, types.Errorf(types.ErrUnsupportedNetwork, "no chain client configured for network %s", charge.Network)
	}

	runCtx, run := f.registry.start(ctx, charge.ID)
	defer f.registry.finish(run)

	labels := map[string]string{"network": charge.Network.String()}
	f.metrics.IncCounter(metrics.FlowStarted, labels)

	fields := map[string]any{
		"charge_id": charge.ID,
		"network":   charge.Network.String(),
		"run_id":    run.id,
	}
	f.logger.Info("payment flow started", logger.Merge(fields, map[string]any{
		"amount":   charge.Amount.String(),
		"currency": charge.Currency,
	}))

	outcome, err := f.run(runCtx, charge, w, fields)

	result := "error"
	if outcome != nil {
		result = string(outcome.Kind)
	}
	f.metrics.IncCounter(metrics.FlowOutcome, map[string]string{"network": charge.Network.String(), "outcome": result})
	if err != nil {
		f.logger.Error("payment flow failed", logger.Merge(fields, map[string]any{
			"code":  string(types.CodeOf(err)),
			"error": err,
		}))
	} else {
		f.logger.Info("payment flow finished", logger.Merge(fields, map[string]any{
			"outcome":  result,
			"tx_ref":   outcome.TxRef.Signature,
			"attempts": outcome.Attempts,
		}))
	}
	return outcome, err
}

func (f *Flow) run(ctx context.Context, charge *types.Charge, w wallet.Wallet, fields map[string]any) (*types.Outcome, error) {
	entry, err := f.journal.Get(ctx, charge.ID)
	if err != nil {
		return nil, fmt.Errorf("read journal for charge %s: %w", charge.ID, err)
	}
	if entry != nil && entry.Terminal() {
		if entry.Settled() {
			return nil, types.Errorf(types.ErrChargeAlreadySettled, "charge %s was already unlocked by %s", charge.ID, entry.TxRef)
		}
		return nil, types.Errorf(types.ErrChargeAlreadySettled,
			"charge %s already ended as %s; request a new charge to retry", charge.ID, entry.State)
	}

	var (
		ref       types.TransactionReference
		confirmed bool
	)
	if resumable(entry) {
		if entry.Network != charge.Network {
			return nil, types.Errorf(types.ErrInvalidCharge,
				"charge %s was already paid on %s, not %s", charge.ID, entry.Network, charge.Network)
		}
		ref = entry.Reference()
		confirmed = entry.Confirmed()
		f.logger.Info("resuming with recorded transaction", logger.Merge(fields, map[string]any{
			"tx_ref": ref.Signature,
			"state":  string(entry.State),
		}))
	} else {
		submitted, outcome, err := f.submit(ctx, charge, w, fields)
		if outcome != nil || err != nil {
			return outcome, err
		}
		ref = *submitted
	}

	if !confirmed {
		if outcome := f.confirm(ctx, charge, ref, fields); outcome != nil {
			return outcome, nil
		}
	}

	return f.awaitUnlock(ctx, charge, ref)
}

// resumable reports whether entry holds a broadcast transfer whose result
// is still unknown.
func resumable(entry *journal.Entry) bool {
	if entry == nil || entry.TxRef == "" {
		return false
	}
	switch entry.State {
	case journal.StateSubmitted, journal.StateConfirmed, journal.StateTimedOut:
		return true
	default:
		return false
	}
}

// submit builds, signs, broadcasts and awaits the transfer. It returns
// either a reference, a terminal outcome, or an error.
func (f *Flow) submit(
	ctx context.Context,
	charge *types.Charge,
	w wallet.Wallet,
	fields map[string]any,
) (*types.TransactionReference, *types.Outcome, error) {
	asset, _ := charge.ResolveAsset()
	req := &types.TransferRequest{
		Network:  charge.Network,
		Amount:   charge.Amount,
		Currency: charge.Currency,
		Asset:    asset,
		From:     w.Address(),
		To:       charge.PayTo,
		FeePayer: charge.FeePayer,
		Memo:     charge.ID,
	}
	labels := map[string]string{"network": charge.Network.String()}

	f.emit(charge.ID, types.StageBuilding, "building transfer", 0)
	f.emit(charge.ID, types.StageAwaitingSignature, "approve the transfer in your wallet", 0)

	start := time.Now()
	ref, err := f.settlementService.Submit(ctx, req, w)
	f.metrics.ObserveLatency(metrics.SubmitTransfer, time.Since(start), labels)
	if err != nil {
		if ctx.Err() != nil {
			return nil, f.cancelled(ctx, charge.ID, types.TransactionReference{}), nil
		}
		if types.HasCode(err, types.ErrUserRejected) {
			return nil, f.rejected(ctx, charge, err, fields), nil
		}
		f.emit(charge.ID, types.StageFailed, err.Error(), 0)
		return nil, nil, err
	}

	f.saveJournal(ctx, charge.ID, *ref, journal.StateSubmitted, fields)
	f.emit(charge.ID, types.StageSubmitted, "transaction "+ref.Signature+" submitted", 0)

	start = time.Now()
	conf, err := f.settlementService.Await(ctx, *ref, f.commitment)
	f.metrics.ObserveLatency(metrics.AwaitConfirmation, time.Since(start), labels)
	switch {
	case ctx.Err() != nil:
		return nil, f.cancelled(ctx, charge.ID, *ref), nil
	case err != nil:
		f.logger.Warn("on-chain confirmation not observed, continuing", logger.Merge(fields, map[string]any{
			"tx_ref": ref.Signature,
			"error":  err,
		}))
	case conf.Status == types.ConfirmationFailed:
		f.saveJournal(ctx, charge.ID, *ref, journal.StateChainFailed, fields)
		f.emit(charge.ID, types.StageFailed, "transaction failed on chain", 0)
		return nil, nil, types.Errorf(types.ErrChainSubmission,
			"transaction %s failed on chain: %s", ref.Signature, conf.Reason).
			WithData(*ref)
	default:
		f.emit(charge.ID, types.StageConfirmedOnChain, fmt.Sprintf("transaction %s reached %s", ref.Signature, conf.Level), 0)
	}

	return ref, nil, nil
}

// rejected handles a declined signature: the backend is told the payer
// walked away and no status polling happens.
func (f *Flow) rejected(ctx context.Context, charge *types.Charge, cause error, fields map[string]any) *types.Outcome {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelNotifyTimeout)
	defer cancel()

	if err := f.ledger.CancelPayment(notifyCtx, charge.ID); err != nil {
		f.logger.Warn("cancel notification failed", logger.Merge(fields, map[string]any{"error": err}))
	}
	f.saveJournal(ctx, charge.ID, types.TransactionReference{Network: charge.Network}, journal.StateCancelled, fields)
	f.emit(charge.ID, types.StageCancelled, "signature request declined", 0)

	return types.Cancelled(charge.ID, "user_rejected", cause)
}

// confirm notifies the ledger of ref. Failure is logged and the flow moves
// on; the outcome is non-nil only when the flow was cancelled meanwhile.
func (f *Flow) confirm(ctx context.Context, charge *types.Charge, ref types.TransactionReference, fields map[string]any) *types.Outcome {
	f.emit(charge.ID, types.StageNotifying, "notifying payment service", 0)
	f.saveJournal(ctx, charge.ID, ref, journal.StateConfirmed, fields)

	err := f.ledger.ConfirmPayment(ctx, charge.ID, ref)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return f.cancelled(ctx, charge.ID, ref)
	}

	notifyErr := types.NewError(types.ErrConfirmNotify, "confirm payment failed, relying on backend detection", err)
	f.metrics.IncCounter(metrics.ConfirmNotifyFailed, map[string]string{"network": charge.Network.String()})
	f.logger.Warn("confirm notification failed", logger.Merge(fields, map[string]any{
		"tx_ref": ref.Signature,
		"code":   string(notifyErr.Code),
		"error":  err,
	}))
	f.emit(charge.ID, types.StageNotifyFailed, notifyErr.Message, 0)
	return nil
}

// awaitUnlock runs the poll loop and maps its result to an outcome.
func (f *Flow) awaitUnlock(ctx context.Context, charge *types.Charge, ref types.TransactionReference) (*types.Outcome, error) {
	fields := map[string]any{"charge_id": charge.ID, "tx_ref": ref.Signature}

	poller := verification.NewPoller(f.ledger, f.poll,
		verification.WithLogger(f.logger),
		verification.WithMetrics(f.metrics),
		verification.WithNetwork(charge.Network),
		verification.WithTickFunc(func(attempt int, _ *types.PollState, err error) {
			if err != nil {
				f.emit(charge.ID, types.StagePollError, "status check failed, retrying", attempt)
				return
			}
			f.emit(charge.ID, types.StagePolling, "waiting for verification", attempt)
		}),
	)

	res, err := poller.Run(ctx, charge.ID)
	if err != nil {
		return f.cancelled(ctx, charge.ID, ref), nil
	}

	switch res.State {
	case verification.StateUnlocked:
		f.saveJournal(ctx, charge.ID, ref, journal.StateUnlocked, fields)
		f.emit(charge.ID, types.StageUnlocked, "payment verified, content unlocked", res.Attempts)
		return types.Unlocked(charge.ID, ref, res.Last, res.Attempts), nil

	case verification.StateFailed:
		reason := res.Last.FailureReason()
		f.saveJournal(ctx, charge.ID, ref, journal.StateFailed, fields)
		f.emit(charge.ID, types.StageFailed, reason, res.Attempts)
		return types.VerificationFailed(charge.ID, ref, reason, res.Last, res.Attempts), nil

	case verification.StateCancelled:
		f.saveJournal(ctx, charge.ID, ref, journal.StateCancelled, fields)
		f.emit(charge.ID, types.StageCancelled, "charge was cancelled by the payment service", res.Attempts)
		outcome := types.Cancelled(charge.ID, "charge_cancelled", nil)
		outcome.TxRef = ref
		outcome.State = res.Last
		outcome.Attempts = res.Attempts
		return outcome, nil

	default:
		f.saveJournal(ctx, charge.ID, ref, journal.StateTimedOut, fields)
		f.emit(charge.ID, types.StageTimedOut, "verification is taking longer than expected", res.Attempts)
		timeoutErr := types.Errorf(types.ErrVerificationTimeout,
			"charge %s not verified after %d status checks", charge.ID, res.Attempts)
		if res.LastError != nil {
			timeoutErr.Cause = res.LastError
		}
		outcome := types.TimedOut(charge.ID, ref, res.Attempts, timeoutErr)
		outcome.State = res.Last
		return outcome, nil
	}
}

// cancelled builds the outcome for a flow whose context ended. A flow
// replaced by a newer one for the same charge stays silent.
func (f *Flow) cancelled(ctx context.Context, chargeID string, ref types.TransactionReference) *types.Outcome {
	reason := "abandoned"
	if errors.Is(context.Cause(ctx), errSuperseded) {
		reason = "superseded"
	} else {
		f.emit(chargeID, types.StageCancelled, "payment flow cancelled", 0)
	}

	outcome := types.Cancelled(chargeID, reason, ctx.Err())
	outcome.TxRef = ref
	return outcome
}

func (f *Flow) saveJournal(
	ctx context.Context,
	chargeID string,
	ref types.TransactionReference,
	state journal.State,
	fields map[string]any,
) {
	err := f.journal.Save(context.WithoutCancel(ctx), journal.Entry{
		ChargeID:  chargeID,
		TxRef:     ref.Signature,
		Network:   ref.Network,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		f.logger.Error("journal write failed", logger.Merge(fields, map[string]any{
			"state": string(state),
			"error": err,
		}))
	}
}

func (f *Flow) emit(chargeID string, stage types.ProgressStage, msg string, attempt int) {
	if f.progress == nil {
		return
	}
	ev := types.ProgressEvent{
		ChargeID: chargeID,
		Stage:    stage,
		Message:  msg,
		Attempt:  attempt,
		Time:     time.Now(),
	}
	select {
	case f.progress <- ev:
	default:
		f.logger.Debug("progress event dropped", map[string]any{
			"charge_id": chargeID,
			"stage":     string(stage),
		})
	}
}

// Cancel abandons the active flow for chargeID. Only client-side waiting
// stops; a broadcast transfer is not reverted.
func (f *Flow) Cancel(chargeID string) bool {
	return f.registry.cancel(chargeID, errAbandoned)
}

// Active lists the charge IDs with a running flow, sorted.
func (f *Flow) Active() []string {
	return f.registry.active()
}

// Networks lists the networks with a chain client.
func (f *Flow) Networks() []types.Network {
	return f.settlementService.Networks()
}

// Close cancels all flows and closes all client connections
func (f *Flow) Close() {
	f.registry.cancelAll(errClosed)
	f.settlementService.Close()
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = types.X402Version1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	networks := make([]string, 0, len(types.SupportedNetworks()))
	for _, n := range types.SupportedNetworks() {
		networks = append(networks, n.String())
	}
	return map[string]interface{}{
		"library_version":     Version,
		"protocol_version":    int(ProtocolVersion),
		"supported_networks":  networks,
		"supported_standards": []string{"spl", "spl-token-2022", "erc20"},
	}
}
