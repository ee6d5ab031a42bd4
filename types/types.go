package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// ChargeStatus is the server-side lifecycle state of a Charge.
type ChargeStatus string

const (
	ChargeStatusPending    ChargeStatus = "pending"
	ChargeStatusMonitoring ChargeStatus = "monitoring"
	ChargeStatusSucceeded  ChargeStatus = "succeeded"
	ChargeStatusFailed     ChargeStatus = "failed"
	ChargeStatusCancelled  ChargeStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s ChargeStatus) IsTerminal() bool {
	return s == ChargeStatusSucceeded || s == ChargeStatusFailed || s == ChargeStatusCancelled
}

// Charge is a server-issued payment intent.
type Charge struct {
	ID       string          `json:"id" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"required"`
	Status   ChargeStatus    `json:"status,omitempty"`

	// Rail-specific destination and routing.
	PayTo    string  `json:"pay_to" validate:"required"`
	Network  Network `json:"network" validate:"required"`
	FeePayer string  `json:"fee_payer,omitempty"`

	// Token mint or contract. Empty means the network's default for Currency.
	Asset string `json:"asset,omitempty"`

	CheckoutURL string     `json:"checkout_url,omitempty"`
	CustomerRef string     `json:"customer_ref,omitempty"`
	ResourceRef string     `json:"resource_ref,omitempty"`
	ReturnURL   string     `json:"return_url,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// IsTerminal reports whether the charge can no longer be paid.
func (c *Charge) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// ResolveAsset returns the explicit asset or the network default for the currency.
func (c *Charge) ResolveAsset() (string, bool) {
	if c.Asset != "" {
		return c.Asset, true
	}
	return c.Network.DefaultAsset(c.Currency)
}

// TransactionReference identifies a broadcast on-chain transfer.
type TransactionReference struct {
	Network   Network `json:"network"`
	Signature string  `json:"signature"`
}

func (r TransactionReference) String() string { return r.Signature }

// IsZero reports whether the reference is unset.
func (r TransactionReference) IsZero() bool { return r.Signature == "" }

// Commitment is the on-chain confirmation level awaited after broadcast.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// rank orders commitment levels so a higher level satisfies a lower request.
func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// Satisfies reports whether reaching c meets the wanted level.
func (c Commitment) Satisfies(want Commitment) bool {
	return c.rank() > 0 && c.rank() >= want.rank()
}

// TransferRequest describes the asset movement needed to pay a charge.
type TransferRequest struct {
	Network  Network         `json:"network"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Asset    string          `json:"asset"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	FeePayer string          `json:"feePayer,omitempty"`
	Memo     string          `json:"memo,omitempty"`
}

// ConfirmationStatus is the chain-observed state of a transaction.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationFailed    ConfirmationStatus = "failed"
)

// Confirmation is the result of awaiting a transaction on chain.
type Confirmation struct {
	Status ConfirmationStatus `json:"status"`
	Level  Commitment         `json:"level,omitempty"`
	Slot   uint64             `json:"slot,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// PollRaw carries the backend's own view behind a PollState.
type PollRaw struct {
	MeshpayStatus         string `json:"meshpay_status,omitempty"`
	MeshpayVerifiedReason string `json:"meshpay_verified_reason,omitempty"`
}

// PollState is the client-side projection of a charge, fetched repeatedly.
type PollState struct {
	TransactionID   string       `json:"transaction_id"`
	Status          ChargeStatus `json:"status"`
	Verified        bool         `json:"verified"`
	VerifiedAt      *time.Time   `json:"verified_at,omitempty"`
	ContentUnlocked bool         `json:"content_unlocked"`
	Amount          string       `json:"amount,omitempty"`
	Currency        string       `json:"currency,omitempty"`
	Raw             *PollRaw     `json:"raw,omitempty"`
}

// FailureReason returns the backend's reason for a failed state, if any.
func (p *PollState) FailureReason() string {
	if p.Raw != nil && p.Raw.MeshpayVerifiedReason != "" {
		return p.Raw.MeshpayVerifiedReason
	}
	return "payment failed"
}

// OutcomeKind discriminates the result of a confirmation flow.
type OutcomeKind string

const (
	OutcomeUnlocked           OutcomeKind = "unlocked"
	OutcomeVerificationFailed OutcomeKind = "verification_failed"
	OutcomeCancelled          OutcomeKind = "cancelled"
	OutcomeTimedOut           OutcomeKind = "timed_out"
)

// Outcome is what a confirmation flow reports to its caller.
type Outcome struct {
	Kind     OutcomeKind          `json:"kind"`
	ChargeID string               `json:"chargeId"`
	TxRef    TransactionReference `json:"txRef,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Attempts int                  `json:"attempts"`
	State    *PollState           `json:"state,omitempty"`
	Err      error                `json:"-"`
}

func Unlocked(chargeID string, ref TransactionReference, state *PollState, attempts int) *Outcome {
	return &Outcome{Kind: OutcomeUnlocked, ChargeID: chargeID, TxRef: ref, State: state, Attempts: attempts}
}

func VerificationFailed(chargeID string, ref TransactionReference, reason string, state *PollState, attempts int) *Outcome {
	return &Outcome{Kind: OutcomeVerificationFailed, ChargeID: chargeID, TxRef: ref, Reason: reason, State: state, Attempts: attempts}
}

func Cancelled(chargeID string, reason string, err error) *Outcome {
	return &Outcome{Kind: OutcomeCancelled, ChargeID: chargeID, Reason: reason, Err: err}
}

func TimedOut(chargeID string, ref TransactionReference, attempts int, err error) *Outcome {
	return &Outcome{Kind: OutcomeTimedOut, ChargeID: chargeID, TxRef: ref, Attempts: attempts, Err: err}
}

// ProgressStage names a step of the flow for presentation layers.
type ProgressStage string

const (
	StageBuilding          ProgressStage = "building"
	StageAwaitingSignature ProgressStage = "awaiting_signature"
	StageSubmitted         ProgressStage = "submitted"
	StageConfirmedOnChain  ProgressStage = "confirmed_on_chain"
	StageNotifying         ProgressStage = "notifying"
	StageNotifyFailed      ProgressStage = "notify_failed"
	StagePolling           ProgressStage = "polling"
	StagePollError         ProgressStage = "poll_error"
	StageUnlocked          ProgressStage = "unlocked"
	StageFailed            ProgressStage = "failed"
	StageTimedOut          ProgressStage = "timed_out"
	StageCancelled         ProgressStage = "cancelled"
)

// ProgressEvent is a status notification for UI rendering.
type ProgressEvent struct {
	ChargeID string        `json:"chargeId"`
	Stage    ProgressStage `json:"stage"`
	Message  string        `json:"message"`
	Attempt  int           `json:"attempt,omitempty"`
	Time     time.Time     `json:"time"`
}

// ClientConfig contains configuration for blockchain clients
type ClientConfig struct {
	Network          Network       `json:"network"`
	RPCUrl           string        `json:"rpcUrl"`
	ConfirmInterval  time.Duration `json:"confirmInterval,omitempty"`
	ComputeUnitPrice uint64        `json:"computeUnitPrice,omitempty"`
}

// FlowConfig contains global configuration for the confirmation flow
type FlowConfig struct {
	DefaultTimeout  time.Duration `json:"defaultTimeout,omitempty"`
	PollInterval    time.Duration `json:"pollInterval,omitempty"`
	PollMaxAttempts int           `json:"pollMaxAttempts,omitempty"`
	BackoffFactor   float64       `json:"backoffFactor,omitempty"`
	MaxPollInterval time.Duration `json:"maxPollInterval,omitempty"`
	Commitment      Commitment    `json:"commitment,omitempty"`
	LogLevel        string        `json:"logLevel,omitempty"`
	EnableMetrics   bool          `json:"enableMetrics,omitempty"`
}
