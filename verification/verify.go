// Package verification polls the ledger's per-charge status until the charge
// reaches a terminal state or the attempt budget runs out.
package verification

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/metrics"
	"github.com/vitwit/x402pay/types"
)

const (
	DefaultInterval    = 2500 * time.Millisecond
	DefaultMaxAttempts = 24
)

var errEmptyStatus = errors.New("status source returned no state")

// StatusSource is a side-effect-free status lookup, safe to call at tick cadence.
type StatusSource interface {
	GetStatus(ctx context.Context, chargeID string) (*types.PollState, error)
}

// State is the poll loop's state machine position.
type State string

const (
	StatePolling   State = "polling"
	StateUnlocked  State = "unlocked"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// PollConfig bounds the loop. With BackoffFactor <= 1 the interval is fixed.
type PollConfig struct {
	Interval      time.Duration
	MaxAttempts   int
	BackoffFactor float64
	MaxInterval   time.Duration
}

// DefaultPollConfig polls every 2.5s for up to 60s.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: DefaultInterval, MaxAttempts: DefaultMaxAttempts, BackoffFactor: 1}
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	return c
}

// delay returns the wait before poll number attempt+1, given attempt polls done.
func (c PollConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.Interval) * math.Pow(c.BackoffFactor, float64(attempt-1)))
	if c.MaxInterval > 0 && d > c.MaxInterval {
		d = c.MaxInterval
	}
	return d
}

// MaxWait is the upper bound of time spent sleeping between polls.
func (c PollConfig) MaxWait() time.Duration {
	c = c.withDefaults()
	var total time.Duration
	for attempt := 1; attempt < c.MaxAttempts; attempt++ {
		total += c.delay(attempt)
	}
	return total
}

// PollResult is the terminal position of one loop run.
type PollResult struct {
	State           State
	Last            *types.PollState
	Attempts        int
	TransientErrors int
	LastError       error
}

// TickFunc observes every poll; err is the transient error, if any.
type TickFunc func(attempt int, state *types.PollState, err error)

// Poller runs the unified poll-until-terminal loop.
type Poller struct {
	source  StatusSource
	cfg     PollConfig
	log     logger.Logger
	metrics metrics.Recorder
	network string
	onTick  TickFunc
}

type Option func(*Poller)

func WithLogger(l logger.Logger) Option {
	return func(p *Poller) { p.log = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Poller) { p.metrics = metrics.OrNoop(r) }
}

// WithNetwork labels metrics with the charge's network.
func WithNetwork(n types.Network) Option {
	return func(p *Poller) { p.network = n.String() }
}

func WithTickFunc(fn TickFunc) Option {
	return func(p *Poller) { p.onTick = fn }
}

func NewPoller(source StatusSource, cfg PollConfig, opts ...Option) *Poller {
	p := &Poller{
		source:  source,
		cfg:     cfg.withDefaults(),
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Poller) Config() PollConfig { return p.cfg }

// Run polls chargeID until a terminal state. The first poll is immediate.
// Transport errors count toward MaxAttempts but never end the loop early.
// A succeeded status keeps polling until the content is unlocked.
// When ctx ends, Run stops its timer and returns ctx.Err().
func (p *Poller) Run(ctx context.Context, chargeID string) (*PollResult, error) {
	start := time.Now()
	res := &PollResult{State: StatePolling}
	labels := map[string]string{"network": p.network}

	defer func() {
		p.metrics.ObserveLatency(metrics.PollTotal, time.Since(start), labels)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-timer.C:
		}

		res.Attempts++
		p.metrics.IncCounter(metrics.PollAttempt, labels)

		state, err := p.source.GetStatus(ctx, chargeID)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err == nil && state == nil {
			err = errEmptyStatus
		}

		fields := map[string]any{"charge_id": chargeID, "attempt": res.Attempts}
		if err != nil {
			res.TransientErrors++
			res.LastError = types.NewError(types.ErrTransientPoll, "status lookup failed", err)
			p.metrics.IncCounter(metrics.PollError, labels)
			p.log.Warn("status poll failed", logger.Merge(fields, map[string]any{
				"code":  string(types.ErrTransientPoll),
				"error": err,
			}))
		} else {
			res.Last = state
			p.log.Debug("status polled", logger.Merge(fields, map[string]any{
				"status":           string(state.Status),
				"verified":         state.Verified,
				"content_unlocked": state.ContentUnlocked,
			}))
		}

		if p.onTick != nil {
			p.onTick(res.Attempts, state, err)
		}

		if err == nil {
			switch {
			case state.ContentUnlocked:
				res.State = StateUnlocked
				return res, nil
			case state.Status == types.ChargeStatusFailed:
				res.State = StateFailed
				return res, nil
			case state.Status == types.ChargeStatusCancelled:
				res.State = StateCancelled
				return res, nil
			}
		}

		if res.Attempts >= p.cfg.MaxAttempts {
			res.State = StateTimedOut
			p.log.Info("status polling timed out", logger.Merge(fields, map[string]any{
				"transient_errors": res.TransientErrors,
			}))
			return res, nil
		}

		timer.Reset(p.cfg.delay(res.Attempts))
	}
}
