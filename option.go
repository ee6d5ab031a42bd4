package x402pay

import (
	"time"

	"github.com/vitwit/x402pay/journal"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/metrics"
	"github.com/vitwit/x402pay/types"
)

type Option func(*Flow)

func WithLogger(l logger.Logger) Option {
	return func(f *Flow) {
		f.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Flow) {
		f.metrics = r
	}
}

// WithTimeout bounds building, signing and broadcasting a transfer.
func WithTimeout(t time.Duration) Option {
	return func(f *Flow) {
		f.timeout = t
	}
}

// WithConfirmTimeout bounds the wait for on-chain confirmation. Running out
// of it is not fatal; the flow goes on to notify and poll.
func WithConfirmTimeout(t time.Duration) Option {
	return func(f *Flow) {
		f.confirmTimeout = t
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(f *Flow) {
		f.poll.Interval = d
	}
}

func WithMaxAttempts(n int) Option {
	return func(f *Flow) {
		f.poll.MaxAttempts = n
	}
}

// WithBackoff grows the poll interval by factor after each attempt, capped at max.
func WithBackoff(factor float64, max time.Duration) Option {
	return func(f *Flow) {
		f.poll.BackoffFactor = factor
		f.poll.MaxInterval = max
	}
}

// WithProgress delivers progress events to ch. Sends never block; events
// are dropped when ch is full.
func WithProgress(ch chan<- types.ProgressEvent) Option {
	return func(f *Flow) {
		f.progress = ch
	}
}

func WithJournal(s journal.Store) Option {
	return func(f *Flow) {
		f.journal = s
	}
}

// WithCommitment sets the on-chain level awaited after broadcast.
func WithCommitment(c types.Commitment) Option {
	return func(f *Flow) {
		f.commitment = c
	}
}
