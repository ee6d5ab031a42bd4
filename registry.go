package x402pay

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	errSuperseded = errors.New("flow superseded by a newer flow for the same charge")
	errAbandoned  = errors.New("flow abandoned")
	errClosed     = errors.New("flow closed")
)

// flowRun is one active confirmation flow.
type flowRun struct {
	id       string
	chargeID string
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

// registry tracks at most one active flow per charge.
type registry struct {
	mu   sync.Mutex
	runs map[string]*flowRun
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*flowRun)}
}

// start registers a new run for chargeID. A previous run for the same charge
// is cancelled and start waits for it to exit, so it must never be called
// from inside that run.
func (r *registry) start(parent context.Context, chargeID string) (context.Context, *flowRun) {
	ctx, cancel := context.WithCancelCause(parent)
	run := &flowRun{
		id:       uuid.NewString(),
		chargeID: chargeID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.runs[chargeID]
	r.runs[chargeID] = run
	r.mu.Unlock()

	if prev != nil {
		prev.cancel(errSuperseded)
		select {
		case <-prev.done:
		case <-ctx.Done():
		}
	}
	return ctx, run
}

// finish removes run if it is still the registered one and marks it done.
func (r *registry) finish(run *flowRun) {
	r.mu.Lock()
	if r.runs[run.chargeID] == run {
		delete(r.runs, run.chargeID)
	}
	r.mu.Unlock()

	run.cancel(nil)
	close(run.done)
}

func (r *registry) cancel(chargeID string, cause error) bool {
	r.mu.Lock()
	run, ok := r.runs[chargeID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	run.cancel(cause)
	return true
}

func (r *registry) cancelAll(cause error) {
	r.mu.Lock()
	runs := make([]*flowRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		run.cancel(cause)
	}
}

func (r *registry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
