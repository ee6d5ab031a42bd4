// Package metrics records flow counters and latencies.
package metrics

import "time"

// Counter and latency names emitted by the confirmation flow.
const (
	FlowStarted         = "flow_started"
	FlowOutcome         = "flow_outcome"
	ConfirmNotifyFailed = "confirm_notify_failed"
	PollAttempt         = "poll_attempt"
	PollError           = "poll_error"

	SubmitTransfer    = "submit_transfer"
	AwaitConfirmation = "await_confirmation"
	PollTotal         = "poll_total"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// NoopRecorder discards everything. Flows and servers use it when no
// recorder is configured.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
