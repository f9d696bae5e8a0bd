package metrics

import (
	"sync"
	"time"
)

// Recorder defines the metric hooks for gateway instrumentation.
type Recorder interface {
	ObserveEnvelope(kind string, status string)
	ObserveDispatch(tool string, status string, duration time.Duration)
	ObserveCallbackRetry(tool string)
	ObserveCircuitTransition(capability string, to string)
	ObserveCorrelation(status string)
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func (NoopRecorder) ObserveEnvelope(string, string)                 {}
func (NoopRecorder) ObserveDispatch(string, string, time.Duration)  {}
func (NoopRecorder) ObserveCallbackRetry(string)                    {}
func (NoopRecorder) ObserveCircuitTransition(string, string)        {}
func (NoopRecorder) ObserveCorrelation(string)                      {}

// Snapshot is a point-in-time counter summary for reports and tests.
type Snapshot struct {
	EnvelopesAccepted     int64
	EnvelopesRejected     int64
	DispatchErrors        int64
	CallbackRetries       int64
	CircuitTransitions    int64
	CorrelationsCompleted int64
	CorrelationsTimedOut  int64
}

// InMemoryRecorder accumulates counters for run summaries.
type InMemoryRecorder struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

func (r *InMemoryRecorder) ObserveEnvelope(kind string, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == "accepted" {
		r.snap.EnvelopesAccepted++
	} else {
		r.snap.EnvelopesRejected++
	}
}

func (r *InMemoryRecorder) ObserveDispatch(tool string, status string, duration time.Duration) {
	if status == "error" {
		r.mu.Lock()
		r.snap.DispatchErrors++
		r.mu.Unlock()
	}
}

func (r *InMemoryRecorder) ObserveCallbackRetry(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.CallbackRetries++
}

func (r *InMemoryRecorder) ObserveCircuitTransition(capability string, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.CircuitTransitions++
}

func (r *InMemoryRecorder) ObserveCorrelation(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch status {
	case "complete":
		r.snap.CorrelationsCompleted++
	case "timed_out":
		r.snap.CorrelationsTimedOut++
	}
}

func (r *InMemoryRecorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}
