package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInMemoryRecorderCounts(t *testing.T) {
	r := NewInMemoryRecorder()
	r.ObserveEnvelope("call", "accepted")
	r.ObserveEnvelope("call", "rejected")
	r.ObserveDispatch("lookup", "error", time.Millisecond)
	r.ObserveDispatch("lookup", "ok", time.Millisecond)
	r.ObserveCallbackRetry("collect")
	r.ObserveCircuitTransition("database", "OPEN")
	r.ObserveCorrelation("complete")
	r.ObserveCorrelation("timed_out")

	snap := r.Snapshot()
	if snap.EnvelopesAccepted != 1 || snap.EnvelopesRejected != 1 {
		t.Fatalf("envelope counts wrong: %+v", snap)
	}
	if snap.DispatchErrors != 1 {
		t.Fatalf("dispatch errors wrong: %+v", snap)
	}
	if snap.CallbackRetries != 1 || snap.CircuitTransitions != 1 {
		t.Fatalf("retry/circuit counts wrong: %+v", snap)
	}
	if snap.CorrelationsCompleted != 1 || snap.CorrelationsTimedOut != 1 {
		t.Fatalf("correlation counts wrong: %+v", snap)
	}
}

func TestMultiRecorderFansOut(t *testing.T) {
	a := NewInMemoryRecorder()
	b := NewInMemoryRecorder()
	m := NewMultiRecorder(a, nil, b)

	m.ObserveEnvelope("callback", "accepted")
	m.ObserveCorrelation("complete")

	for _, r := range []*InMemoryRecorder{a, b} {
		snap := r.Snapshot()
		if snap.EnvelopesAccepted != 1 || snap.CorrelationsCompleted != 1 {
			t.Fatalf("recorder did not receive fan-out: %+v", snap)
		}
	}
}

func TestPrometheusRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder(registry)
	if err != nil {
		t.Fatalf("new prometheus recorder: %v", err)
	}

	r.ObserveEnvelope("call", "accepted")
	r.ObserveEnvelope("call", "accepted")
	r.ObserveCircuitTransition("database", "OPEN")

	if got := testutil.ToFloat64(r.envelopes.WithLabelValues("call", "accepted")); got != 2 {
		t.Fatalf("expected 2 accepted call envelopes, got %v", got)
	}
	if got := testutil.ToFloat64(r.circuitStates.WithLabelValues("database", "OPEN")); got != 1 {
		t.Fatalf("expected 1 open transition, got %v", got)
	}
}

func TestNewPrometheusRecorderNilRegistry(t *testing.T) {
	if _, err := NewPrometheusRecorder(nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
}
