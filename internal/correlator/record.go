package correlator

import (
	"sort"
	"time"

	"github.com/your-org/meshgate/pkg/envelope"
)

// Status is the lifecycle position of one pending correlation.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusComplete Status = "COMPLETE"
	StatusTimedOut Status = "TIMED_OUT"
)

// Record is the persisted state of one fan-in, keyed by trace id. Implicit
// records were created by a callback arriving before any registration; their
// expectation set grows as sources arrive and they only terminate by timeout
// or by a later explicit registration.
type Record struct {
	TraceID    string                      `json:"trace_id"`
	Expected   map[string]bool             `json:"expected"`
	Received   map[string]envelope.Payload `json:"received"`
	Implicit   bool                        `json:"implicit"`
	CreatedAt  time.Time                   `json:"created_at"`
	Deadline   time.Time                   `json:"deadline"`
	Status     Status                      `json:"status"`
	ConsumedAt time.Time                   `json:"consumed_at,omitempty"`
}

func (r Record) allReceived() bool {
	if len(r.Expected) == 0 {
		return false
	}
	for source := range r.Expected {
		if _, ok := r.Received[source]; !ok {
			return false
		}
	}
	return true
}

func (r Record) receivedSources() []string {
	out := make([]string, 0, len(r.Received))
	for source := range r.Received {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

func (r Record) clone() Record {
	out := r
	out.Expected = make(map[string]bool, len(r.Expected))
	for k, v := range r.Expected {
		out.Expected[k] = v
	}
	out.Received = make(map[string]envelope.Payload, len(r.Received))
	for k, v := range r.Received {
		out.Received[k] = v
	}
	return out
}

// Result is the synthesized outcome handed back to the workflow initiator.
// Partial results carry only the sources that arrived before the deadline
// and are explicitly flagged so consumers can tell them apart.
type Result struct {
	TraceID string           `json:"trace_id"`
	Partial bool             `json:"partial"`
	Sources []string         `json:"sources"`
	Data    envelope.Payload `json:"data"`
}

// Combiner merges the received partial payloads into the final result data.
// The workflow initiator supplies one per trace; DefaultCombiner is used
// otherwise.
type Combiner func(traceID string, received map[string]envelope.Payload) envelope.Payload

// DefaultCombiner nests each source's payload under its agent id.
func DefaultCombiner(traceID string, received map[string]envelope.Payload) envelope.Payload {
	bySource := make(map[string]any, len(received))
	for source, payload := range received {
		bySource[source] = payload
	}
	return envelope.Payload{"sources": bySource}
}
