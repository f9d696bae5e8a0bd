// Package trace records the lifecycle of envelopes flowing through a gateway
// so a workflow can be reconstructed and compared after the fact, and wires
// OpenTelemetry spans around the hot paths.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Phase marks one point in an envelope's life.
type Phase string

const (
	PhaseSent     Phase = "SENT"
	PhaseAcked    Phase = "ACKED"
	PhaseCallback Phase = "CALLBACK"
	PhaseError    Phase = "ERROR"
	PhaseDropped  Phase = "DROPPED"
)

// Step is one journal entry for a trace id.
type Step struct {
	TraceID     string    `json:"trace_id"`
	Phase       Phase     `json:"phase"`
	Agent       string    `json:"agent"`
	Tool        string    `json:"tool"`
	PayloadHash string    `json:"payload_hash,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempt     int       `json:"attempt"`
	At          time.Time `json:"at"`
}

// Journal is the serialized record of one gateway session.
type Journal struct {
	Gateway string `json:"gateway"`
	Steps   []Step `json:"steps"`
}

// Recorder accumulates steps; safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	journal Journal
}

func NewRecorder(gatewayID string) *Recorder {
	return &Recorder{journal: Journal{Gateway: gatewayID}}
}

func (r *Recorder) Record(step Step) {
	if step.At.IsZero() {
		step.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal.Steps = append(r.journal.Steps, step)
}

// Snapshot returns the journal with steps in deterministic order.
func (r *Recorder) Snapshot() Journal {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Journal{
		Gateway: r.journal.Gateway,
		Steps:   append([]Step(nil), r.journal.Steps...),
	}
	sort.Slice(out.Steps, func(i, j int) bool {
		if out.Steps[i].TraceID != out.Steps[j].TraceID {
			return out.Steps[i].TraceID < out.Steps[j].TraceID
		}
		if !out.Steps[i].At.Equal(out.Steps[j].At) {
			return out.Steps[i].At.Before(out.Steps[j].At)
		}
		return out.Steps[i].Phase < out.Steps[j].Phase
	})
	return out
}

// PayloadHash fingerprints payload bytes for journal comparison without
// retaining the payload itself.
func PayloadHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func SaveToFile(path string, j Journal) error {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("journal: write %q: %w", path, err)
	}
	return nil
}

func LoadFromFile(path string) (Journal, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Journal{}, fmt.Errorf("journal: read %q: %w", path, err)
	}
	var j Journal
	if err := json.Unmarshal(b, &j); err != nil {
		return Journal{}, fmt.Errorf("journal: unmarshal %q: %w", path, err)
	}
	return j, nil
}

// Divergence describes where two journals disagree for one trace id.
type Divergence struct {
	TraceID  string
	Field    string
	Expected string
	Actual   string
}

// Compare reduces each journal to the terminal phase per trace id and
// reports differences. An empty list means equivalent workflow outcomes.
func Compare(expected Journal, actual Journal) []Divergence {
	expMap := terminalByTrace(expected)
	actMap := terminalByTrace(actual)

	ids := make([]string, 0, len(expMap)+len(actMap))
	seen := map[string]struct{}{}
	for id := range expMap {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for id := range actMap {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]Divergence, 0)
	for _, id := range ids {
		e, eok := expMap[id]
		a, aok := actMap[id]
		if !eok {
			out = append(out, Divergence{TraceID: id, Field: "missing_expected", Actual: string(a.Phase)})
			continue
		}
		if !aok {
			out = append(out, Divergence{TraceID: id, Field: "missing_actual", Expected: string(e.Phase)})
			continue
		}
		if e.Phase != a.Phase {
			out = append(out, Divergence{TraceID: id, Field: "phase", Expected: string(e.Phase), Actual: string(a.Phase)})
		}
		if e.Error != a.Error {
			out = append(out, Divergence{TraceID: id, Field: "error", Expected: e.Error, Actual: a.Error})
		}
		if e.PayloadHash != a.PayloadHash {
			out = append(out, Divergence{TraceID: id, Field: "payload_hash", Expected: e.PayloadHash, Actual: a.PayloadHash})
		}
	}
	return out
}

func FormatDivergence(div []Divergence) string {
	if len(div) == 0 {
		return "no divergence detected"
	}
	msg := "journal divergence detected:\n"
	for _, d := range div {
		msg += fmt.Sprintf("- trace=%s field=%s expected=%q actual=%q\n", d.TraceID, d.Field, d.Expected, d.Actual)
	}
	return msg
}

// terminalByTrace keeps the last step per trace id, preferring terminal
// phases over transport phases when timestamps tie.
func terminalByTrace(j Journal) map[string]Step {
	rank := map[Phase]int{PhaseSent: 0, PhaseAcked: 1, PhaseCallback: 2, PhaseError: 2, PhaseDropped: 2}
	m := make(map[string]Step)
	for _, s := range j.Steps {
		prev, ok := m[s.TraceID]
		if !ok || s.At.After(prev.At) || (s.At.Equal(prev.At) && rank[s.Phase] >= rank[prev.Phase]) {
			m[s.TraceID] = s
		}
	}
	return m
}
