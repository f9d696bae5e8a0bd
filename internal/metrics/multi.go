package metrics

import "time"

// MultiRecorder fans out observations to multiple recorders.
type MultiRecorder struct {
	recorders []Recorder
}

func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	nonNil := make([]Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			nonNil = append(nonNil, r)
		}
	}
	return &MultiRecorder{recorders: nonNil}
}

func (m *MultiRecorder) ObserveEnvelope(kind string, status string) {
	for _, r := range m.recorders {
		r.ObserveEnvelope(kind, status)
	}
}

func (m *MultiRecorder) ObserveDispatch(tool string, status string, duration time.Duration) {
	for _, r := range m.recorders {
		r.ObserveDispatch(tool, status, duration)
	}
}

func (m *MultiRecorder) ObserveCallbackRetry(tool string) {
	for _, r := range m.recorders {
		r.ObserveCallbackRetry(tool)
	}
}

func (m *MultiRecorder) ObserveCircuitTransition(capability string, to string) {
	for _, r := range m.recorders {
		r.ObserveCircuitTransition(capability, to)
	}
}

func (m *MultiRecorder) ObserveCorrelation(status string) {
	for _, r := range m.recorders {
		r.ObserveCorrelation(status)
	}
}
