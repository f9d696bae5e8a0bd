package breaker

import (
	"sort"
	"sync"
)

// Set holds one breaker per capability. Each breaker carries its own lock so
// unrelated capabilities never serialize on each other.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	onChange func(Event)
}

func NewSet(onChange func(Event)) *Set {
	return &Set{breakers: make(map[string]*Breaker), onChange: onChange}
}

// GetOrCreate returns the breaker for capability, creating a CLOSED one with
// the given policy on first use.
func (s *Set) GetOrCreate(capability string, policy Policy) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[capability]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[capability]; ok {
		return b
	}
	b = New(capability, policy, s.onChange)
	s.breakers[capability] = b
	return b
}

func (s *Set) Get(capability string) (*Breaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.breakers[capability]
	return b, ok
}

// Health returns snapshots for every registered capability, sorted by name.
func (s *Set) Health() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}
