package security

import (
	"fmt"
	"sort"
	"sync"
)

// KeyStore resolves the shared secret registered for a caller agent.
// Implementations back onto the external identity store; the gateway only
// ever asks for lookups.
type KeyStore interface {
	Secret(callerID string) ([]byte, error)
}

// StaticKeys is an in-memory KeyStore populated at startup from config.
type StaticKeys struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

func NewStaticKeys() *StaticKeys {
	return &StaticKeys{secrets: make(map[string][]byte)}
}

func (s *StaticKeys) Add(callerID string, secret []byte) error {
	if callerID == "" {
		return fmt.Errorf("caller id is empty")
	}
	if len(secret) == 0 {
		return fmt.Errorf("secret for caller %q is empty", callerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[callerID] = append([]byte(nil), secret...)
	return nil
}

func (s *StaticKeys) Secret(callerID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[callerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCaller, callerID)
	}
	return secret, nil
}

// Callers lists the registered caller ids in stable order.
func (s *StaticKeys) Callers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.secrets))
	for id := range s.secrets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
