package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/your-org/meshgate/pkg/envelope"
)

// Call is the handler-facing view of one inbound envelope.
type Call struct {
	TenantID       string
	TraceID        string
	ConversationID string
	Caller         string
	Tool           string
	Kind           envelope.Kind
	Args           envelope.Payload
}

// Handler processes one tool invocation. The returned payload becomes the
// callback result; for inbound callbacks the return value is discarded.
type Handler func(ctx context.Context, call Call) (envelope.Payload, error)

// Registry stores tool handlers by name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(tool string, h Handler) error {
	if tool == "" {
		return ErrEmptyToolName
	}
	if h == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[tool]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool)
	}
	r.handlers[tool] = h
	return nil
}

func (r *Registry) Get(tool string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tool]
	return h, ok
}

// Tools lists registered tool names in stable order.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for tool := range r.handlers {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}
