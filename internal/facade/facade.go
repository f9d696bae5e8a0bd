// Package facade resolves logical capabilities to a remote provider with a
// local fallback, guarded by a per-capability circuit breaker.
package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/your-org/meshgate/internal/breaker"
	"github.com/your-org/meshgate/pkg/envelope"
)

var (
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrDuplicateProvider  = errors.New("capability already registered")
)

// Request is one invocation against a logical capability.
type Request struct {
	Operation string
	Args      envelope.Payload
}

// Response carries the provider result. Degraded marks results served by the
// local fallback so downstream consumers can tell them apart.
type Response struct {
	Data     envelope.Payload
	Provider string
	Degraded bool
}

// Provider is one concrete implementation of a capability.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (envelope.Payload, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, req Request) (envelope.Payload, error)
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) Invoke(ctx context.Context, req Request) (envelope.Payload, error) {
	return p.Fn(ctx, req)
}

type binding struct {
	remote Provider
	local  Provider
	policy breaker.Policy
}

// Facade owns the capability table. Registration happens at startup; Invoke
// is safe for concurrent use.
type Facade struct {
	mu       sync.RWMutex
	bindings map[string]binding
	breakers *breaker.Set
	logger   *slog.Logger
}

func New(breakers *breaker.Set, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		bindings: make(map[string]binding),
		breakers: breakers,
		logger:   logger,
	}
}

// Register binds exactly one remote and one local provider to a capability.
func (f *Facade) Register(capability string, remote Provider, local Provider, policy breaker.Policy) error {
	if capability == "" {
		return fmt.Errorf("capability name is empty")
	}
	if remote == nil || local == nil {
		return fmt.Errorf("capability %q needs both a remote and a local provider", capability)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.bindings[capability]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, capability)
	}
	f.bindings[capability] = binding{remote: remote, local: local, policy: policy}
	f.breakers.GetOrCreate(capability, policy)
	return nil
}

// Resolve returns the registered providers for a capability.
func (f *Facade) Resolve(capability string) (remote Provider, local Provider, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.bindings[capability]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}
	return b.remote, b.local, nil
}

// Invoke runs the request against the remote provider under the breaker and
// falls back to the local provider when the remote path is unavailable.
// Remote failures are not retried inline; the breaker already encodes
// backoff.
func (f *Facade) Invoke(ctx context.Context, capability string, req Request) (Response, error) {
	f.mu.RLock()
	b, ok := f.bindings[capability]
	f.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}

	cb := f.breakers.GetOrCreate(capability, b.policy)

	var data envelope.Payload
	remoteErr := cb.Execute(ctx, func(ctx context.Context) error {
		out, err := b.remote.Invoke(ctx, req)
		if err != nil {
			return err
		}
		data = out
		return nil
	})
	if remoteErr == nil {
		return Response{Data: data, Provider: b.remote.Name()}, nil
	}

	f.logger.Warn("remote provider unavailable, falling back",
		"capability", capability,
		"provider", b.remote.Name(),
		"error", remoteErr)

	localData, localErr := b.local.Invoke(ctx, req)
	if localErr != nil {
		return Response{}, fmt.Errorf("%w: capability %s: remote: %v; local: %v",
			ErrServiceUnavailable, capability, remoteErr, localErr)
	}
	return Response{Data: localData, Provider: b.local.Name(), Degraded: true}, nil
}

// Health reports the breaker read model for every registered capability.
func (f *Facade) Health() []breaker.Snapshot {
	return f.breakers.Health()
}
