package security

import (
	"fmt"
	"time"

	"github.com/your-org/meshgate/internal/tenant"
	"github.com/your-org/meshgate/pkg/envelope"
)

const DefaultFreshnessWindow = 5 * time.Minute

// Validator checks inbound envelope headers: required fields, signature,
// freshness and tenant isolation. It holds no mutable state; the key store is
// its only side channel.
type Validator struct {
	keys      KeyStore
	freshness time.Duration
	tenants   tenant.AllowList
}

// NewValidator builds a validator. A zero freshness window falls back to
// DefaultFreshnessWindow; a nil allow list admits every tenant.
func NewValidator(keys KeyStore, freshness time.Duration, tenants tenant.AllowList) *Validator {
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	return &Validator{keys: keys, freshness: freshness, tenants: tenants}
}

// Validate returns nil when the envelope is acceptable for dispatch.
// Clock skew in either direction counts against the freshness window.
func (v *Validator) Validate(e envelope.Envelope, now time.Time) error {
	if e.TenantID == "" {
		return fmt.Errorf("%w: tenant_id", envelope.ErrMissingField)
	}
	if e.TraceID == "" {
		return fmt.Errorf("%w: trace_id", envelope.ErrMissingField)
	}
	if e.Caller == "" {
		return fmt.Errorf("%w: caller", envelope.ErrMissingField)
	}
	if e.Timestamp == 0 {
		return fmt.Errorf("%w: timestamp", envelope.ErrMissingField)
	}

	if !v.tenants.Allowed(e.TenantID) {
		return fmt.Errorf("%w: %s", ErrTenantDenied, e.TenantID)
	}

	age := now.Sub(e.IssuedAt())
	if age < 0 {
		age = -age
	}
	if age > v.freshness {
		return fmt.Errorf("%w: issued %s, now %s", ErrExpired, e.IssuedAt().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	return VerifySignature(e, v.keys)
}
