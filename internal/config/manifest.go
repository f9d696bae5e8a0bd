package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/your-org/meshgate/internal/breaker"
	"github.com/your-org/meshgate/internal/correlator"
	"github.com/your-org/meshgate/internal/retry"
	"github.com/your-org/meshgate/internal/security"
	"github.com/your-org/meshgate/internal/tenant"
)

var (
	ErrManifestNoIdentity = errors.New("manifest: gateway.agent_id and gateway.tenant are required")
	ErrManifestNoSecret   = errors.New("manifest: secret_env names an unset environment variable")
)

// Manifest is the top-level gateway manifest file.
type Manifest struct {
	Gateway      GatewaySettings    `yaml:"gateway"`
	Peers        []PeerBinding      `yaml:"peers"`
	Tenants      []string           `yaml:"tenants"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
	Retry        RetryConfig        `yaml:"retry"`
	Correlator   CorrelatorConfig   `yaml:"correlator"`
	Audit        AuditConfig        `yaml:"audit"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// GatewaySettings configures this gateway's identity and listeners.
type GatewaySettings struct {
	AgentID         string    `yaml:"agent_id"`
	Tenant          string    `yaml:"tenant"`
	ListenAddr      string    `yaml:"listen_addr"`
	SecretEnv       string    `yaml:"secret_env"`
	FreshnessWindow string    `yaml:"freshness_window"`
	AckTimeout      string    `yaml:"ack_timeout"`
	DispatchTimeout string    `yaml:"dispatch_timeout"`
	RBAC            RBAC      `yaml:"rbac"`
	TLS             TLSConfig `yaml:"tls"`
}

// RBAC configures allowed roles per operator action.
type RBAC struct {
	SendRoles    []string `yaml:"send_roles"`
	ResolveRoles []string `yaml:"resolve_roles"`
	ExportRoles  []string `yaml:"export_roles"`
	AdminRoles   []string `yaml:"admin_roles"`
}

// TLSConfig configures the optional HTTPS listener.
type TLSConfig struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	CAFile            string `yaml:"ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

// PeerBinding declares one remote gateway: where it listens and which
// environment variable holds its shared signing secret.
type PeerBinding struct {
	ID        string `yaml:"id"`
	Endpoint  string `yaml:"endpoint"`
	SecretEnv string `yaml:"secret_env"`
}

// CapabilityConfig binds a capability name to the remote agent and tool that
// provide it, with a per-capability circuit breaker.
type CapabilityConfig struct {
	Name           string               `yaml:"name"`
	RemoteAgent    string               `yaml:"remote_agent"`
	RemoteTool     string               `yaml:"remote_tool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig declares per-capability breaker options.
type CircuitBreakerConfig struct {
	FailureThreshold   int    `yaml:"failure_threshold"`
	RecoveryTimeout    string `yaml:"recovery_timeout"`
	MaxRecoveryTimeout string `yaml:"max_recovery_timeout"`
}

// RetryConfig declares callback delivery retry options.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
	BaseDelay   string `yaml:"base_delay"`
}

// CorrelatorConfig selects the correlation store and its timing bounds.
type CorrelatorConfig struct {
	Store           string `yaml:"store"`
	RedisURL        string `yaml:"redis_url"`
	RedisPrefix     string `yaml:"redis_prefix"`
	DefaultDeadline string `yaml:"default_deadline"`
	ConsumedGrace   string `yaml:"consumed_grace"`
	Retention       string `yaml:"retention"`
	SweepInterval   string `yaml:"sweep_interval"`
}

// AuditConfig points at the JSONL audit log.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoadManifest parses and validates a YAML manifest.
func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read %q: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: unmarshal %q: %w", path, err)
	}

	if err := ValidateManifest(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ValidateManifest enforces structural correctness before runtime.
func ValidateManifest(m Manifest) error {
	if m.Gateway.AgentID == "" || m.Gateway.Tenant == "" {
		return ErrManifestNoIdentity
	}
	if err := tenant.Validate(m.Gateway.Tenant); err != nil {
		return fmt.Errorf("manifest: invalid gateway.tenant: %w", err)
	}
	for _, raw := range []string{m.Gateway.FreshnessWindow, m.Gateway.AckTimeout, m.Gateway.DispatchTimeout} {
		if err := checkDuration(raw); err != nil {
			return fmt.Errorf("manifest: gateway timing: %w", err)
		}
	}
	if m.Gateway.TLS.Enabled() && (m.Gateway.TLS.CertFile == "" || m.Gateway.TLS.KeyFile == "") {
		return errors.New("manifest: tls needs both cert_file and key_file")
	}

	for _, roles := range [][]string{
		m.Gateway.RBAC.SendRoles,
		m.Gateway.RBAC.ResolveRoles,
		m.Gateway.RBAC.ExportRoles,
		m.Gateway.RBAC.AdminRoles,
	} {
		for _, role := range roles {
			if _, err := security.ParseRole(role); err != nil {
				return fmt.Errorf("manifest: invalid rbac role %q: %w", role, err)
			}
		}
	}

	for _, id := range m.Tenants {
		if err := tenant.Validate(id); err != nil {
			return fmt.Errorf("manifest: invalid tenant %q: %w", id, err)
		}
	}

	peers := make(map[string]struct{}, len(m.Peers))
	for _, p := range m.Peers {
		if p.ID == "" {
			return errors.New("manifest: peer id is empty")
		}
		if _, exists := peers[p.ID]; exists {
			return fmt.Errorf("manifest: duplicate peer id %q", p.ID)
		}
		peers[p.ID] = struct{}{}
		if p.Endpoint == "" {
			return fmt.Errorf("manifest: peer %q has no endpoint", p.ID)
		}
		if p.SecretEnv == "" {
			return fmt.Errorf("manifest: peer %q has no secret_env", p.ID)
		}
	}

	caps := make(map[string]struct{}, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if c.Name == "" {
			return errors.New("manifest: capability name is empty")
		}
		if _, exists := caps[c.Name]; exists {
			return fmt.Errorf("manifest: duplicate capability %q", c.Name)
		}
		caps[c.Name] = struct{}{}

		if c.RemoteAgent != "" {
			if _, ok := peers[c.RemoteAgent]; !ok {
				return fmt.Errorf("manifest: capability %q names unknown peer %q", c.Name, c.RemoteAgent)
			}
			if c.RemoteTool == "" {
				return fmt.Errorf("manifest: capability %q has remote_agent but no remote_tool", c.Name)
			}
		}
		if c.CircuitBreaker.FailureThreshold < 0 {
			return fmt.Errorf("manifest: capability %q has negative circuit_breaker.failure_threshold", c.Name)
		}
		for _, raw := range []string{c.CircuitBreaker.RecoveryTimeout, c.CircuitBreaker.MaxRecoveryTimeout} {
			if err := checkDuration(raw); err != nil {
				return fmt.Errorf("manifest: capability %q circuit_breaker: %w", c.Name, err)
			}
		}
	}

	if m.Retry.MaxAttempts < 0 {
		return errors.New("manifest: retry.max_attempts cannot be negative")
	}
	switch retry.BackoffStrategy(m.Retry.Backoff) {
	case "", retry.BackoffLinear, retry.BackoffExponential, retry.BackoffExponentialJitter:
	default:
		return fmt.Errorf("manifest: unknown retry.backoff %q", m.Retry.Backoff)
	}
	if err := checkDuration(m.Retry.BaseDelay); err != nil {
		return fmt.Errorf("manifest: retry.base_delay: %w", err)
	}

	switch m.Correlator.Store {
	case "", "memory":
	case "redis":
		if m.Correlator.RedisURL == "" {
			return errors.New("manifest: correlator.store=redis requires correlator.redis_url")
		}
	default:
		return fmt.Errorf("manifest: unknown correlator.store %q", m.Correlator.Store)
	}
	for _, raw := range []string{
		m.Correlator.DefaultDeadline,
		m.Correlator.ConsumedGrace,
		m.Correlator.Retention,
		m.Correlator.SweepInterval,
	} {
		if err := checkDuration(raw); err != nil {
			return fmt.Errorf("manifest: correlator timing: %w", err)
		}
	}

	return nil
}

func checkDuration(raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := time.ParseDuration(raw); err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Runtime folds manifest values over environment baseline config.
func (m Manifest) Runtime() Runtime {
	cfg := FromEnv()
	cfg.AgentID = m.Gateway.AgentID
	cfg.TenantID = tenant.Normalize(m.Gateway.Tenant)
	if m.Gateway.ListenAddr != "" {
		cfg.ListenAddr = m.Gateway.ListenAddr
	}
	if m.Metrics.ListenAddr != "" {
		cfg.MetricsAddr = m.Metrics.ListenAddr
	}
	if m.Audit.Path != "" {
		cfg.AuditLogPath = m.Audit.Path
	}
	cfg.FreshnessWindow = duration(m.Gateway.FreshnessWindow, cfg.FreshnessWindow)
	cfg.AckTimeout = duration(m.Gateway.AckTimeout, cfg.AckTimeout)
	cfg.DispatchTimeout = duration(m.Gateway.DispatchTimeout, cfg.DispatchTimeout)
	cfg.CallbackRetry = m.RetryPolicy(cfg.CallbackRetry)
	return cfg
}

// Keys resolves every shared secret named in the manifest into a key store.
// The gateway's own secret registers under its agent id so it can sign acks
// and callbacks.
func (m Manifest) Keys() (*security.StaticKeys, error) {
	keys := security.NewStaticKeys()

	resolve := func(agentID, envName string) error {
		if envName == "" {
			return nil
		}
		secret := os.Getenv(envName)
		if secret == "" {
			return fmt.Errorf("%w: %s (peer %s)", ErrManifestNoSecret, envName, agentID)
		}
		return keys.Add(agentID, []byte(secret))
	}

	if err := resolve(m.Gateway.AgentID, m.Gateway.SecretEnv); err != nil {
		return nil, err
	}
	for _, p := range m.Peers {
		if err := resolve(p.ID, p.SecretEnv); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// AllowList builds the tenant allow list; an empty tenants section admits
// every tenant.
func (m Manifest) AllowList() tenant.AllowList {
	if len(m.Tenants) == 0 {
		return nil
	}
	return tenant.NewAllowList(m.Tenants...)
}

// RBACPolicy builds the operator policy, falling back to defaults for any
// action with no configured roles.
func (m Manifest) RBACPolicy() security.Policy {
	r := m.Gateway.RBAC
	if len(r.SendRoles) == 0 && len(r.ResolveRoles) == 0 && len(r.ExportRoles) == 0 && len(r.AdminRoles) == 0 {
		return security.DefaultPolicy()
	}
	allowed := map[security.Action][]security.Role{}
	fill := func(action security.Action, raw []string) {
		// Bad role names were already rejected by ValidateManifest.
		roles, err := security.ParseRoles(raw)
		if err != nil || len(roles) == 0 {
			return
		}
		allowed[action] = roles
	}
	fill(security.ActionSend, r.SendRoles)
	fill(security.ActionResolve, r.ResolveRoles)
	fill(security.ActionExport, r.ExportRoles)
	fill(security.ActionAdmin, r.AdminRoles)
	return security.NewPolicy(allowed)
}

// BreakerPolicy converts one capability's breaker config.
func (c CapabilityConfig) BreakerPolicy() breaker.Policy {
	return breaker.Policy{
		FailureThreshold:   c.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:    duration(c.CircuitBreaker.RecoveryTimeout, 0),
		MaxRecoveryTimeout: duration(c.CircuitBreaker.MaxRecoveryTimeout, 0),
	}
}

// RetryPolicy converts the manifest retry section, falling back per field.
func (m Manifest) RetryPolicy(fallback retry.Policy) retry.Policy {
	out := fallback
	if m.Retry.MaxAttempts > 0 {
		out.MaxAttempts = m.Retry.MaxAttempts
	}
	if m.Retry.Backoff != "" {
		out.Backoff = retry.BackoffStrategy(m.Retry.Backoff)
	}
	out.BaseDelay = duration(m.Retry.BaseDelay, fallback.BaseDelay)
	return out
}

// CorrelatorOptions converts the manifest correlator timing section.
func (m Manifest) CorrelatorOptions() correlator.Options {
	return correlator.Options{
		DefaultDeadline: duration(m.Correlator.DefaultDeadline, 0),
		ConsumedGrace:   duration(m.Correlator.ConsumedGrace, 0),
		Retention:       duration(m.Correlator.Retention, 0),
		SweepInterval:   duration(m.Correlator.SweepInterval, 0),
	}
}
