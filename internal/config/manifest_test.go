package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/your-org/meshgate/internal/retry"
	"github.com/your-org/meshgate/internal/security"
)

const sampleManifest = `
gateway:
  agent_id: caller-agent
  tenant: acme
  listen_addr: ":8181"
  secret_env: GATEWAY_SECRET
  freshness_window: 2m
  ack_timeout: 5s
  rbac:
    send_roles: [operator, admin]
    admin_roles: [admin]
peers:
  - id: worker-agent
    endpoint: http://worker:8080
    secret_env: WORKER_SECRET
tenants: [acme, globex]
capabilities:
  - name: summarize
    remote_agent: worker-agent
    remote_tool: summarize
    circuit_breaker:
      failure_threshold: 3
      recovery_timeout: 10s
retry:
  max_attempts: 4
  backoff: exponential_jitter
  base_delay: 50ms
correlator:
  store: memory
  default_deadline: 1m
audit:
  path: /tmp/audit.jsonl
metrics:
  listen_addr: ":9090"
`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}

	if m.Gateway.AgentID != "caller-agent" {
		t.Errorf("agent id = %q", m.Gateway.AgentID)
	}
	if len(m.Peers) != 1 || m.Peers[0].Endpoint != "http://worker:8080" {
		t.Errorf("unexpected peers: %+v", m.Peers)
	}

	rt := m.Runtime()
	if rt.ListenAddr != ":8181" {
		t.Errorf("listen addr = %q", rt.ListenAddr)
	}
	if rt.FreshnessWindow != 2*time.Minute {
		t.Errorf("freshness = %v", rt.FreshnessWindow)
	}
	if rt.AckTimeout != 5*time.Second {
		t.Errorf("ack timeout = %v", rt.AckTimeout)
	}
	if rt.CallbackRetry.MaxAttempts != 4 || rt.CallbackRetry.Backoff != retry.BackoffExponentialJitter {
		t.Errorf("retry policy = %+v", rt.CallbackRetry)
	}
	if rt.MetricsAddr != ":9090" {
		t.Errorf("metrics addr = %q", rt.MetricsAddr)
	}
	if rt.AuditLogPath != "/tmp/audit.jsonl" {
		t.Errorf("audit path = %q", rt.AuditLogPath)
	}
}

func TestValidateManifestRejectsMissingIdentity(t *testing.T) {
	_, err := LoadManifest(writeManifest(t, "gateway:\n  listen_addr: \":8080\"\n"))
	if !errors.Is(err, ErrManifestNoIdentity) {
		t.Fatalf("expected ErrManifestNoIdentity, got %v", err)
	}
}

func TestValidateManifestRejectsUnknownPeerCapability(t *testing.T) {
	body := `
gateway:
  agent_id: a
  tenant: acme
capabilities:
  - name: x
    remote_agent: ghost
    remote_tool: t
`
	if _, err := LoadManifest(writeManifest(t, body)); err == nil {
		t.Fatal("expected error for capability bound to unknown peer")
	}
}

func TestValidateManifestRejectsBadRole(t *testing.T) {
	body := `
gateway:
  agent_id: a
  tenant: acme
  rbac:
    send_roles: [superuser]
`
	if _, err := LoadManifest(writeManifest(t, body)); err == nil {
		t.Fatal("expected error for unknown rbac role")
	}
}

func TestValidateManifestRejectsRedisWithoutURL(t *testing.T) {
	body := `
gateway:
  agent_id: a
  tenant: acme
correlator:
  store: redis
`
	if _, err := LoadManifest(writeManifest(t, body)); err == nil {
		t.Fatal("expected error for redis store without url")
	}
}

func TestKeysResolveFromEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_SECRET", "s1")
	t.Setenv("WORKER_SECRET", "s2")

	m, err := LoadManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	keys, err := m.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	secret, err := keys.Secret("worker-agent")
	if err != nil || string(secret) != "s2" {
		t.Fatalf("worker secret = %q, %v", secret, err)
	}
	if _, err := keys.Secret("caller-agent"); err != nil {
		t.Fatalf("own secret missing: %v", err)
	}
}

func TestKeysMissingEnvFails(t *testing.T) {
	t.Setenv("GATEWAY_SECRET", "s1")
	os.Unsetenv("WORKER_SECRET")

	m, err := LoadManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if _, err := m.Keys(); !errors.Is(err, ErrManifestNoSecret) {
		t.Fatalf("expected ErrManifestNoSecret, got %v", err)
	}
}

func TestRBACPolicyFallsBackToDefaults(t *testing.T) {
	var m Manifest
	p := m.RBACPolicy()
	if !p.IsAllowed(security.RoleAdmin, security.ActionAdmin) {
		t.Error("default policy should allow admin/admin")
	}
	if p.IsAllowed(security.RoleViewer, security.ActionSend) {
		t.Error("default policy should deny viewer/send")
	}
}

func TestRBACPolicyUsesConfiguredRoles(t *testing.T) {
	var m Manifest
	m.Gateway.RBAC = RBAC{
		SendRoles:    []string{"admin"},
		ResolveRoles: []string{"viewer", "operator"},
	}
	p := m.RBACPolicy()
	if p.IsAllowed(security.RoleOperator, security.ActionSend) {
		t.Error("send should be admin-only under this manifest")
	}
	if !p.IsAllowed(security.RoleAdmin, security.ActionSend) {
		t.Error("admin should be allowed to send")
	}
	if !p.IsAllowed(security.RoleViewer, security.ActionResolve) {
		t.Error("viewer should be allowed to resolve")
	}
	if p.IsAllowed(security.RoleViewer, security.ActionExport) {
		t.Error("unconfigured actions should deny")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	os.Unsetenv("GATEWAY_LISTEN_ADDR")
	os.Unsetenv("ACK_TIMEOUT")
	cfg := FromEnv()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.AckTimeout != 3*time.Second {
		t.Errorf("ack timeout = %v", cfg.AckTimeout)
	}
	if cfg.CallbackRetry.MaxAttempts != 3 {
		t.Errorf("retry attempts = %d", cfg.CallbackRetry.MaxAttempts)
	}
}
