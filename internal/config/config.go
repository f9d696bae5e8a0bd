package config

import (
	"os"
	"time"

	"github.com/your-org/meshgate/internal/retry"
	"github.com/your-org/meshgate/internal/security"
)

// Runtime holds the baseline knobs a gateway needs before a manifest is
// consulted. Manifest values win over environment values.
type Runtime struct {
	AgentID          string
	TenantID         string
	ListenAddr       string
	MetricsAddr      string
	FreshnessWindow  time.Duration
	AckTimeout       time.Duration
	DispatchTimeout  time.Duration
	CallbackRetry    retry.Policy
	AuditLogPath     string
	JournalPath      string
	RedisURL         string
	CoordinationFile string
	ControlPlaneURL  string
}

// FromEnv loads baseline runtime config from environment with safe defaults.
func FromEnv() Runtime {
	cfg := Runtime{
		AgentID:         os.Getenv("GATEWAY_AGENT_ID"),
		TenantID:        os.Getenv("GATEWAY_TENANT"),
		ListenAddr:      ":8080",
		MetricsAddr:     os.Getenv("METRICS_LISTEN_ADDR"),
		FreshnessWindow: security.DefaultFreshnessWindow,
		AckTimeout:      3 * time.Second,
		DispatchTimeout: 30 * time.Second,
		CallbackRetry: retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.BackoffExponential,
			BaseDelay:   100 * time.Millisecond,
		},
		AuditLogPath:     os.Getenv("AUDIT_LOG_PATH"),
		JournalPath:      os.Getenv("TRACE_JOURNAL_PATH"),
		RedisURL:         os.Getenv("REDIS_URL"),
		CoordinationFile: os.Getenv("COORDINATION_FILE"),
		ControlPlaneURL:  os.Getenv("CONTROLPLANE_URL"),
	}

	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FRESHNESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.FreshnessWindow = d
		}
	}
	if v := os.Getenv("ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.AckTimeout = d
		}
	}
	if v := os.Getenv("DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DispatchTimeout = d
		}
	}

	return cfg
}
