package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/your-org/meshgate/internal/audit"
	"github.com/your-org/meshgate/internal/config"
	"github.com/your-org/meshgate/internal/security"
	"github.com/your-org/meshgate/internal/trace"
)

// ValidateManifest loads and validates a manifest only.
func ValidateManifest(manifestPath string) error {
	if _, err := config.LoadManifest(manifestPath); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	return nil
}

// ExportAudit converts the JSONL audit log into CSV for offline review. The
// export_audit action is RBAC-guarded and itself audited.
func ExportAudit(manifestPath string, inputPath string, outputPath string) (retErr error) {
	logger := audit.NewLogger(strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH")))
	actor := currentRole().String()
	defer func() {
		status := "success"
		if retErr != nil {
			status = "error"
		}
		_ = logger.Write("", actor, audit.ActionAdmin, outputPath, status, retErr)
	}()

	policy := security.DefaultPolicy()
	if manifestPath != "" {
		manifest, err := config.LoadManifest(manifestPath)
		if err != nil {
			return fmt.Errorf("export audit: %w", err)
		}
		policy = manifest.RBACPolicy()
	}
	if err := authorize(policy, security.ActionExport); err != nil {
		return err
	}

	return audit.ExportJSONLToCSV(inputPath, outputPath)
}

// DebugJournal compares two persisted envelope journals and reports where
// their terminal outcomes diverge.
func DebugJournal(expectedPath string, actualPath string, out io.Writer) error {
	expected, err := trace.LoadFromFile(expectedPath)
	if err != nil {
		return err
	}
	actual, err := trace.LoadFromFile(actualPath)
	if err != nil {
		return err
	}
	div := trace.Compare(expected, actual)
	_, _ = fmt.Fprintln(out, trace.FormatDivergence(div))
	if len(div) > 0 {
		return fmt.Errorf("journal divergence found: %d issue(s)", len(div))
	}
	return nil
}

func currentRole() security.Role {
	if r, err := security.ParseRole(os.Getenv("REQUEST_ROLE")); err == nil {
		return r
	}
	return security.RoleOperator
}

func authorize(policy security.Policy, action security.Action) error {
	role := currentRole()
	if !policy.IsAllowed(role, action) {
		return fmt.Errorf("rbac denied: role %q cannot perform %q", role, action)
	}
	return nil
}
