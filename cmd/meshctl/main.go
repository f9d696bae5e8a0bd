package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/your-org/meshgate/internal/app"
	"github.com/your-org/meshgate/internal/controlplane"
	"github.com/your-org/meshgate/internal/version"
	"github.com/your-org/meshgate/pkg/envelope"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "-v", "--version", "version":
		fmt.Println(version.String())
	case "send":
		err = runSend(args)
	case "resolve":
		err = runResolve(args)
	case "validate":
		err = runValidate(args)
	case "audit-export":
		err = runAuditExport(args)
	case "journal-diff":
		err = runJournalDiff(args)
	case "controlplane":
		err = runControlPlane()
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshctl %s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: meshctl <send|resolve|validate|audit-export|journal-diff|controlplane|version> [flags]")
}

// runSend builds a short-lived gateway from the manifest, sends one call and
// waits for the correlated result.
func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	manifestPath := fs.String("manifest", "configs/gateway.example.yaml", "gateway manifest")
	target := fs.String("target", "", "target agent id")
	tool := fs.String("tool", "", "tool name on the target")
	timeout := fs.Duration("timeout", 30*time.Second, "end-to-end deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" || *tool == "" {
		return errors.New("-target and -tool are required")
	}

	callArgs := envelope.Payload{}
	for _, kv := range fs.Args() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("argument %q is not key=value", kv)
		}
		callArgs[k] = v
	}

	g, err := app.BuildFromManifest(*manifestPath, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = g.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	serveCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = g.Serve(serveCtx) }()

	res, err := g.Mesh.Call(ctx, *target, *tool, callArgs)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}

// runResolve asks a running gateway for a correlation result.
func runResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	gatewayURL := fs.String("gateway", "http://localhost:8080", "gateway base URL")
	traceID := fs.String("trace", "", "trace id to resolve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *traceID == "" {
		return errors.New("-trace is required")
	}

	resp, err := http.Get(strings.TrimRight(*gatewayURL, "/") + "/correlations/" + *traceID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(string(body))
	return nil
}

func runValidate(args []string) error {
	path := "configs/gateway.example.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	if err := app.ValidateManifest(path); err != nil {
		return err
	}
	fmt.Printf("manifest is valid: %s\n", path)
	return nil
}

func runAuditExport(args []string) error {
	fs := flag.NewFlagSet("audit-export", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "manifest supplying the rbac policy (optional)")
	input := fs.String("in", "audit.jsonl", "audit JSONL input")
	output := fs.String("out", "audit.csv", "CSV output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := app.ExportAudit(*manifestPath, *input, *output); err != nil {
		return err
	}
	fmt.Printf("audit export complete: %s -> %s\n", *input, *output)
	return nil
}

func runJournalDiff(args []string) error {
	if len(args) < 2 {
		return errors.New("journal-diff needs <expected.json> <actual.json>")
	}
	return app.DebugJournal(args[0], args[1], os.Stdout)
}

func runControlPlane() error {
	addr := os.Getenv("CONTROLPLANE_ADDR")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := controlplane.NewService()
	var err error
	if os.Getenv("CONTROLPLANE_TLS_ENABLED") == "true" {
		err = controlplane.StartServerTLS(
			ctx,
			addr,
			svc,
			os.Getenv("CONTROLPLANE_TLS_CERT_FILE"),
			os.Getenv("CONTROLPLANE_TLS_KEY_FILE"),
			os.Getenv("CONTROLPLANE_TLS_CA_FILE"),
			os.Getenv("CONTROLPLANE_TLS_REQUIRE_CLIENT_CERT") == "true",
		)
	} else {
		err = controlplane.StartServer(ctx, addr, svc)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
