package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/your-org/meshgate/internal/audit"
	"github.com/your-org/meshgate/internal/breaker"
	"github.com/your-org/meshgate/internal/config"
	"github.com/your-org/meshgate/internal/controlplane"
	"github.com/your-org/meshgate/internal/coordinator"
	"github.com/your-org/meshgate/internal/correlator"
	"github.com/your-org/meshgate/internal/facade"
	"github.com/your-org/meshgate/internal/gateway"
	"github.com/your-org/meshgate/internal/metrics"
	"github.com/your-org/meshgate/internal/security"
	"github.com/your-org/meshgate/internal/trace"
	"github.com/your-org/meshgate/pkg/envelope"
	"github.com/your-org/meshgate/pkg/sdk"
)

// Options carries the pieces a manifest cannot express: tool handlers and
// local fallback providers are code, not config.
type Options struct {
	Tools          map[string]gateway.Handler
	LocalFallbacks map[string]facade.Provider
	Logger         *slog.Logger
}

// Gateway bundles one fully wired gateway runtime.
type Gateway struct {
	Runtime    config.Runtime
	Manifest   config.Manifest
	Registry   *gateway.Registry
	Directory  *gateway.Directory
	Server     *gateway.Server
	Client     *gateway.Client
	Mesh       *sdk.Mesh
	Correlator *correlator.Correlator
	Facade     *facade.Facade
	Journal    *trace.Recorder
	Recorder   metrics.Recorder
	Audit      *audit.Logger
	Policy     security.Policy
	Logger     *slog.Logger

	memRecorder   *metrics.InMemoryRecorder
	metricsServer *http.Server
	usageReporter *controlplane.Reporter
	otel          trace.OTelRuntime
}

// BuildFromManifest assembles every runtime component from one manifest
// file. Nothing starts listening yet; Serve does that.
func BuildFromManifest(manifestPath string, opts Options) (*Gateway, error) {
	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return Build(manifest, opts)
}

// Build assembles a gateway from an already validated manifest.
func Build(manifest config.Manifest, opts Options) (*Gateway, error) {
	rt := manifest.Runtime()

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("gateway", rt.AgentID)
	}

	keys, err := manifest.Keys()
	if err != nil {
		return nil, err
	}
	validator := security.NewValidator(keys, rt.FreshnessWindow, manifest.AllowList())

	journal := trace.NewRecorder(rt.AgentID)
	auditLog := audit.NewLogger(strings.TrimSpace(rt.AuditLogPath))

	memRecorder := metrics.NewInMemoryRecorder()
	recorder := metrics.Recorder(memRecorder)
	var metricsServer *http.Server
	if rt.MetricsAddr != "" {
		promRegistry := prometheus.NewRegistry()
		promRecorder, err := metrics.NewPrometheusRecorder(promRegistry)
		if err != nil {
			return nil, fmt.Errorf("setup prometheus recorder: %w", err)
		}
		recorder = metrics.NewMultiRecorder(memRecorder, promRecorder)
		if envBool("METRICS_TLS_ENABLED") {
			metricsServer, err = metrics.StartPrometheusServerTLS(
				rt.MetricsAddr,
				promRegistry,
				os.Getenv("METRICS_TLS_CERT_FILE"),
				os.Getenv("METRICS_TLS_KEY_FILE"),
				os.Getenv("METRICS_TLS_CA_FILE"),
				envBool("METRICS_TLS_REQUIRE_CLIENT_CERT"),
			)
		} else {
			metricsServer, err = metrics.StartPrometheusServer(rt.MetricsAddr, promRegistry)
		}
		if err != nil {
			return nil, fmt.Errorf("start metrics endpoint: %w", err)
		}
	}

	var usageReporter *controlplane.Reporter
	if rt.ControlPlaneURL != "" {
		usageReporter = controlplane.NewReporter(rt.ControlPlaneURL, rt.TenantID, logger)
		recorder = metrics.NewMultiRecorder(recorder, usageReporter)
	}

	otelRuntime, err := trace.SetupOTelFromEnv("meshgate")
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	directory := gateway.NewDirectory()
	for _, p := range manifest.Peers {
		if err := directory.Add(p.ID, p.Endpoint); err != nil {
			return nil, fmt.Errorf("peer %q: %w", p.ID, err)
		}
	}

	registry := gateway.NewRegistry()
	for tool, handler := range opts.Tools {
		if err := registry.Register(tool, handler); err != nil {
			return nil, fmt.Errorf("tool %q: %w", tool, err)
		}
	}

	store, coord, err := buildCorrelationBackend(manifest, rt)
	if err != nil {
		return nil, err
	}
	corr := correlator.New(store, coord, manifest.CorrelatorOptions(), logger, recorder)

	identity := gateway.Identity{AgentID: rt.AgentID, TenantID: rt.TenantID}
	client := gateway.NewClient(identity, keys, nil, directory, journal, recorder, logger, rt.AckTimeout)
	client.SetFreshnessWindow(rt.FreshnessWindow)

	server, err := gateway.NewServer(gateway.ServerOptions{
		Identity:        identity,
		Validator:       validator,
		Keys:            keys,
		Registry:        registry,
		Directory:       directory,
		RetryPolicy:     rt.CallbackRetry,
		DispatchTimeout: rt.DispatchTimeout,
		Journal:         journal,
		Recorder:        recorder,
		Audit:           auditLog,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	client.SetTracer(otelRuntime.Tracer)
	server.SetTracer(otelRuntime.Tracer)

	mesh, err := sdk.New(sdk.Config{
		AgentID:     rt.AgentID,
		Client:      client,
		Registry:    registry,
		Correlator:  corr,
		CallTimeout: rt.DispatchTimeout,
	})
	if err != nil {
		return nil, err
	}

	fac, err := buildFacade(manifest, mesh, recorder, logger, opts.LocalFallbacks)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		Runtime:       rt,
		Manifest:      manifest,
		Registry:      registry,
		Directory:     directory,
		Server:        server,
		Client:        client,
		Mesh:          mesh,
		Correlator:    corr,
		Facade:        fac,
		Journal:       journal,
		Recorder:      recorder,
		Audit:         auditLog,
		Policy:        manifest.RBACPolicy(),
		Logger:        logger,
		memRecorder:   memRecorder,
		metricsServer: metricsServer,
		usageReporter: usageReporter,
		otel:          otelRuntime,
	}, nil
}

// buildCorrelationBackend picks the store and sweep coordinator. Redis, when
// configured, serves both so every replica shares one correlation space.
func buildCorrelationBackend(manifest config.Manifest, rt config.Runtime) (correlator.Store, coordinator.Coordinator, error) {
	opts := manifest.CorrelatorOptions()
	prefix := manifest.Correlator.RedisPrefix
	if prefix == "" {
		prefix = "meshgate"
	}
	var store correlator.Store
	if manifest.Correlator.Store == "redis" {
		ttl := opts.Retention
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		s, err := correlator.NewRedisStore(manifest.Correlator.RedisURL, prefix, 2*ttl)
		if err != nil {
			return nil, nil, fmt.Errorf("correlator redis store: %w", err)
		}
		store = s
	} else {
		store = correlator.NewMemoryStore()
	}

	var coord coordinator.Coordinator
	switch {
	case manifest.Correlator.Store == "redis":
		// Every replica must share one lease namespace so trace mutations
		// and the deadline sweep serialize across the deployment.
		c, err := coordinator.NewRedisCoordinator(manifest.Correlator.RedisURL, prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("redis coordinator: %w", err)
		}
		coord = c
	case rt.CoordinationFile != "":
		coord = coordinator.NewFileCoordinator(rt.CoordinationFile)
	default:
		coord = coordinator.NewMemoryCoordinator()
	}
	return store, coord, nil
}

// buildFacade registers every manifest capability: the remote provider goes
// through the mesh, the local fallback comes from code when one exists.
func buildFacade(manifest config.Manifest, mesh *sdk.Mesh, recorder metrics.Recorder, logger *slog.Logger, fallbacks map[string]facade.Provider) (*facade.Facade, error) {
	breakers := breaker.NewSet(func(ev breaker.Event) {
		recorder.ObserveCircuitTransition(ev.Capability, string(ev.To))
		logger.Info("circuit transition",
			"capability", ev.Capability, "from", ev.From, "to", ev.To)
	})
	fac := facade.New(breakers, logger)

	for _, cap := range manifest.Capabilities {
		var remote facade.Provider
		if cap.RemoteAgent != "" {
			agent, tool := cap.RemoteAgent, cap.RemoteTool
			remote = facade.ProviderFunc{
				ProviderName: agent,
				Fn: func(ctx context.Context, req facade.Request) (envelope.Payload, error) {
					res, err := mesh.Call(ctx, agent, tool, req.Args)
					if err != nil {
						return nil, err
					}
					payload, ok := sdk.FromSource(res, agent)
					if !ok || res.Partial {
						return nil, fmt.Errorf("no result from %s", agent)
					}
					if msg, failed := payload["error"].(string); failed {
						return nil, fmt.Errorf("remote %s: %s", agent, msg)
					}
					return payload, nil
				},
			}
		}
		local := fallbacks[cap.Name]
		if remote == nil && local == nil {
			return nil, fmt.Errorf("capability %q has neither a remote binding nor a local fallback", cap.Name)
		}
		if remote == nil {
			remote = unavailableProvider(cap.Name)
		}
		if local == nil {
			local = unavailableProvider(cap.Name)
		}
		if err := fac.Register(cap.Name, remote, local, cap.BreakerPolicy()); err != nil {
			return nil, fmt.Errorf("capability %q: %w", cap.Name, err)
		}
	}
	return fac, nil
}

// unavailableProvider fills the missing side of a capability binding so the
// other side still runs under the facade's breaker and fallback rules.
func unavailableProvider(capability string) facade.Provider {
	return facade.ProviderFunc{
		ProviderName: "unavailable",
		Fn: func(context.Context, facade.Request) (envelope.Payload, error) {
			return nil, fmt.Errorf("capability %s has no provider on this path", capability)
		},
	}
}

// MetricsSnapshot returns the in-memory counter state.
func (g *Gateway) MetricsSnapshot() metrics.Snapshot {
	return g.memRecorder.Snapshot()
}

// Close drains background dispatches and tears down auxiliary listeners.
// The journal is persisted when TRACE_JOURNAL_PATH is set.
func (g *Gateway) Close(ctx context.Context) error {
	g.Server.Wait()

	var firstErr error
	if g.metricsServer != nil {
		if err := metrics.StopServer(ctx, g.metricsServer); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := g.otel.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if g.Runtime.JournalPath != "" {
		if err := trace.SaveToFile(g.Runtime.JournalPath, g.Journal.Snapshot()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
