package app

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/your-org/meshgate/internal/controlplane"
	"github.com/your-org/meshgate/internal/security"
)

// Handler builds the full HTTP surface: the envelope endpoint plus health
// and capability probes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/envelope", g.Server.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/health/capabilities", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(g.Facade.Health())
	})
	mux.HandleFunc("/correlations/", func(w http.ResponseWriter, r *http.Request) {
		g.handleResolve(w, r)
	})
	return mux
}

// handleResolve serves GET /correlations/<trace-id> for operators checking
// on a fan-in.
func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	traceID := r.URL.Path[len("/correlations/"):]
	if traceID == "" {
		http.Error(w, "trace id is required", http.StatusBadRequest)
		return
	}
	res, err := g.Correlator.Resolve(r.Context(), traceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// Serve runs the gateway listener and background sweeps until ctx is
// cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	go g.Correlator.Run(ctx)
	if g.usageReporter != nil {
		go g.usageReporter.Run(ctx, controlplane.DefaultReportInterval)
	}

	addr := g.Runtime.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s := &http.Server{Addr: addr, Handler: g.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()

	g.Logger.Info("gateway listening", "addr", addr, "tenant", g.Runtime.TenantID)

	if t := g.Manifest.Gateway.TLS; t.Enabled() {
		cfg, err := security.BuildServerTLSConfig(t.CertFile, t.KeyFile, t.CAFile, t.RequireClientCert)
		if err != nil {
			return err
		}
		s.TLSConfig = cfg
		ln, err := tls.Listen("tcp", addr, cfg)
		if err != nil {
			return fmt.Errorf("gateway tls listen: %w", err)
		}
		return s.Serve(ln)
	}
	return s.ListenAndServe()
}
