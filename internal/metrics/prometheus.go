package metrics

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/meshgate/internal/security"
)

// PrometheusRecorder reports gateway metrics using Prometheus primitives.
type PrometheusRecorder struct {
	envelopes       *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	callbackRetries *prometheus.CounterVec
	circuitStates   *prometheus.CounterVec
	correlations    *prometheus.CounterVec
}

func NewPrometheusRecorder(registry *prometheus.Registry) (*PrometheusRecorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	r := &PrometheusRecorder{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgate_envelopes_total",
			Help: "Inbound envelopes by kind and validation status",
		}, []string{"kind", "status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgate_tool_dispatches_total",
			Help: "Tool handler dispatches by status",
		}, []string{"tool", "status"}),
		dispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshgate_tool_dispatch_duration_seconds",
			Help:    "Tool handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		callbackRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgate_callback_retry_attempts_total",
			Help: "Callback delivery retries by tool",
		}, []string{"tool"}),
		circuitStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgate_circuit_transitions_total",
			Help: "Circuit breaker transitions by capability and new state",
		}, []string{"capability", "state"}),
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgate_correlations_total",
			Help: "Fan-in correlations by terminal status",
		}, []string{"status"}),
	}

	collectors := []prometheus.Collector{
		r.envelopes, r.dispatches, r.dispatchSeconds,
		r.callbackRetries, r.circuitStates, r.correlations,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveEnvelope(kind string, status string) {
	r.envelopes.WithLabelValues(kind, status).Inc()
}

func (r *PrometheusRecorder) ObserveDispatch(tool string, status string, duration time.Duration) {
	r.dispatches.WithLabelValues(tool, status).Inc()
	r.dispatchSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) ObserveCallbackRetry(tool string) {
	r.callbackRetries.WithLabelValues(tool).Inc()
}

func (r *PrometheusRecorder) ObserveCircuitTransition(capability string, to string) {
	r.circuitStates.WithLabelValues(capability, to).Inc()
}

func (r *PrometheusRecorder) ObserveCorrelation(status string) {
	r.correlations.WithLabelValues(status).Inc()
}

func StartPrometheusServer(addr string, registry *prometheus.Registry) (*http.Server, error) {
	if addr == "" {
		addr = ":2112"
	}
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics endpoint %q: %w", addr, err)
	}

	srv := &http.Server{
		Addr:    ln.Addr().String(),
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, nil
}

// StartPrometheusServerTLS starts the metrics endpoint with optional
// client-cert auth (mTLS).
func StartPrometheusServerTLS(addr string, registry *prometheus.Registry, certFile string, keyFile string, caFile string, requireClientCert bool) (*http.Server, error) {
	if addr == "" {
		addr = ":2112"
	}
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	tlsCfg, err := security.BuildServerTLSConfig(certFile, keyFile, caFile, requireClientCert)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics endpoint %q: %w", addr, err)
	}
	tlsListener := tls.NewListener(ln, tlsCfg)

	srv := &http.Server{
		Addr:    ln.Addr().String(),
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		_ = srv.Serve(tlsListener)
	}()
	return srv, nil
}

func StopServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
