package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/meshgate/internal/correlator"
	"github.com/your-org/meshgate/internal/metrics"
	"github.com/your-org/meshgate/internal/retry"
	"github.com/your-org/meshgate/internal/security"
	"github.com/your-org/meshgate/internal/trace"
	"github.com/your-org/meshgate/pkg/envelope"
)

func testKeys(t *testing.T) *security.StaticKeys {
	t.Helper()
	keys := security.NewStaticKeys()
	require.NoError(t, keys.Add("caller-agent", []byte("caller-secret")))
	require.NoError(t, keys.Add("worker-agent", []byte("worker-secret")))
	return keys
}

type testRig struct {
	server    *Server
	registry  *Registry
	directory *Directory
	keys      *security.StaticKeys
	url       string
}

func newTestRig(t *testing.T, agentID string, retryPolicy retry.Policy) *testRig {
	t.Helper()
	keys := testKeys(t)
	registry := NewRegistry()
	directory := NewDirectory()

	srv, err := NewServer(ServerOptions{
		Identity:    Identity{AgentID: agentID, TenantID: "acme"},
		Validator:   security.NewValidator(keys, time.Minute, nil),
		Keys:        keys,
		Registry:    registry,
		Directory:   directory,
		RetryPolicy: retryPolicy,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testRig{server: srv, registry: registry, directory: directory, keys: keys, url: ts.URL}
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Backoff: retry.BackoffLinear, BaseDelay: time.Millisecond}
}

func TestSendCallAckRoundTrip(t *testing.T) {
	rig := newTestRig(t, "worker-agent", fastRetry(1))
	require.NoError(t, rig.registry.Register("summarize", func(ctx context.Context, call Call) (envelope.Payload, error) {
		return envelope.Payload{"summary": "done"}, nil
	}))

	callerDir := NewDirectory()
	require.NoError(t, callerDir.Add("worker-agent", rig.url))
	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		rig.keys, nil, callerDir, nil, nil, nil, 0)

	traceID, err := client.SendCall(context.Background(), CallRequest{
		Target: "worker-agent",
		Tool:   "summarize",
		Args:   envelope.Payload{"text": "hello"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, traceID)
	rig.server.Wait()
}

func TestSendCallUnknownToolReturnsPeerError(t *testing.T) {
	rig := newTestRig(t, "worker-agent", fastRetry(1))

	callerDir := NewDirectory()
	require.NoError(t, callerDir.Add("worker-agent", rig.url))
	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		rig.keys, nil, callerDir, nil, nil, nil, 0)

	_, err := client.SendCall(context.Background(), CallRequest{Target: "worker-agent", Tool: "nope"})
	var perr *PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeToolNotFound, perr.Code)
}

func TestInvalidSignatureRejectedBeforeHandler(t *testing.T) {
	rig := newTestRig(t, "worker-agent", fastRetry(1))
	var invoked atomic.Bool
	require.NoError(t, rig.registry.Register("summarize", func(ctx context.Context, call Call) (envelope.Payload, error) {
		invoked.Store(true)
		return nil, nil
	}))

	env := envelope.Envelope{
		TenantID:  "acme",
		TraceID:   "t-1",
		Caller:    "caller-agent",
		AuthSig:   []byte("forged"),
		Timestamp: time.Now().Unix(),
		Kind:      envelope.KindCall,
		Payload:   envelope.Payload{"tool": "summarize"},
	}
	transport := &HTTPTransport{}
	resp, err := transport.Send(context.Background(), rig.url, env)
	require.NoError(t, err)

	assert.Equal(t, envelope.KindError, resp.Kind)
	assert.Equal(t, CodeInvalidSignature, resp.Payload["code"])
	assert.Equal(t, "t-1", resp.TraceID)
	rig.server.Wait()
	assert.False(t, invoked.Load(), "handler must not run for a forged envelope")
}

func TestExpiredEnvelopeRejected(t *testing.T) {
	rig := newTestRig(t, "worker-agent", fastRetry(1))

	env := envelope.Envelope{
		TenantID:  "acme",
		TraceID:   "t-old",
		Caller:    "caller-agent",
		Timestamp: time.Now().Add(-time.Hour).Unix(),
		Kind:      envelope.KindCall,
		Payload:   envelope.Payload{"tool": "summarize"},
	}
	signed, err := security.Sign(env, rig.keys)
	require.NoError(t, err)

	transport := &HTTPTransport{}
	resp, err := transport.Send(context.Background(), rig.url, signed)
	require.NoError(t, err)
	assert.Equal(t, envelope.KindError, resp.Kind)
	assert.Equal(t, CodeExpired, resp.Payload["code"])
}

// Two gateways: caller registers a reply tool that feeds a correlator, worker
// executes the call and pushes the callback, correlation completes.
func TestCallbackFlowCompletesCorrelation(t *testing.T) {
	worker := newTestRig(t, "worker-agent", fastRetry(1))
	caller := newTestRig(t, "caller-agent", fastRetry(1))

	require.NoError(t, worker.directory.Add("caller-agent", caller.url))
	require.NoError(t, caller.directory.Add("worker-agent", worker.url))

	corr := correlator.New(correlator.NewMemoryStore(), nil, correlator.Options{}, nil, metrics.NoopRecorder{})
	require.NoError(t, caller.registry.Register("collect", func(ctx context.Context, call Call) (envelope.Payload, error) {
		source, _ := call.Args["source"].(string)
		result, _ := call.Args["result"].(map[string]any)
		_, err := corr.Ingest(ctx, call.TraceID, source, envelope.Payload(result))
		return nil, err
	}))
	require.NoError(t, worker.registry.Register("summarize", func(ctx context.Context, call Call) (envelope.Payload, error) {
		return envelope.Payload{"summary": "ok"}, nil
	}))

	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		caller.keys, nil, caller.directory, nil, nil, nil, 0)

	deadline := time.Now().Add(5 * time.Second)
	traceID := "flow-1"
	require.NoError(t, corr.RegisterExpectation(context.Background(), traceID, []string{"worker-agent"}, deadline, nil))

	_, err := client.SendCall(context.Background(), CallRequest{
		Target:  "worker-agent",
		Tool:    "summarize",
		Args:    envelope.Payload{"text": "hello"},
		ReplyTo: "mcp://caller-agent/collect",
		TraceID: traceID,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := corr.Await(ctx, traceID)
	require.NoError(t, err)

	assert.False(t, result.Partial)
	assert.Equal(t, []string{"worker-agent"}, result.Sources)
	sources, ok := result.Data["sources"].(map[string]any)
	require.True(t, ok)
	fromWorker, ok := sources["worker-agent"].(envelope.Payload)
	require.True(t, ok)
	assert.Equal(t, "ok", fromWorker["summary"])
	worker.server.Wait()
}

// Handler failure propagates as an error envelope to the reply-to tool.
func TestHandlerErrorDeliveredAsErrorEnvelope(t *testing.T) {
	worker := newTestRig(t, "worker-agent", fastRetry(1))
	caller := newTestRig(t, "caller-agent", fastRetry(1))
	require.NoError(t, worker.directory.Add("caller-agent", caller.url))
	require.NoError(t, caller.directory.Add("worker-agent", worker.url))

	got := make(chan Call, 1)
	require.NoError(t, caller.registry.Register("collect", func(ctx context.Context, call Call) (envelope.Payload, error) {
		got <- call
		return nil, nil
	}))
	require.NoError(t, worker.registry.Register("explode", func(ctx context.Context, call Call) (envelope.Payload, error) {
		return nil, errors.New("boom")
	}))

	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		caller.keys, nil, caller.directory, nil, nil, nil, 0)
	_, err := client.SendCall(context.Background(), CallRequest{
		Target:  "worker-agent",
		Tool:    "explode",
		ReplyTo: "mcp://caller-agent/collect",
		TraceID: "flow-err",
	})
	require.NoError(t, err)

	select {
	case call := <-got:
		assert.Equal(t, envelope.KindError, call.Kind)
		assert.Equal(t, CodeToolExecution, call.Args["code"])
		assert.Equal(t, "boom", call.Args["message"])
	case <-time.After(5 * time.Second):
		t.Fatal("error envelope never reached the reply-to tool")
	}
	worker.server.Wait()
}

// Callback delivery retries against a flaky receiver and eventually lands.
func TestCallbackDeliveryRetries(t *testing.T) {
	caller := newTestRig(t, "caller-agent", fastRetry(1))
	delivered := make(chan struct{}, 1)
	require.NoError(t, caller.registry.Register("collect", func(ctx context.Context, call Call) (envelope.Payload, error) {
		delivered <- struct{}{}
		return nil, nil
	}))

	// Proxy that drops the first two attempts.
	var attempts atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		httputilProxy(caller.url, w, r)
	}))
	defer proxy.Close()

	worker := newTestRig(t, "worker-agent", fastRetry(5))
	require.NoError(t, worker.directory.Add("caller-agent", proxy.URL))
	require.NoError(t, caller.directory.Add("worker-agent", worker.url))
	require.NoError(t, worker.registry.Register("summarize", func(ctx context.Context, call Call) (envelope.Payload, error) {
		return envelope.Payload{"summary": "ok"}, nil
	}))

	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		caller.keys, nil, caller.directory, nil, nil, nil, 0)
	_, err := client.SendCall(context.Background(), CallRequest{
		Target:  "worker-agent",
		Tool:    "summarize",
		ReplyTo: "mcp://caller-agent/collect",
		TraceID: "flow-retry",
	})
	require.NoError(t, err)

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never delivered through flaky proxy")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
	worker.server.Wait()
}

// Retry exhaustion drops the callback and journals the drop.
func TestCallbackExhaustionJournalsDrop(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer dead.Close()

	keys := testKeys(t)
	registry := NewRegistry()
	directory := NewDirectory()
	require.NoError(t, directory.Add("caller-agent", dead.URL))

	journal := trace.NewRecorder("worker-agent")
	srv, err := NewServer(ServerOptions{
		Identity:    Identity{AgentID: "worker-agent", TenantID: "acme"},
		Validator:   security.NewValidator(keys, time.Minute, nil),
		Keys:        keys,
		Registry:    registry,
		Directory:   directory,
		RetryPolicy: fastRetry(2),
		Journal:     journal,
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register("summarize", func(ctx context.Context, call Call) (envelope.Payload, error) {
		return envelope.Payload{"summary": "ok"}, nil
	}))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		keys, nil, mustDirectory(t, "worker-agent", ts.URL), nil, nil, nil, 0)
	_, err = client.SendCall(context.Background(), CallRequest{
		Target:  "worker-agent",
		Tool:    "summarize",
		ReplyTo: "mcp://caller-agent/collect",
		TraceID: "flow-drop",
	})
	require.NoError(t, err)

	srv.Wait()
	snap := journal.Snapshot()
	var dropped bool
	for _, step := range snap.Steps {
		if step.TraceID == "flow-drop" && step.Phase == trace.PhaseDropped {
			dropped = true
		}
	}
	assert.True(t, dropped, "journal should record the dropped callback")
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register("", func(ctx context.Context, c Call) (envelope.Payload, error) { return nil, nil }), ErrEmptyToolName)
	assert.ErrorIs(t, r.Register("x", nil), ErrNilHandler)
	require.NoError(t, r.Register("x", func(ctx context.Context, c Call) (envelope.Payload, error) { return nil, nil }))
	assert.ErrorIs(t, r.Register("x", func(ctx context.Context, c Call) (envelope.Payload, error) { return nil, nil }), ErrDuplicateTool)
	assert.Equal(t, []string{"x"}, r.Tools())
}

func mustDirectory(t *testing.T, agentID, endpoint string) *Directory {
	t.Helper()
	d := NewDirectory()
	require.NoError(t, d.Add(agentID, endpoint))
	return d
}

// httputilProxy forwards one request to the target base URL.
func httputilProxy(target string, w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target+r.URL.Path, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// scriptedTransport returns a canned response without touching the network.
type scriptedTransport struct {
	resp envelope.Envelope
	err  error
}

func (t *scriptedTransport) Send(context.Context, string, envelope.Envelope) (envelope.Envelope, error) {
	return t.resp, t.err
}

func ackFrom(t *testing.T, keys security.KeyStore, caller string, ts time.Time) envelope.Envelope {
	t.Helper()
	signed, err := security.Sign(envelope.Envelope{
		TenantID:  "acme",
		TraceID:   "resp-trace",
		Caller:    caller,
		Timestamp: ts.Unix(),
		Kind:      envelope.KindAck,
	}, keys)
	require.NoError(t, err)
	return signed
}

func TestForgedAckRejected(t *testing.T) {
	keys := testKeys(t)
	forged := envelope.Envelope{
		TenantID:  "acme",
		TraceID:   "resp-trace",
		Caller:    "worker-agent",
		Timestamp: time.Now().Unix(),
		Kind:      envelope.KindAck,
		AuthSig:   []byte("not-a-real-signature"),
	}

	journal := trace.NewRecorder("caller-agent")
	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		keys, &scriptedTransport{resp: forged}, mustDirectory(t, "worker-agent", "http://unused"),
		journal, nil, nil, 0)

	_, err := client.SendCall(context.Background(), CallRequest{Target: "worker-agent", Tool: "summarize"})
	require.ErrorIs(t, err, security.ErrInvalidSignature)
	for _, step := range journal.Snapshot().Steps {
		assert.NotEqual(t, trace.PhaseAcked, step.Phase)
	}
}

func TestAckFromWrongAgentRejected(t *testing.T) {
	keys := testKeys(t)
	// Signed with a real key, but not the target's identity.
	resp := ackFrom(t, keys, "caller-agent", time.Now())

	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		keys, &scriptedTransport{resp: resp}, mustDirectory(t, "worker-agent", "http://unused"),
		nil, nil, nil, 0)

	_, err := client.SendCall(context.Background(), CallRequest{Target: "worker-agent", Tool: "summarize"})
	require.ErrorIs(t, err, ErrDelivery)
}

func TestStaleAckRejected(t *testing.T) {
	keys := testKeys(t)
	resp := ackFrom(t, keys, "worker-agent", time.Now().Add(-time.Hour))

	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		keys, &scriptedTransport{resp: resp}, mustDirectory(t, "worker-agent", "http://unused"),
		nil, nil, nil, 0)

	_, err := client.SendCall(context.Background(), CallRequest{Target: "worker-agent", Tool: "summarize"})
	require.ErrorIs(t, err, security.ErrExpired)
}

func TestJournalStepsCarryPayloadHashes(t *testing.T) {
	keys := testKeys(t)
	registry := NewRegistry()
	directory := NewDirectory()
	workerJournal := trace.NewRecorder("worker-agent")

	srv, err := NewServer(ServerOptions{
		Identity:    Identity{AgentID: "worker-agent", TenantID: "acme"},
		Validator:   security.NewValidator(keys, time.Minute, nil),
		Keys:        keys,
		Registry:    registry,
		Directory:   directory,
		RetryPolicy: fastRetry(1),
		Journal:     workerJournal,
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register("summarize", func(ctx context.Context, call Call) (envelope.Payload, error) {
		return envelope.Payload{"summary": "done"}, nil
	}))
	require.NoError(t, registry.Register("collect", func(ctx context.Context, call Call) (envelope.Payload, error) {
		return nil, nil
	}))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	require.NoError(t, directory.Add("worker-agent", ts.URL))

	callerJournal := trace.NewRecorder("caller-agent")
	client := NewClient(Identity{AgentID: "caller-agent", TenantID: "acme"},
		keys, nil, mustDirectory(t, "worker-agent", ts.URL), callerJournal, nil, nil, 0)

	_, err = client.SendCall(context.Background(), CallRequest{
		Target:  "worker-agent",
		Tool:    "summarize",
		Args:    envelope.Payload{"text": "hello"},
		ReplyTo: "mcp://worker-agent/collect",
	})
	require.NoError(t, err)
	srv.Wait()

	var sent, callback bool
	for _, step := range callerJournal.Snapshot().Steps {
		if step.Phase == trace.PhaseSent {
			sent = true
			assert.NotEmpty(t, step.PayloadHash)
		}
	}
	for _, step := range workerJournal.Snapshot().Steps {
		if step.Phase == trace.PhaseCallback {
			callback = true
			assert.NotEmpty(t, step.PayloadHash)
		}
	}
	require.True(t, sent, "journal missing SENT step")
	require.True(t, callback, "journal missing CALLBACK step")
}
