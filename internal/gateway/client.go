package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/your-org/meshgate/internal/metrics"
	"github.com/your-org/meshgate/internal/security"
	"github.com/your-org/meshgate/internal/trace"
	"github.com/your-org/meshgate/pkg/envelope"
)

const DefaultAckTimeout = 3 * time.Second

// Identity is the sending agent's own coordinates.
type Identity struct {
	AgentID  string
	TenantID string
}

// CallRequest describes one outbound call.
type CallRequest struct {
	Target         string
	Tool           string
	Args           envelope.Payload
	ReplyTo        string
	TraceID        string
	ConversationID string
}

// Client sends signed one-way calls and waits only for the immediate ack;
// the eventual result arrives later as a callback to the reply-to address.
type Client struct {
	identity   Identity
	keys       security.KeyStore
	transport  Transport
	directory  *Directory
	journal    *trace.Recorder
	recorder   metrics.Recorder
	logger     *slog.Logger
	tracer     oteltrace.Tracer
	ackTimeout time.Duration
	freshness  time.Duration
	clock      func() time.Time
}

// SetTracer replaces the default tracer; call before first use.
func (c *Client) SetTracer(tracer oteltrace.Tracer) {
	if tracer != nil {
		c.tracer = tracer
	}
}

// SetFreshnessWindow bounds how stale a signed ack or error response may be;
// call before first use.
func (c *Client) SetFreshnessWindow(d time.Duration) {
	if d > 0 {
		c.freshness = d
	}
}

func NewClient(identity Identity, keys security.KeyStore, transport Transport, directory *Directory, journal *trace.Recorder, recorder metrics.Recorder, logger *slog.Logger, ackTimeout time.Duration) *Client {
	if transport == nil {
		transport = &HTTPTransport{}
	}
	if journal == nil {
		journal = trace.NewRecorder(identity.AgentID)
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Client{
		identity:   identity,
		keys:       keys,
		transport:  transport,
		directory:  directory,
		journal:    journal,
		recorder:   recorder,
		logger:     logger,
		tracer:     otel.Tracer("meshgate/gateway"),
		ackTimeout: ackTimeout,
		freshness:  security.DefaultFreshnessWindow,
		clock:      time.Now,
	}
}

// SendCall builds, signs and transmits a call envelope, returning its trace
// id once the target acks. It never waits for the eventual callback.
func (c *Client) SendCall(ctx context.Context, req CallRequest) (string, error) {
	if req.Target == "" || req.Tool == "" {
		return "", fmt.Errorf("target and tool are required")
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	ctx, span := c.tracer.Start(ctx, "gateway.send_call",
		oteltrace.WithAttributes(
			attribute.String("mesh.trace_id", traceID),
			attribute.String("mesh.target", req.Target),
			attribute.String("mesh.tool", req.Tool),
		))
	defer span.End()
	if req.ReplyTo != "" {
		if _, err := envelope.ParseReplyTo(req.ReplyTo); err != nil {
			return "", err
		}
	}

	env := envelope.Envelope{
		TenantID:       c.identity.TenantID,
		TraceID:        traceID,
		ConversationID: req.ConversationID,
		ReplyTo:        req.ReplyTo,
		Caller:         c.identity.AgentID,
		Timestamp:      c.clock().Unix(),
		Kind:           envelope.KindCall,
		Payload:        envelope.Payload{"tool": req.Tool, "args": req.Args},
	}
	signed, err := security.Sign(env, c.keys)
	if err != nil {
		return "", fmt.Errorf("sign call: %w", err)
	}

	endpoint, err := c.directory.Endpoint(req.Target)
	if err != nil {
		return "", err
	}

	c.journal.Record(trace.Step{
		TraceID:     traceID,
		Phase:       trace.PhaseSent,
		Agent:       req.Target,
		Tool:        req.Tool,
		PayloadHash: payloadHash(signed.Payload),
	})

	sendCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	resp, err := c.transport.Send(sendCtx, endpoint, signed)
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return traceID, fmt.Errorf("%w: trace %s target %s", ErrAckTimeout, traceID, req.Target)
		}
		return traceID, fmt.Errorf("trace %s: %w", traceID, err)
	}

	if err := c.verifyResponse(resp, req.Target); err != nil {
		return traceID, fmt.Errorf("trace %s: %w", traceID, err)
	}

	switch resp.Kind {
	case envelope.KindAck:
		c.journal.Record(trace.Step{
			TraceID: traceID,
			Phase:   trace.PhaseAcked,
			Agent:   req.Target,
			Tool:    req.Tool,
		})
		c.logger.Debug("call acked", "trace_id", traceID, "target", req.Target, "tool", req.Tool)
		return traceID, nil
	case envelope.KindError:
		return traceID, peerErrorFromPayload(traceID, resp.Payload)
	default:
		return traceID, fmt.Errorf("%w: unexpected response kind %q for trace %s", ErrDelivery, resp.Kind, traceID)
	}
}

// verifyResponse holds acks and synchronous error envelopes to the same bar
// as inbound calls: signed by the target itself and inside the freshness
// window.
func (c *Client) verifyResponse(resp envelope.Envelope, target string) error {
	if resp.Caller != target {
		return fmt.Errorf("%w: response signed by %q, want %q", ErrDelivery, resp.Caller, target)
	}
	if err := security.VerifySignature(resp, c.keys); err != nil {
		return err
	}
	age := c.clock().Sub(time.Unix(resp.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > c.freshness {
		return fmt.Errorf("%w: response from %s is %s old", security.ErrExpired, target, age)
	}
	return nil
}

func peerErrorFromPayload(traceID string, payload envelope.Payload) error {
	perr := &PeerError{TraceID: traceID, Code: "unknown"}
	if code, ok := payload["code"].(string); ok {
		perr.Code = code
	}
	if msg, ok := payload["message"].(string); ok {
		perr.Message = msg
	}
	return perr
}
