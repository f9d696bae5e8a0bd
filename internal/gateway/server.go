package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/your-org/meshgate/internal/audit"
	"github.com/your-org/meshgate/internal/metrics"
	"github.com/your-org/meshgate/internal/retry"
	"github.com/your-org/meshgate/internal/security"
	"github.com/your-org/meshgate/internal/trace"
	"github.com/your-org/meshgate/pkg/envelope"
)

const DefaultDispatchTimeout = 30 * time.Second

// ServerOptions wires one gateway server. Identity, Validator, Keys and
// Registry are mandatory; everything else has a working default.
type ServerOptions struct {
	Identity        Identity
	Validator       *security.Validator
	Keys            security.KeyStore
	Registry        *Registry
	Transport       Transport
	Directory       *Directory
	RetryPolicy     retry.Policy
	DispatchTimeout time.Duration
	Journal         *trace.Recorder
	Recorder        metrics.Recorder
	Audit           *audit.Logger
	Logger          *slog.Logger
}

// Server accepts envelopes on POST /envelope. Calls are acked immediately
// and dispatched in the background; the eventual result travels back to the
// caller's reply-to address as a fresh signed callback envelope.
type Server struct {
	identity        Identity
	validator       *security.Validator
	keys            security.KeyStore
	registry        *Registry
	transport       Transport
	directory       *Directory
	retryPolicy     retry.Policy
	dispatchTimeout time.Duration
	journal         *trace.Recorder
	recorder        metrics.Recorder
	audit           *audit.Logger
	logger          *slog.Logger
	tracer          oteltrace.Tracer
	clock           func() time.Time

	wg sync.WaitGroup
}

// SetTracer replaces the default tracer; call before serving.
func (s *Server) SetTracer(tracer oteltrace.Tracer) {
	if tracer != nil {
		s.tracer = tracer
	}
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Identity.AgentID == "" || opts.Identity.TenantID == "" {
		return nil, fmt.Errorf("server identity needs agent id and tenant id")
	}
	if opts.Validator == nil || opts.Keys == nil {
		return nil, fmt.Errorf("server needs a validator and a key store")
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Transport == nil {
		opts.Transport = &HTTPTransport{}
	}
	if opts.Directory == nil {
		opts.Directory = NewDirectory()
	}
	if opts.RetryPolicy.MaxAttempts <= 0 {
		opts.RetryPolicy = retry.Policy{MaxAttempts: 3, Backoff: retry.BackoffExponential, BaseDelay: 100 * time.Millisecond}
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.Journal == nil {
		opts.Journal = trace.NewRecorder(opts.Identity.AgentID)
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		identity:        opts.Identity,
		validator:       opts.Validator,
		keys:            opts.Keys,
		registry:        opts.Registry,
		transport:       opts.Transport,
		directory:       opts.Directory,
		retryPolicy:     opts.RetryPolicy,
		dispatchTimeout: opts.DispatchTimeout,
		journal:         opts.Journal,
		recorder:        opts.Recorder,
		audit:           opts.Audit,
		logger:          opts.Logger,
		tracer:          otel.Tracer("meshgate/gateway"),
		clock:           time.Now,
	}, nil
}

// Handler returns the HTTP mux for the envelope endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EnvelopePath, s.handleEnvelope)
	return mux
}

// Wait blocks until every in-flight background dispatch has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unknown", CodeMalformedEnvelope, "unreadable body")
		return
	}

	env, err := envelope.Decode(body)
	if err != nil {
		s.recorder.ObserveEnvelope("unknown", "rejected")
		s.auditWrite("", "", audit.ActionCallRejected, "unknown", "rejected", err)
		s.writeError(w, http.StatusBadRequest, "unknown", decodeErrorCode(err), err.Error())
		return
	}

	if err := s.validator.Validate(env, s.clock()); err != nil {
		code, status := validationErrorCode(err)
		s.recorder.ObserveEnvelope(string(env.Kind), "rejected")
		s.auditWrite(env.TenantID, env.Caller, audit.ActionCallRejected, env.TraceID, "rejected", err)
		s.logger.Warn("envelope rejected",
			"trace_id", env.TraceID, "caller", env.Caller, "kind", env.Kind, "error", err)
		s.writeError(w, status, env.TraceID, code, err.Error())
		return
	}

	switch env.Kind {
	case envelope.KindCall:
		s.acceptCall(w, env)
	case envelope.KindCallback, envelope.KindError:
		s.acceptResult(w, env)
	default:
		s.recorder.ObserveEnvelope(string(env.Kind), "rejected")
		s.writeError(w, http.StatusBadRequest, env.TraceID, CodeMalformedEnvelope,
			fmt.Sprintf("kind %q cannot be posted", env.Kind))
	}
}

// acceptCall acks a validated call and hands it to a background dispatch.
// The tool must exist before the ack goes out so unknown tools fail fast.
func (s *Server) acceptCall(w http.ResponseWriter, env envelope.Envelope) {
	tool, args := splitCallPayload(env.Payload)
	handler, ok := s.registry.Get(tool)
	if tool == "" || !ok {
		s.recorder.ObserveEnvelope(string(env.Kind), "rejected")
		s.auditWrite(env.TenantID, env.Caller, audit.ActionCallRejected, env.TraceID, "rejected", ErrToolNotFound)
		s.writeError(w, http.StatusNotFound, env.TraceID, CodeToolNotFound,
			fmt.Sprintf("no handler for tool %q", tool))
		return
	}

	s.recorder.ObserveEnvelope(string(env.Kind), "accepted")
	s.auditWrite(env.TenantID, env.Caller, audit.ActionCallAccepted, env.TraceID, "accepted", nil)
	s.respond(w, http.StatusAccepted, s.buildResponse(env, envelope.KindAck, nil))

	call := Call{
		TenantID:       env.TenantID,
		TraceID:        env.TraceID,
		ConversationID: env.ConversationID,
		Caller:         env.Caller,
		Tool:           tool,
		Kind:           env.Kind,
		Args:           args,
	}
	replyTo := env.ReplyTo

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(call, handler, replyTo)
	}()
}

// acceptResult delivers an inbound callback or error envelope to the tool
// named in its payload and acks synchronously.
func (s *Server) acceptResult(w http.ResponseWriter, env envelope.Envelope) {
	tool, _ := splitCallPayload(env.Payload)
	handler, ok := s.registry.Get(tool)
	if tool == "" || !ok {
		s.recorder.ObserveEnvelope(string(env.Kind), "rejected")
		s.writeError(w, http.StatusNotFound, env.TraceID, CodeToolNotFound,
			fmt.Sprintf("no handler for callback tool %q", tool))
		return
	}

	s.recorder.ObserveEnvelope(string(env.Kind), "accepted")

	ctx, cancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
	defer cancel()

	start := s.clock()
	_, err := handler(ctx, Call{
		TenantID:       env.TenantID,
		TraceID:        env.TraceID,
		ConversationID: env.ConversationID,
		Caller:         env.Caller,
		Tool:           tool,
		Kind:           env.Kind,
		Args:           env.Payload,
	})
	s.recorder.ObserveDispatch(tool, dispatchStatus(err), s.clock().Sub(start))
	if err != nil {
		s.logger.Error("callback handler failed",
			"trace_id", env.TraceID, "tool", tool, "error", err)
		s.writeError(w, http.StatusInternalServerError, env.TraceID, CodeToolExecution, err.Error())
		return
	}
	s.respond(w, http.StatusOK, s.buildResponse(env, envelope.KindAck, nil))
}

// dispatch runs the tool handler and pushes the outcome to the reply-to
// address. Calls without a reply-to are fire-and-forget.
func (s *Server) dispatch(call Call, handler Handler, replyTo string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "gateway.dispatch",
		oteltrace.WithAttributes(
			attribute.String("mesh.trace_id", call.TraceID),
			attribute.String("mesh.tool", call.Tool),
			attribute.String("mesh.caller", call.Caller),
		))
	defer span.End()

	start := s.clock()
	result, err := handler(ctx, call)
	s.recorder.ObserveDispatch(call.Tool, dispatchStatus(err), s.clock().Sub(start))

	if replyTo == "" {
		if err != nil {
			s.logger.Error("dispatch failed, no reply-to to notify",
				"trace_id", call.TraceID, "tool", call.Tool, "error", err)
			s.journal.Record(trace.Step{TraceID: call.TraceID, Phase: trace.PhaseError, Agent: s.identity.AgentID, Tool: call.Tool, Error: err.Error()})
		}
		return
	}

	addr, addrErr := envelope.ParseReplyTo(replyTo)
	if addrErr != nil {
		s.logger.Error("unusable reply-to", "trace_id", call.TraceID, "reply_to", replyTo, "error", addrErr)
		return
	}

	var out envelope.Envelope
	if err != nil {
		out = envelope.Envelope{
			TenantID:       call.TenantID,
			TraceID:        call.TraceID,
			ConversationID: call.ConversationID,
			Caller:         s.identity.AgentID,
			Timestamp:      s.clock().Unix(),
			Kind:           envelope.KindError,
			Payload: envelope.Payload{
				"tool":    addr.Tool,
				"source":  s.identity.AgentID,
				"code":    CodeToolExecution,
				"message": err.Error(),
			},
		}
	} else {
		out = envelope.Envelope{
			TenantID:       call.TenantID,
			TraceID:        call.TraceID,
			ConversationID: call.ConversationID,
			Caller:         s.identity.AgentID,
			Timestamp:      s.clock().Unix(),
			Kind:           envelope.KindCallback,
			Payload: envelope.Payload{
				"tool":   addr.Tool,
				"source": s.identity.AgentID,
				"result": map[string]any(result),
			},
		}
	}
	s.deliverResult(ctx, addr, out)
}

// deliverResult pushes a callback or error envelope to the reply-to agent
// with bounded retries. Exhaustion drops the result; the caller's
// correlation record will time out instead of completing.
func (s *Server) deliverResult(ctx context.Context, addr envelope.Address, out envelope.Envelope) {
	endpoint, err := s.directory.Endpoint(addr.Agent)
	if err != nil {
		s.dropResult(out, addr, err)
		return
	}

	attempt := 0
	err = retry.Execute(ctx, s.retryPolicy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.recorder.ObserveCallbackRetry(addr.Tool)
			s.logger.Warn("retrying callback delivery",
				"trace_id", out.TraceID, "agent", addr.Agent, "attempt", attempt)
		}

		signed, signErr := security.Sign(out, s.keys)
		if signErr != nil {
			return retry.Permanent(signErr)
		}

		resp, sendErr := s.transport.Send(ctx, endpoint, signed)
		if sendErr != nil {
			return sendErr
		}
		if resp.Kind == envelope.KindError {
			return retry.Permanent(peerErrorFromPayload(out.TraceID, resp.Payload))
		}
		return nil
	})
	if err != nil {
		s.dropResult(out, addr, err)
		return
	}

	s.journal.Record(trace.Step{
		TraceID:     out.TraceID,
		Phase:       trace.PhaseCallback,
		Agent:       addr.Agent,
		Tool:        addr.Tool,
		PayloadHash: payloadHash(out.Payload),
		Attempt:     attempt,
	})
	s.auditWrite(out.TenantID, s.identity.AgentID, audit.ActionCallbackDelivered, out.TraceID, "delivered", nil)
}

func (s *Server) dropResult(out envelope.Envelope, addr envelope.Address, cause error) {
	s.logger.Error("dropping result after delivery failure",
		"trace_id", out.TraceID, "agent", addr.Agent, "tool", addr.Tool, "error", cause)
	s.journal.Record(trace.Step{
		TraceID:     out.TraceID,
		Phase:       trace.PhaseDropped,
		Agent:       addr.Agent,
		Tool:        addr.Tool,
		PayloadHash: payloadHash(out.Payload),
		Error:       cause.Error(),
	})
	s.auditWrite(out.TenantID, s.identity.AgentID, audit.ActionCallbackDropped, out.TraceID, "dropped", cause)
}

// buildResponse derives the synchronous response envelope for an inbound
// envelope, signed as this gateway.
func (s *Server) buildResponse(in envelope.Envelope, kind envelope.Kind, payload envelope.Payload) envelope.Envelope {
	out := envelope.Envelope{
		TenantID:       s.identity.TenantID,
		TraceID:        in.TraceID,
		ConversationID: in.ConversationID,
		Caller:         s.identity.AgentID,
		Timestamp:      s.clock().Unix(),
		Kind:           kind,
		Payload:        payload,
	}
	signed, err := security.Sign(out, s.keys)
	if err != nil {
		s.logger.Error("cannot sign response envelope", "trace_id", in.TraceID, "error", err)
		return out
	}
	return signed
}

func (s *Server) writeError(w http.ResponseWriter, status int, traceID, code, message string) {
	out := s.buildResponse(envelope.Envelope{TraceID: traceID}, envelope.KindError, envelope.Payload{
		"code":    code,
		"message": message,
	})
	s.respond(w, status, out)
}

func (s *Server) respond(w http.ResponseWriter, status int, env envelope.Envelope) {
	b, err := envelope.Encode(env)
	if err != nil {
		http.Error(w, "encode failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (s *Server) auditWrite(tenant, actor, action, resource, status string, err error) {
	if s.audit == nil {
		return
	}
	if aErr := s.audit.Write(tenant, actor, action, resource, status, err); aErr != nil {
		s.logger.Error("audit write failed", "action", action, "error", aErr)
	}
}

// splitCallPayload pulls the tool name and argument map out of a call or
// callback payload.
func splitCallPayload(p envelope.Payload) (string, envelope.Payload) {
	tool, _ := p["tool"].(string)
	switch args := p["args"].(type) {
	case envelope.Payload:
		return tool, args
	case map[string]any:
		return tool, envelope.Payload(args)
	default:
		return tool, nil
	}
}

func dispatchStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// payloadHash fingerprints an envelope payload for journal steps so journals
// from both ends of a call can be diffed payload by payload.
func payloadHash(p envelope.Payload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return trace.PayloadHash(b)
}

func decodeErrorCode(err error) string {
	switch {
	case errors.Is(err, envelope.ErrMissingField):
		return CodeMissingField
	case errors.Is(err, envelope.ErrUnknownKind), errors.Is(err, envelope.ErrBadReplyTo):
		return CodeMalformedEnvelope
	default:
		return CodeMalformedEnvelope
	}
}

func validationErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, security.ErrInvalidSignature):
		return CodeInvalidSignature, http.StatusUnauthorized
	case errors.Is(err, security.ErrExpired):
		return CodeExpired, http.StatusUnauthorized
	case errors.Is(err, security.ErrUnknownCaller):
		return CodeUnknownCaller, http.StatusUnauthorized
	case errors.Is(err, security.ErrTenantDenied):
		return CodeTenantDenied, http.StatusForbidden
	case errors.Is(err, envelope.ErrMissingField):
		return CodeMissingField, http.StatusBadRequest
	default:
		return CodeMalformedEnvelope, http.StatusBadRequest
	}
}
