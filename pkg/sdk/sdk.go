// Package sdk is the caller-side runtime: it composes expectation
// registration, signed call delivery and result correlation behind one
// blocking Call, so an embedding agent never touches envelopes directly.
package sdk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/meshgate/internal/correlator"
	"github.com/your-org/meshgate/internal/gateway"
	"github.com/your-org/meshgate/pkg/envelope"
)

// DefaultResultTool is where inbound callbacks land unless configured.
const DefaultResultTool = "mesh.collect"

const defaultCallTimeout = 30 * time.Second

// Config wires a Mesh onto an existing gateway runtime. Client, Registry and
// Correlator are mandatory.
type Config struct {
	AgentID     string
	Client      *gateway.Client
	Registry    *gateway.Registry
	Correlator  *correlator.Correlator
	ResultTool  string
	CallTimeout time.Duration
}

// Mesh is a caller handle. One Mesh per agent process; safe for concurrent
// use.
type Mesh struct {
	agentID     string
	client      *gateway.Client
	correlator  *correlator.Correlator
	resultTool  string
	callTimeout time.Duration
}

// New hooks the result tool into the gateway registry and returns the caller
// handle. Every callback or error envelope addressed to the result tool is
// fed straight into the correlator.
func New(cfg Config) (*Mesh, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("sdk: agent id is required")
	}
	if cfg.Client == nil || cfg.Registry == nil || cfg.Correlator == nil {
		return nil, fmt.Errorf("sdk: client, registry and correlator are required")
	}
	if cfg.ResultTool == "" {
		cfg.ResultTool = DefaultResultTool
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	m := &Mesh{
		agentID:     cfg.AgentID,
		client:      cfg.Client,
		correlator:  cfg.Correlator,
		resultTool:  cfg.ResultTool,
		callTimeout: cfg.CallTimeout,
	}
	if err := cfg.Registry.Register(cfg.ResultTool, m.collect); err != nil {
		return nil, fmt.Errorf("sdk: register result tool: %w", err)
	}
	return m, nil
}

// collect ingests one inbound result envelope. Error envelopes count as a
// received contribution carrying the failure payload, so fan-in still
// completes instead of hanging until the deadline.
func (m *Mesh) collect(ctx context.Context, call gateway.Call) (envelope.Payload, error) {
	source, _ := call.Args["source"].(string)
	if source == "" {
		source = call.Caller
	}

	var payload envelope.Payload
	if call.Kind == envelope.KindError {
		payload = envelope.Payload{}
		if code, ok := call.Args["code"].(string); ok {
			payload["code"] = code
		}
		if msg, ok := call.Args["message"].(string); ok {
			payload["error"] = msg
		}
	} else if result, ok := call.Args["result"].(map[string]any); ok {
		payload = envelope.Payload(result)
	} else {
		payload = envelope.Payload{}
	}

	_, err := m.correlator.Ingest(ctx, call.TraceID, source, payload)
	return nil, err
}

// replyTo is this agent's callback address.
func (m *Mesh) replyTo() string {
	return envelope.Address{Agent: m.agentID, Tool: m.resultTool}.String()
}

// Call sends one tool invocation and blocks until its result arrives or the
// call deadline passes. A timed-out call returns whatever arrived with the
// Result's Partial flag set rather than an error.
func (m *Mesh) Call(ctx context.Context, target string, tool string, args envelope.Payload) (correlator.Result, error) {
	return m.Scatter(ctx, []string{target}, tool, args)
}

// Scatter sends the same tool invocation to every target under a single
// trace id and blocks until all contributions arrive or the deadline passes.
func (m *Mesh) Scatter(ctx context.Context, targets []string, tool string, args envelope.Payload) (correlator.Result, error) {
	if len(targets) == 0 {
		return correlator.Result{}, fmt.Errorf("sdk: no targets")
	}

	traceID := uuid.NewString()
	deadline := time.Now().Add(m.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := m.correlator.RegisterExpectation(ctx, traceID, targets, deadline, nil); err != nil {
		return correlator.Result{}, err
	}

	for _, target := range targets {
		_, err := m.client.SendCall(ctx, gateway.CallRequest{
			Target:  target,
			Tool:    tool,
			Args:    args,
			ReplyTo: m.replyTo(),
			TraceID: traceID,
		})
		if err != nil {
			return correlator.Result{}, fmt.Errorf("sdk: send to %s: %w", target, err)
		}
	}

	awaitCtx, cancel := context.WithDeadline(ctx, deadline.Add(2*time.Second))
	defer cancel()
	return m.correlator.Await(awaitCtx, traceID)
}

// FromSource extracts one source's contribution from a combined result.
func FromSource(res correlator.Result, source string) (envelope.Payload, bool) {
	bySource, ok := res.Data["sources"].(map[string]any)
	if !ok {
		return nil, false
	}
	payload, ok := bySource[source].(envelope.Payload)
	return payload, ok
}
