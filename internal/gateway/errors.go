package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrDelivery      = errors.New("envelope delivery failed")
	ErrAckTimeout    = errors.New("timed out waiting for ack")
	ErrToolNotFound  = errors.New("tool not found")
	ErrToolExecution = errors.New("tool execution failed")
	ErrEmptyToolName = errors.New("tool name is empty")
	ErrNilHandler    = errors.New("tool handler is nil")
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownAgent  = errors.New("agent not in peer directory")
)

// Wire error codes carried in error envelope payloads.
const (
	CodeMalformedEnvelope = "MalformedEnvelope"
	CodeInvalidSignature  = "InvalidSignature"
	CodeExpired           = "Expired"
	CodeMissingField      = "MissingField"
	CodeUnknownCaller     = "UnknownCaller"
	CodeTenantDenied      = "TenantDenied"
	CodeToolNotFound      = "ToolNotFound"
	CodeToolExecution     = "ToolExecutionFailed"
)

// PeerError is an error envelope returned by the remote gateway, surfaced to
// the caller with the trace id attached.
type PeerError struct {
	TraceID string
	Code    string
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer rejected call (trace %s): %s: %s", e.TraceID, e.Code, e.Message)
}
