package envelope

import "time"

// Kind discriminates the four wire message types.
type Kind string

const (
	KindCall     Kind = "call"
	KindAck      Kind = "ack"
	KindCallback Kind = "callback"
	KindError    Kind = "error"
)

// Valid reports whether k is one of the recognized envelope kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCall, KindAck, KindCallback, KindError:
		return true
	default:
		return false
	}
}

// Payload is the opaque tool arguments (call) or result data (callback/error).
type Payload map[string]any

// Envelope is the wire message exchanged between agents. Every field except
// ConversationID, ReplyTo and Payload is required; ReplyTo is required for
// kind=call envelopes that expect an asynchronous result.
type Envelope struct {
	TenantID       string  `json:"tenant_id"`
	TraceID        string  `json:"trace_id"`
	ConversationID string  `json:"conversation_id,omitempty"`
	ReplyTo        string  `json:"reply_to,omitempty"`
	Caller         string  `json:"caller"`
	AuthSig        []byte  `json:"auth_sig"`
	Timestamp      int64   `json:"timestamp"`
	Kind           Kind    `json:"kind"`
	Payload        Payload `json:"payload,omitempty"`
}

// IssuedAt returns the envelope timestamp as a time.Time.
func (e Envelope) IssuedAt() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// Clone returns a deep copy; the payload map and signature are not shared.
func (e Envelope) Clone() Envelope {
	out := e
	out.AuthSig = append([]byte(nil), e.AuthSig...)
	if e.Payload != nil {
		out.Payload = make(Payload, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	return out
}
