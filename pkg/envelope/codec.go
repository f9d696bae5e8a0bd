package envelope

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an envelope to its canonical wire form. Struct fields
// marshal in declaration order and map keys marshal sorted, so the output is
// deterministic for a given envelope; signatures are computed over this form.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return b, nil
}

// SigningBase returns the canonical bytes the auth signature covers: the
// envelope with its auth_sig field emptied.
func SigningBase(e Envelope) ([]byte, error) {
	e.AuthSig = nil
	return Encode(e)
}

// Decode parses wire bytes and enforces the required-header contract.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkRequired(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func checkRequired(e Envelope) error {
	switch {
	case e.TenantID == "":
		return fmt.Errorf("%w: tenant_id", ErrMissingField)
	case e.TraceID == "":
		return fmt.Errorf("%w: trace_id", ErrMissingField)
	case e.Caller == "":
		return fmt.Errorf("%w: caller", ErrMissingField)
	case e.Timestamp == 0:
		return fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Kind == KindCall && e.ReplyTo != "" {
		if _, err := ParseReplyTo(e.ReplyTo); err != nil {
			return err
		}
	}
	return nil
}
