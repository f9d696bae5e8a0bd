package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/your-org/meshgate/pkg/envelope"
)

// Sign computes the envelope signature with the caller's secret and returns
// a copy carrying it. The signature covers the canonical encoding of every
// header plus the payload, with auth_sig itself emptied.
func Sign(e envelope.Envelope, keys KeyStore) (envelope.Envelope, error) {
	secret, err := keys.Secret(e.Caller)
	if err != nil {
		return envelope.Envelope{}, err
	}
	base, err := envelope.SigningBase(e)
	if err != nil {
		return envelope.Envelope{}, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(base)
	e.AuthSig = mac.Sum(nil)
	return e, nil
}

// VerifySignature recomputes the expected signature and compares in constant
// time.
func VerifySignature(e envelope.Envelope, keys KeyStore) error {
	secret, err := keys.Secret(e.Caller)
	if err != nil {
		return err
	}
	base, err := envelope.SigningBase(e)
	if err != nil {
		return fmt.Errorf("signing base: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(base)
	if !hmac.Equal(mac.Sum(nil), e.AuthSig) {
		return fmt.Errorf("%w: caller %s trace %s", ErrInvalidSignature, e.Caller, e.TraceID)
	}
	return nil
}
