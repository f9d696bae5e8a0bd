package correlator

import "errors"

var (
	ErrNotFound          = errors.New("correlation not found")
	ErrStillWaiting      = errors.New("correlation still waiting")
	ErrUnexpectedSource  = errors.New("source not in expectation set")
	ErrAlreadyRegistered = errors.New("correlation already registered")
)
