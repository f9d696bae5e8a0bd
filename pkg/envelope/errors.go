package envelope

import "errors"

var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrUnknownKind  = errors.New("unknown envelope kind")
	ErrMissingField = errors.New("missing required header")
	ErrBadReplyTo   = errors.New("invalid reply_to address")
)
