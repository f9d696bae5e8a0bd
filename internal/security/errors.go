package security

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid envelope signature")
	ErrExpired          = errors.New("envelope timestamp outside freshness window")
	ErrUnknownCaller    = errors.New("unknown caller")
	ErrTenantDenied     = errors.New("tenant not allowed for this agent")
)
