package domain

import "errors"

// Errors surfaced to callers of the VM lifecycle and terminal layers.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrPortsExhausted      = errors.New("no free ports")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
)
