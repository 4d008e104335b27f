package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping HTTP outcomes).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRevoked      = errors.New("revoked")
	ErrUnavailable  = errors.New("unavailable")
	ErrDecode       = errors.New("decode")
)
