package token

import "errors"

// Public, stable errors for callers.
var (
	ErrSealKeyTooShort = errors.New("token: seal key too short")
	ErrSealedTooShort  = errors.New("token: sealed blob too short")
	ErrNotSealed       = errors.New("token: blob is not sealed")
	ErrNoExpiry        = errors.New("token: no expiry claim")
)
