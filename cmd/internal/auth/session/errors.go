package session

import "errors"

var (
	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrNilStore is returned when a TokenStore is built without persistence.
	ErrNilStore = errors.New("session: nil store")

	// ErrAlreadyBootstrapped is returned when Bootstrapper.Run is called a second time.
	ErrAlreadyBootstrapped = errors.New("session: already bootstrapped")

	// ErrCorruptState is returned when persisted state cannot be decoded.
	ErrCorruptState = errors.New("session: corrupt persisted state")
)
