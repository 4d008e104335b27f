package identity

import (
	"errors"
	"fmt"
	"net/http"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// - Kind MUST be one of the sentinel kinds when applicable (ErrUnauthorized, ErrDecode, ...).
// - Msg may include human-readable context; never include tokens.
type OpError struct {
	Op     string
	Kind   error
	Status int
	Msg    string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// StatusError maps a non-2xx HTTP status to an OpError with the matching kind.
func StatusError(op string, status int, msg string) error {
	kind := ErrUnavailable
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrUnauthorized
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status >= 400 && status < 500:
		kind = ErrInvalidInput
	}
	return OpError{Op: op, Kind: kind, Status: status, Msg: msg}
}

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsRevoked reports whether err represents ErrRevoked.
func IsRevoked(err error) bool { return errors.Is(err, ErrRevoked) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// HTTPStatus extracts the HTTP status recorded on an OpError, or 0.
func HTTPStatus(err error) int {
	var oe OpError
	if errors.As(err, &oe) {
		return oe.Status
	}
	return 0
}
