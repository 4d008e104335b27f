// Package ids provides identifier primitives (ULID, instance UUID) used across the client runtime.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// Request ids are ULIDs so server logs sort by issue time.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error (log correlation only).
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return "00000000000000000000000000"
	}
	return id
}

// NewInstanceID returns a random UUID identifying this client process.
func NewInstanceID() string {
	return uuid.NewString()
}
