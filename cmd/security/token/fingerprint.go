package token

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// fingerprintLen is the number of hex chars kept; enough to correlate log lines, useless to replay.
const fingerprintLen = 12

// Fingerprint returns a short SHA-256 hex prefix of tok, or "" for an empty token.
func Fingerprint(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// ExpiresAt reads the "exp" claim of a JWT without verifying the signature.
// The result is advisory only (status output, logs); the server remains the authority.
func ExpiresAt(tok string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(tok), claims); err != nil {
		return time.Time{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}
