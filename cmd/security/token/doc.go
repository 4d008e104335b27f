// Package token provides the client's bearer-token hygiene primitives.
//
// It is the single source of truth for how a token may appear outside memory:
// - In logs: only as a short SHA-256 fingerprint (Fingerprint), never raw.
// - At rest: optionally sealed with XChaCha20-Poly1305 under a key derived
//   from an operator secret via HKDF-SHA256 (Sealer).
// - In status output: expiry is read best-effort from JWT claims without
//   verification (ExpiresAt). Tokens are opaque to the client; a non-JWT token
//   simply has no known expiry.
//
// Environment:
// - COURIER_STATE_KEY: when set, enables sealing of the persisted session file.
package token
