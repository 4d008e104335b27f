// Package identity holds the client's view of who is signed in.
//
// It contains the Profile record returned by the profile endpoint, identifier
// primitives (ULID request ids, per-process instance ids) and the typed error
// contract shared by the REST client and the session layer.
//
// This package is intentionally dependency-light: it must be importable from
// every other package without creating cycles.
package identity
