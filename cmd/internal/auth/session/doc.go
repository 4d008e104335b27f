// Package session owns the client's notion of "who is signed in".
//
// TokenStore holds the current bearer token and cached profile in memory and
// mirrors them to a durable Store (memory, file or Postgres). Token and user are
// always replaced together, and readers only ever see a whole Session value.
//
// Bootstrapper runs once at process start: it decides from persisted state
// whether a profile fetch is worth attempting and then raises the authReady
// signal exactly once, whatever the outcome.
//
// HTTP concerns (bearer injection, refresh) live in the authapi package.
package session
