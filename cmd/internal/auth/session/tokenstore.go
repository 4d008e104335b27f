package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"courier/cmd/identity"
	"courier/cmd/internal/events"
	"courier/cmd/security/token"
)

// Session is an immutable snapshot of the signed-in state.
type Session struct {
	Token     string
	User      *identity.Profile
	AuthReady bool
}

// Authenticated reports whether a bearer token is held.
func (s Session) Authenticated() bool { return s.Token != "" }

// UserID returns the profile id or "".
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// TokenStore is the single owner of the current token+user pair.
//
// Writes replace the whole pair under one lock and are then mirrored to the
// durable Store. Watchers are notified after the lock is released and always
// receive the latest snapshot, so a watcher may safely call back into the store.
type TokenStore struct {
	log   *slog.Logger
	store Store

	writeMu sync.Mutex
	mu      sync.RWMutex
	cur     Session

	readyOnce sync.Once
	ready     chan struct{}

	changes *events.Bus[Session]
}

// NewTokenStore wires a TokenStore on top of durable persistence.
func NewTokenStore(store Store, log *slog.Logger) (*TokenStore, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if log == nil {
		log = slog.Default()
	}
	return &TokenStore{
		log:     log,
		store:   store,
		ready:   make(chan struct{}),
		changes: events.New[Session](log, events.WithName("session")),
	}, nil
}

// Snapshot returns the current session value.
func (t *TokenStore) Snapshot() Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// Token returns the current bearer token ("" when signed out).
func (t *TokenStore) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur.Token
}

// User returns the cached profile or nil.
func (t *TokenStore) User() *identity.Profile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur.User
}

// Load reads the persisted pair into memory without raising authReady.
// A profile that no longer decodes is dropped; the token alone is still worth a bootstrap.
func (t *TokenStore) Load(ctx context.Context) (Session, error) {
	p, err := t.store.Load(ctx)
	if err != nil {
		return t.Snapshot(), err
	}

	var user *identity.Profile
	if len(p.User) > 0 {
		u, perr := identity.ParseProfile(p.User)
		if perr != nil {
			t.log.Warn("session.load.user_invalid", "err", perr)
		} else {
			user = u
		}
	}

	t.writeMu.Lock()
	t.replace(func(s *Session) {
		s.Token = p.Token
		s.User = user
	})
	t.writeMu.Unlock()

	t.log.Debug("session.load", "has_token", p.Token != "", "token_fp", token.Fingerprint(p.Token))
	t.notify()
	return t.Snapshot(), nil
}

// SetSession atomically replaces token and user (login, profile refetch).
func (t *TokenStore) SetSession(ctx context.Context, tok string, user *identity.Profile) error {
	t.writeMu.Lock()
	t.replace(func(s *Session) {
		s.Token = tok
		s.User = user
	})
	err := t.persist(ctx)
	t.writeMu.Unlock()

	t.log.Info("session.set", "user_id", userID(user), "token_fp", token.Fingerprint(tok))
	t.notify()
	return err
}

// SetToken replaces the token and keeps the cached user (refresh path).
func (t *TokenStore) SetToken(ctx context.Context, tok string) error {
	t.writeMu.Lock()
	t.replace(func(s *Session) { s.Token = tok })
	err := t.persist(ctx)
	t.writeMu.Unlock()

	t.log.Debug("session.token.set", "token_fp", token.Fingerprint(tok))
	t.notify()
	return err
}

// Clear drops token and user together, in memory and in durable storage.
func (t *TokenStore) Clear(ctx context.Context) error {
	t.writeMu.Lock()
	had := t.Token() != "" || t.User() != nil
	t.replace(func(s *Session) {
		s.Token = ""
		s.User = nil
	})
	err := t.store.Clear(ctx)
	t.writeMu.Unlock()

	if err != nil {
		t.log.Warn("session.clear.persist_fail", "err", err)
	}
	if had {
		t.log.Info("session.cleared")
		t.notify()
	}
	return err
}

// MarkReady raises authReady. Only the first call has an effect.
func (t *TokenStore) MarkReady() {
	t.readyOnce.Do(func() {
		t.mu.Lock()
		next := t.cur
		next.AuthReady = true
		t.cur = next
		t.mu.Unlock()

		close(t.ready)
		t.log.Info("session.auth_ready", "authenticated", t.Token() != "")
		t.notify()
	})
}

// Ready is closed once authReady is raised.
func (t *TokenStore) Ready() <-chan struct{} { return t.ready }

// IsReady reports whether authReady has been raised.
func (t *TokenStore) IsReady() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

// Watch registers fn for session changes and returns its unsubscribe handle.
func (t *TokenStore) Watch(fn func(Session)) (unsubscribe func()) {
	return t.changes.Subscribe(fn)
}

func (t *TokenStore) replace(mut func(*Session)) {
	t.mu.Lock()
	next := t.cur
	mut(&next)
	t.cur = next
	t.mu.Unlock()
}

// persist mirrors the current pair. Caller holds writeMu.
func (t *TokenStore) persist(ctx context.Context) error {
	s := t.Snapshot()
	if s.Token == "" {
		return t.store.Clear(ctx)
	}

	var user json.RawMessage
	if s.User != nil {
		raw, err := json.Marshal(s.User)
		if err != nil {
			return err
		}
		user = raw
	}

	if err := t.store.Save(ctx, Persisted{Token: s.Token, User: user}); err != nil {
		t.log.Warn("session.persist.fail", "err", err)
		return err
	}
	return nil
}

func (t *TokenStore) notify() {
	t.changes.Publish(t.Snapshot())
}

func userID(p *identity.Profile) string {
	if p == nil {
		return ""
	}
	return p.ID
}
