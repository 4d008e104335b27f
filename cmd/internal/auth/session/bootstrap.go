package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"courier/cmd/identity"
)

// ProfileFetcher resolves the current profile through the authenticated transport.
type ProfileFetcher interface {
	Me(ctx context.Context) (*identity.Profile, error)
}

// Bootstrapper decides at startup whether the persisted token is still good.
type Bootstrapper struct {
	log      *slog.Logger
	tokens   *TokenStore
	profiles ProfileFetcher

	ran atomic.Bool
}

// NewBootstrapper wires a Bootstrapper.
func NewBootstrapper(tokens *TokenStore, profiles ProfileFetcher, log *slog.Logger) *Bootstrapper {
	if log == nil {
		log = slog.Default()
	}
	return &Bootstrapper{log: log, tokens: tokens, profiles: profiles}
}

// Run performs the single bootstrap cycle.
//
// authReady is raised on every path, including failures. On cancellation the
// persisted token is left alone (the next start retries) and ctx.Err() is returned.
func (b *Bootstrapper) Run(ctx context.Context) (Session, error) {
	if !b.ran.CompareAndSwap(false, true) {
		return b.tokens.Snapshot(), ErrAlreadyBootstrapped
	}
	defer b.tokens.MarkReady()

	start := time.Now()

	if _, err := b.tokens.Load(ctx); err != nil {
		if isCanceled(ctx, err) {
			return b.tokens.Snapshot(), err
		}
		b.log.Warn("session.bootstrap.load_fail", "err", err)
	}

	if b.tokens.Token() == "" {
		if err := b.tokens.Clear(ctx); err != nil && isCanceled(ctx, err) {
			return b.tokens.Snapshot(), err
		}
		b.log.Info("session.bootstrap.anonymous")
		return b.ready(), nil
	}

	profile, err := b.profiles.Me(ctx)
	if err != nil {
		if isCanceled(ctx, err) {
			b.log.Info("session.bootstrap.canceled")
			return b.ready(), err
		}
		b.log.Info("session.bootstrap.rejected", "err", err, "duration_ms", time.Since(start).Milliseconds())
		_ = b.tokens.Clear(context.WithoutCancel(ctx))
		return b.ready(), nil
	}

	// Me may have refreshed the token; re-read it instead of reusing the persisted one.
	tok := b.tokens.Token()
	if tok == "" {
		b.log.Info("session.bootstrap.cleared_during_fetch")
		return b.ready(), nil
	}
	if err := b.tokens.SetSession(context.WithoutCancel(ctx), tok, profile); err != nil {
		b.log.Warn("session.bootstrap.persist_fail", "err", err)
	}

	b.log.Info("session.bootstrap.ok",
		"user_id", profile.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return b.ready(), nil
}

func (b *Bootstrapper) ready() Session {
	b.tokens.MarkReady()
	return b.tokens.Snapshot()
}

func isCanceled(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx.Err() != nil
}
