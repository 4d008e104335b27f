// Package app wires the Courier client runtime: config, logging, session persistence,
// the coordinator that composes every component, and the optional debug listener.
package app

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"courier/cmd/identity"
	"courier/cmd/identity/ids"
	"courier/cmd/internal/auth/api"
	"courier/cmd/internal/auth/session"
	"courier/cmd/internal/cache"
	"courier/cmd/internal/events"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/notify"
	"courier/cmd/internal/realtime"
	"courier/cmd/security/token"
)

// Option customises NewClient.
type Option func(*options)

type options struct {
	store   session.Store
	dialer  realtime.Dialer
	cue     notify.Cue
	metrics *metrics.Metrics
}

// WithStore replaces the persistence selected from Config. The client closes it on Close.
func WithStore(s session.Store) Option { return func(o *options) { o.store = s } }

// WithDialer replaces the WebSocket dialer of the push channel.
func WithDialer(d realtime.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithCue sets the hook fired for each pushed notification.
func WithCue(c notify.Cue) Option { return func(o *options) { o.cue = c } }

// WithMetrics shares an existing collector set.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// Client is the session coordinator. It owns every runtime component and is the single
// implementation of forced logout.
type Client struct {
	cfg     Config
	log     Logger
	metrics *metrics.Metrics
	persist persistence

	tokens  *session.TokenStore
	fetcher *authapi.Fetcher
	api     *authapi.Client
	boot    *session.Bootstrapper
	bus     *events.Bus[events.Event]
	channel *realtime.Channel
	notes   *notify.Service
	caches  *cache.Caches

	unsubs []func()

	// logoutMu serialises forced logouts; it is never held across a network call.
	logoutMu sync.Mutex

	mu          sync.Mutex
	activeUser  string
	activeToken string
	stopPoll   context.CancelFunc
	closed     bool
	wg         sync.WaitGroup
}

// NewClient builds and wires the runtime. Nothing touches the network until Bootstrap or Login.
func NewClient(ctx context.Context, cfg Config, log Logger, opts ...Option) (*Client, error) {
	if log == nil {
		log = NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	m := o.metrics
	if m == nil {
		m = metrics.New()
	}

	p := persistence{store: o.store, kind: "custom"}
	if o.store == nil {
		var err error
		if p, err = newStore(ctx, cfg, log); err != nil {
			return nil, err
		}
	}

	tokens, err := session.NewTokenStore(p.store, log)
	if err != nil {
		p.Close()
		return nil, err
	}

	if cfg.API.InstanceID == "" {
		cfg.API.InstanceID = ids.NewInstanceID()
	}
	cfg.Realtime.InstanceID = cfg.API.InstanceID
	if cfg.Realtime.BaseURL == "" {
		cfg.Realtime.BaseURL = cfg.API.BaseURL
	}

	fetcher, err := authapi.NewFetcher(cfg.API, tokens, log, authapi.WithMetrics(m))
	if err != nil {
		p.Close()
		return nil, err
	}
	api := authapi.NewClient(fetcher)

	bus := events.New[events.Event](log, events.WithName("app"), events.WithPanicHook(m.ListenerPanic))

	var noteOpts []notify.Option
	if o.cue != nil {
		noteOpts = append(noteOpts, notify.WithCue(o.cue))
	}
	notes := notify.NewService(api, notify.NewStore(log, m), log, noteOpts...)

	chOpts := []realtime.Option{
		realtime.WithFreshener(api),
		realtime.WithNotifications(notes),
		realtime.WithBus(bus),
		realtime.WithMetrics(m),
	}
	if o.dialer != nil {
		chOpts = append(chOpts, realtime.WithDialer(o.dialer))
	}
	channel := realtime.New(cfg.Realtime, tokens, log, chOpts...)

	c := &Client{
		cfg:     cfg,
		log:     log,
		metrics: m,
		persist: p,
		tokens:  tokens,
		fetcher: fetcher,
		api:     api,
		boot:    session.NewBootstrapper(tokens, api, log),
		bus:     bus,
		channel: channel,
		notes:   notes,
		caches:  cache.New(api, bus, cfg.CacheMinInterval, log, m),
	}

	fetcher.SetRevoker(c)
	channel.SetRevoker(c)
	c.unsubs = append(c.unsubs,
		c.caches.Attach(bus),
		tokens.Watch(c.onSession),
	)
	return c, nil
}

// Tokens exposes the session store (read-mostly).
func (c *Client) Tokens() *session.TokenStore { return c.tokens }

// API exposes the authenticated REST client.
func (c *Client) API() *authapi.Client { return c.api }

// Bus exposes the application event bus.
func (c *Client) Bus() *events.Bus[events.Event] { return c.bus }

// Channel exposes the push channel.
func (c *Client) Channel() *realtime.Channel { return c.channel }

// Notifications exposes the notification service and its store.
func (c *Client) Notifications() *notify.Service { return c.notes }

// Caches exposes the domain caches.
func (c *Client) Caches() *cache.Caches { return c.caches }

// Metrics exposes the collector set.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// IsReady reports whether the first session resolution finished.
func (c *Client) IsReady() bool { return c.tokens.IsReady() }

// Bootstrap resolves the persisted session once. authReady is raised on every path.
func (c *Client) Bootstrap(ctx context.Context) (session.Session, error) {
	return c.boot.Run(ctx)
}

// Login signs in with a username or email and stores token and profile together.
func (c *Client) Login(ctx context.Context, identifier, password string) (*identity.Profile, error) {
	tok, user, err := c.api.Login(ctx, identifier, password)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.SetSession(ctx, tok, user); err != nil {
		c.log.Warn("session.login.persist_fail", "err", err)
	}
	c.tokens.MarkReady()
	c.log.Info("session.login", "user_id", profileID(user), "token_fp", token.Fingerprint(tok))
	return user, nil
}

func profileID(p *identity.Profile) string {
	if p == nil {
		return ""
	}
	return p.ID
}

// Logout tells the server (best effort) and then performs a forced logout regardless of the outcome.
func (c *Client) Logout(ctx context.Context) error {
	var err error
	if c.tokens.Token() != "" {
		err = c.api.Logout(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Info("session.logout.remote_fail", "err", err)
		}
	}
	c.ForceLogout(ctx, "logout")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// ForceLogout drops the session. Token and user are cleared together first, so no reader ever
// sees a credential outliving the logout. The coordinator's session watcher was registered
// before any other, so the push channel, notifications and caches are already gone by the time
// later watchers observe the cleared pair. A snapshot read in between can still see stale
// notifications next to an empty session for that short window.
func (c *Client) ForceLogout(ctx context.Context, reason string) {
	c.logoutMu.Lock()
	defer c.logoutMu.Unlock()

	if err := c.tokens.Clear(context.WithoutCancel(ctx)); err != nil {
		c.log.Warn("session.forced_logout.persist_fail", "err", err)
	}

	// Clear does not notify when nothing was held; the components may still be up.
	c.mu.Lock()
	c.teardownLocked(reason)
	c.mu.Unlock()

	c.log.Info("session.forced_logout", "reason", reason)
}

// onSession reacts to every token store change.
func (c *Client) onSession(s session.Session) {
	uid := s.UserID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch {
	case !s.Authenticated() || uid == "":
		if c.activeUser != "" {
			c.teardownLocked("session_cleared")
		}
	case !s.AuthReady:
		// Bootstrap still resolving the persisted pair.
	case uid != c.activeUser:
		if c.activeUser != "" {
			c.teardownLocked("user_changed")
		}
		c.startLocked(uid, s.Token)
	case s.Token != c.activeToken:
		c.activeToken = s.Token
		// A channel stopped by an auth rejection waits for new credentials; this is them.
		if c.channel.Status().Terminal {
			c.restartChannelLocked(uid)
		}
	}
}

// startLocked brings the per-session components up for uid. Caller holds mu.
func (c *Client) startLocked(uid, tok string) {
	c.activeUser = uid
	c.activeToken = tok
	c.caches.Activate()
	if err := c.channel.Start(uid); err != nil {
		c.log.Warn("realtime.start.fail", "user_id", uid, "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stopPoll = cancel
	c.wg.Add(1)
	go c.sessionLoop(ctx, uid)

	c.log.Info("session.active", "user_id", uid)
}

// restartChannelLocked brings a terminal push channel back for uid. Caller holds mu.
func (c *Client) restartChannelLocked(uid string) {
	c.channel.Stop("credentials_renewed")
	if err := c.channel.Start(uid); err != nil {
		c.log.Warn("realtime.start.fail", "user_id", uid, "err", err)
		return
	}
	c.log.Info("realtime.restart", "user_id", uid)
}

// teardownLocked stops every per-session component. It never waits on goroutines, since it can run
// on the channel reader or the poller. Caller holds mu.
func (c *Client) teardownLocked(reason string) {
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
	c.channel.Stop(reason)
	c.caches.Reset()
	c.notes.Store().Reset()
	if c.activeUser != "" {
		c.log.Info("session.inactive", "user_id", c.activeUser, "reason", reason)
	}
	c.activeUser = ""
	c.activeToken = ""
}

// sessionLoop loads the initial snapshots and then polls notifications until the session ends.
func (c *Client) sessionLoop(ctx context.Context, uid string) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("session.loop.panic", "user_id", uid, "panic", r)
		}
	}()

	if _, err := c.notes.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Info("notify.initial.fail", "err", err)
	}
	if err := c.caches.RefreshAll(ctx); err != nil && ctx.Err() == nil {
		c.log.Info("cache.initial.fail", "err", err)
	}
	c.notes.Poll(ctx, c.cfg.NotificationsPoll)
}

// Status is a snapshot of the whole runtime.
type Status struct {
	Authenticated  bool              `json:"authenticated"`
	AuthReady      bool              `json:"auth_ready"`
	User           *identity.Profile `json:"user,omitempty"`
	TokenFP        string            `json:"token_fp,omitempty"`
	TokenExpiresAt *time.Time        `json:"token_expires_at,omitempty"`
	Channel        string            `json:"channel"`
	Attempt        int               `json:"attempt"`
	LastClose      int               `json:"last_close,omitempty"`
	Terminal       bool              `json:"terminal,omitempty"`
	Notifications  int               `json:"notifications"`
	Unread         int               `json:"unread"`
	Store          string            `json:"store"`
}

// Status reports the session, channel and notification state.
func (c *Client) Status() Status {
	s := c.tokens.Snapshot()
	ch := c.channel.Status()
	store := c.notes.Store()

	st := Status{
		Authenticated: s.Authenticated(),
		AuthReady:     s.AuthReady,
		User:          s.User,
		TokenFP:       token.Fingerprint(s.Token),
		Channel:       ch.State.String(),
		Attempt:       ch.Attempt,
		LastClose:     ch.LastClose,
		Terminal:      ch.Terminal,
		Notifications: len(store.List()),
		Unread:        store.Unread(),
		Store:         c.persist.kind,
	}
	if exp, err := token.ExpiresAt(s.Token); err == nil {
		st.TokenExpiresAt = &exp
	}
	return st
}

// Close stops the per-session components without logging out and releases persistence.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.teardownLocked("shutdown")
	c.mu.Unlock()

	for _, off := range c.unsubs {
		off()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.caches.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if werr := c.channel.Wait(ctx); werr != nil && err == nil {
		err = werr
	}

	c.persist.Close()
	return err
}
