// Package realtime owns the single push connection of an authenticated session.
//
// Channel is an explicit state machine (Idle, Connecting, Open, Closing, Closed)
// independent of the socket library: the Dialer/Conn seam and an injectable timer
// let the reconnect and backoff rules run in tests without a network.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"courier/cmd/identity"
	"courier/cmd/internal/auth/api"
	"courier/cmd/internal/events"
	"courier/cmd/internal/metrics"
	"courier/cmd/security/token"
	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

var (
	// ErrNoUser is returned by Start without a user id.
	ErrNoUser = errors.New("realtime: session has no user id")

	errNoToken = errors.New("realtime: no token")
)

// TokenSource yields the current bearer token.
type TokenSource interface {
	Token() string
}

// Freshener makes sure the current token is usable before a socket is opened with it.
type Freshener interface {
	EnsureFresh(ctx context.Context) error
}

// NotificationSink receives the notification object of a new_notification frame.
type NotificationSink interface {
	Insert(ctx context.Context, raw json.RawMessage) error
}

type timer interface {
	Stop() bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithDialer replaces the coder/websocket dialer.
func WithDialer(d Dialer) Option { return func(c *Channel) { c.dialer = d } }

// WithFreshener sets the pre-dial token check.
func WithFreshener(f Freshener) Option { return func(c *Channel) { c.fresh = f } }

// WithNotifications sets where new_notification frames go.
func WithNotifications(s NotificationSink) Option { return func(c *Channel) { c.sink = s } }

// WithBus sets the bus domain events are republished on.
func WithBus(b *events.Bus[events.Event]) Option { return func(c *Channel) { c.bus = b } }

// WithRevoker sets the forced-logout hook for revocation frames.
func WithRevoker(r authapi.Revoker) Option { return func(c *Channel) { c.revoker = r } }

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Channel) { c.metrics = m } }

// Channel is the push connection state machine.
type Channel struct {
	cfg     Config
	log     *slog.Logger
	tokens  TokenSource
	dialer  Dialer
	fresh   Freshener
	sink    NotificationSink
	bus     *events.Bus[events.Event]
	revoker authapi.Revoker
	metrics *metrics.Metrics
	backoff Backoff
	states  *events.Bus[Status]

	afterFunc func(time.Duration, func()) timer
	now       func() time.Time

	mu        sync.Mutex
	pubMu     sync.Mutex
	state     State
	attempt   int
	gen       uint64
	userID    string
	conn      Conn
	cancel    context.CancelFunc
	timer     timer
	lastClose int
	terminal  bool

	wg sync.WaitGroup
}

// New builds an idle channel.
func New(cfg Config, tokens TokenSource, log *slog.Logger, opts ...Option) *Channel {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	c := &Channel{
		cfg:    cfg,
		log:    log,
		tokens: tokens,
		dialer: WSDialer{ReadLimit: cfg.MaxFrameBytes},
		backoff: Backoff{
			Base:   cfg.ReconnectBase,
			Cap:    cfg.ReconnectCap,
			Jitter: cfg.ReconnectJitter,
		},
		states: events.New[Status](log, events.WithName("realtime.state")),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SetRevoker wires the forced-logout hook after construction.
func (c *Channel) SetRevoker(r authapi.Revoker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoker = r
}

// Status returns the current state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Watch observes state transitions in the order they happen.
// Listeners must not call Start or Stop.
func (c *Channel) Watch(fn func(Status)) (unsubscribe func()) {
	return c.states.Subscribe(fn)
}

// Start moves Idle -> Connecting for userID. It is a no-op unless the channel is Idle.
func (c *Channel) Start(userID string) error {
	if userID == "" {
		return ErrNoUser
	}

	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil
	}
	c.userID = userID
	c.attempt = 0
	c.lastClose = 0
	c.terminal = false
	c.connectLocked()
	c.unlockAndPublish()
	return nil
}

// Stop tears the channel down to Idle: reconnect timer cancelled, heartbeat stopped, socket closed.
// It does not wait for goroutines (it may be called from a frame handler); use Wait for that.
func (c *Channel) Stop(reason string) {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = Closing
	c.unlockAndPublish()

	if conn != nil {
		_ = conn.Close(int(websocket.StatusNormalClosure), reason)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.attempt = 0
	c.userID = ""
	c.terminal = false
	c.log.Info("realtime.stop", "reason", reason)
	c.unlockAndPublish()
}

// Wait blocks until connection goroutines exit or ctx is done.
func (c *Channel) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectLocked starts a new connection generation. Caller holds mu.
func (c *Channel) connectLocked() {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = Connecting
	c.timer = nil

	c.wg.Add(1)
	go c.run(ctx, c.gen, c.userID)
}

func (c *Channel) run(ctx context.Context, gen uint64, userID string) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("realtime.panic", "gen", gen, "panic", r)
			c.closed(gen, -1, fmt.Errorf("realtime: panic: %v", r))
		}
	}()

	conn, err := c.open(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Info("realtime.connect.fail", "user_id", userID, "err", err)
		c.closed(gen, -1, err)
		return
	}
	if !c.opened(gen, conn) {
		_ = conn.Close(int(websocket.StatusNormalClosure), "superseded")
		return
	}

	c.wg.Add(1)
	go c.heartbeat(ctx, gen, conn)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			kind := classifyReadErr(err)
			if kind == readErrCtxDone && ctx.Err() != nil {
				return
			}
			code := closeCode(err)
			c.log.Info("realtime.read.end", "gen", gen, "kind", kind, "close_code", code, "err", err)
			c.closed(gen, code, err)
			_ = conn.Close(int(websocket.StatusNormalClosure), "")
			return
		}
		c.dispatch(ctx, gen, data)
	}
}

func (c *Channel) open(ctx context.Context, userID string) (Conn, error) {
	if c.fresh != nil {
		if err := c.fresh.EnsureFresh(ctx); err != nil {
			return nil, fmt.Errorf("realtime: ensure fresh: %w", err)
		}
	}

	tok := c.tokens.Token()
	if tok == "" {
		return nil, errNoToken
	}

	rawURL, err := c.cfg.socketURL(userID, tok)
	if err != nil {
		return nil, err
	}
	protocols := []string{c.cfg.Subprotocol, v1.BearerSubprotocolPrefix + tok}

	c.log.Debug("realtime.dial", "path", c.cfg.Path, "user_id", userID, "token_fp", token.Fingerprint(tok))
	return c.dialer.Dial(ctx, rawURL, protocols)
}

// opened records Connecting -> Open; false when the generation was superseded meanwhile.
func (c *Channel) opened(gen uint64, conn Conn) bool {
	c.mu.Lock()
	if gen != c.gen || c.state != Connecting {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.state = Open
	c.attempt = 0
	c.log.Info("realtime.open", "user_id", c.userID)
	c.unlockAndPublish()
	return true
}

// closed records the end of generation gen and schedules a reconnect unless the closure is terminal.
func (c *Channel) closed(gen uint64, code int, cause error) {
	c.mu.Lock()
	if gen != c.gen || (c.state != Connecting && c.state != Open) {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Closed
	c.lastClose = code

	if c.isTerminal(code, cause) {
		c.terminal = true
		c.log.Warn("realtime.closed.terminal", "user_id", c.userID, "close_code", code, "err", cause)
		c.unlockAndPublish()
		return
	}

	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
	c.metrics.Reconnect()
	c.log.Info("realtime.reconnect.scheduled", "user_id", c.userID, "attempt", c.attempt, "delay", delay, "close_code", code)
	c.unlockAndPublish()
}

func (c *Channel) isTerminal(code int, cause error) bool {
	if slices.Contains(c.cfg.AuthCloseCodes, code) {
		return true
	}
	if errors.Is(cause, errNoToken) {
		return true
	}
	// EnsureFresh already cleared or revoked the session; the caller must re-authenticate.
	return identity.IsUnauthorized(cause) || identity.IsRevoked(cause)
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Closed || c.terminal {
		c.mu.Unlock()
		return
	}
	c.connectLocked()
	c.unlockAndPublish()
}

func (c *Channel) heartbeat(ctx context.Context, gen uint64, conn Conn) {
	defer c.wg.Done()

	t := time.NewTicker(c.cfg.Heartbeat)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !c.isOpen(gen) {
				return
			}
			c.ping(ctx, conn)
		}
	}
}

// ping is best-effort: failures are logged and never trigger a reconnect on their own.
func (c *Channel) ping(ctx context.Context, conn Conn) {
	b, err := json.Marshal(v1.NewPing(c.now()))
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, b); err != nil {
		c.log.Debug("realtime.ping.fail", "err", err)
	}
}

func (c *Channel) isOpen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state == Open
}

// revoked ends the current generation for good and returns the connection to close.
func (c *Channel) revoked(gen uint64) (Conn, bool) {
	c.mu.Lock()
	if gen != c.gen || c.state != Open {
		c.mu.Unlock()
		return nil, false
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = Closed
	c.terminal = true
	c.unlockAndPublish()
	return conn, true
}

func (c *Channel) statusLocked() Status {
	return Status{
		State:     c.state,
		Attempt:   c.attempt,
		UserID:    c.userID,
		LastClose: c.lastClose,
		Terminal:  c.terminal,
	}
}

// unlockAndPublish releases mu and delivers the new status. pubMu is taken before mu is
// released, so listeners see transitions in the order they were made.
func (c *Channel) unlockAndPublish() {
	st := c.statusLocked()
	c.pubMu.Lock()
	c.mu.Unlock()
	defer c.pubMu.Unlock()

	c.metrics.RealtimeState(int(st.State))
	c.log.Debug("realtime.state", "state", st.State.String(), "attempt", st.Attempt)
	c.states.Publish(st)
}
