package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/cmd/identity"
	"courier/cmd/internal/events"

	"github.com/coder/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- fakes ----

type staticTokens string

func (s staticTokens) Token() string { return string(s) }

type fakeConn struct {
	frames chan []byte
	done   chan struct{}

	mu        sync.Mutex
	endErr    error
	writes    [][]byte
	closeCode int
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.endErr != nil {
			return nil, f.endErr
		}
		return nil, io.EOF
	case b := <-f.frames:
		return b, nil
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close(code int, _ string) error {
	f.mu.Lock()
	if f.closeCode == 0 {
		f.closeCode = code
	}
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// end simulates the peer closing with err.
func (f *fakeConn) end(err error) {
	f.mu.Lock()
	f.endErr = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *fakeConn) send(s string) { f.frames <- []byte(s) }

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type dialCall struct {
	url       string
	protocols []string
}

type fakeDialer struct {
	mu    sync.Mutex
	calls []dialCall
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string, protocols []string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dialCall{url: rawURL, protocols: protocols})
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) scheduled() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

type freshFunc func(ctx context.Context) error

func (f freshFunc) EnsureFresh(ctx context.Context) error { return f(ctx) }

type sinkRecorder struct {
	mu  sync.Mutex
	got []json.RawMessage
}

func (s *sinkRecorder) Insert(_ context.Context, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, raw)
	return nil
}

func (s *sinkRecorder) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type revokeRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *revokeRecorder) ForceLogout(_ context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *revokeRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

// ---- helpers ----

type rig struct {
	ch      *Channel
	dialer  *fakeDialer
	clock   *fakeClock
	sink    *sinkRecorder
	bus     *events.Bus[events.Event]
	revoker *revokeRecorder
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()

	r := &rig{
		dialer:  &fakeDialer{},
		clock:   &fakeClock{},
		sink:    &sinkRecorder{},
		bus:     events.New[events.Event](quietLogger()),
		revoker: &revokeRecorder{},
	}
	cfg := Config{
		BaseURL:         "http://api.test:8000",
		Heartbeat:       time.Hour,
		ReconnectBase:   time.Second,
		ReconnectCap:    30 * time.Second,
		ReconnectJitter: 0,
		InstanceID:      "inst-1",
	}
	base := []Option{
		WithDialer(r.dialer),
		WithNotifications(r.sink),
		WithBus(r.bus),
		WithRevoker(r.revoker),
	}
	r.ch = New(cfg, staticTokens("tok-abc"), quietLogger(), append(base, opts...)...)
	r.ch.afterFunc = r.clock.afterFunc

	t.Cleanup(func() {
		r.ch.Stop("test done")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.ch.Wait(ctx)
	})
	return r
}

func waitStatus(t *testing.T, ch *Channel, what string, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := ch.Status(); pred(st) {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s; status=%+v", what, ch.Status())
	return Status{}
}

func isOpen(st Status) bool { return st.State == Open }

func (r *rig) open(t *testing.T) *fakeConn {
	t.Helper()
	if err := r.ch.Start("42"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, r.ch, "open", isOpen)
	return r.dialer.last()
}

// ---- tests ----

func TestBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Cap: 30 * time.Second}

	prev := time.Duration(0)
	for attempt := 0; attempt <= 80; attempt++ {
		d := b.Step(attempt)
		if d < prev {
			t.Fatalf("attempt %d: %v < previous %v", attempt, d, prev)
		}
		if d > b.Cap {
			t.Fatalf("attempt %d: %v exceeds cap", attempt, d)
		}
		prev = d
	}

	cases := map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 3: 8 * time.Second, 4: 16 * time.Second, 5: 30 * time.Second}
	for attempt, want := range cases {
		if got := b.Step(attempt); got != want {
			t.Fatalf("Step(%d)=%v want %v", attempt, got, want)
		}
	}

	uncapped := Backoff{Base: time.Second}
	if d := uncapped.Step(500); d <= 0 {
		t.Fatalf("uncapped Step overflowed: %v", d)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	maxed := Backoff{Base: time.Second, Cap: 4 * time.Second, Jitter: 500 * time.Millisecond,
		randN: func(n int64) int64 { return n - 1 }}
	if got := maxed.Delay(10); got != 4*time.Second+500*time.Millisecond {
		t.Fatalf("Delay with max jitter=%v", got)
	}

	jittered := Backoff{Base: time.Second, Cap: 4 * time.Second, Jitter: 500 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := jittered.Delay(1)
		if d < 2*time.Second || d > 2*time.Second+500*time.Millisecond {
			t.Fatalf("Delay(1)=%v out of [2s, 2.5s]", d)
		}
	}
}

func TestDialCarriesSessionParameters(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.open(t)

	r.dialer.mu.Lock()
	call := r.dialer.calls[0]
	r.dialer.mu.Unlock()

	u, err := url.Parse(call.url)
	if err != nil {
		t.Fatalf("parse %q: %v", call.url, err)
	}
	if u.Scheme != "ws" || u.Host != "api.test:8000" || u.Path != "/ws/notifications" {
		t.Fatalf("url=%s", call.url)
	}
	q := u.Query()
	if q.Get("user_id") != "42" || q.Get("token") != "tok-abc" || q.Get("client_instance") != "inst-1" {
		t.Fatalf("query=%v", q)
	}
	if len(call.protocols) != 2 || call.protocols[0] != "courier.v1" || call.protocols[1] != "bearer.tok-abc" {
		t.Fatalf("protocols=%v", call.protocols)
	}
}

func TestStartRequiresUserAndIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	if err := r.ch.Start(""); !errors.Is(err, ErrNoUser) {
		t.Fatalf("err=%v want ErrNoUser", err)
	}

	r.open(t)
	if err := r.ch.Start("42"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if r.dialer.dials() != 1 {
		t.Fatalf("dials=%d want 1", r.dialer.dials())
	}
}

func TestCloseClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		reconnect bool
	}{
		{name: "auth rejected 4401", err: websocket.CloseError{Code: 4401}},
		{name: "policy violation", err: websocket.CloseError{Code: websocket.StatusPolicyViolation}},
		{name: "normal closure", err: websocket.CloseError{Code: websocket.StatusNormalClosure}, reconnect: true},
		{name: "server restart", err: websocket.CloseError{Code: websocket.StatusServiceRestart}, reconnect: true},
		{name: "app code", err: websocket.CloseError{Code: 4000}, reconnect: true},
		{name: "abnormal eof", err: io.EOF, reconnect: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t)
			conn := r.open(t)
			conn.end(tc.err)

			st := waitStatus(t, r.ch, "closed", func(st Status) bool { return st.State == Closed })
			timers := r.clock.scheduled()

			if !tc.reconnect {
				if len(timers) != 0 {
					t.Fatalf("reconnect scheduled on auth-rejected close")
				}
				if !st.Terminal {
					t.Fatalf("status=%+v want terminal", st)
				}
				return
			}
			if len(timers) != 1 {
				t.Fatalf("timers=%d want 1", len(timers))
			}
			if timers[0].delay != time.Second {
				t.Fatalf("first delay=%v want base", timers[0].delay)
			}
			if st.Attempt != 1 || st.Terminal {
				t.Fatalf("status=%+v", st)
			}
		})
	}
}

func TestReconnectBacksOffAndResetsOnOpen(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.dialer.err = errors.New("connection refused")

	if err := r.ch.Start("42"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var (
		delays []time.Duration
		last   *fakeTimer
	)
	for i := 0; i < 4; i++ {
		if last != nil {
			last.fn()
		}
		waitStatus(t, r.ch, "closed", func(st Status) bool { return st.State == Closed && st.Attempt == i+1 })
		timers := r.clock.scheduled()
		last = timers[len(timers)-1]
		delays = append(delays, last.delay)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays=%v want %v", delays, want)
		}
	}

	r.dialer.mu.Lock()
	r.dialer.err = nil
	r.dialer.mu.Unlock()
	last.fn()

	st := waitStatus(t, r.ch, "open", isOpen)
	if st.Attempt != 0 {
		t.Fatalf("attempt=%d want reset to 0", st.Attempt)
	}
}

func TestStopCancelsReconnectTimer(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	conn := r.open(t)
	conn.end(websocket.CloseError{Code: websocket.StatusGoingAway})
	waitStatus(t, r.ch, "closed", func(st Status) bool { return st.State == Closed })

	timers := r.clock.scheduled()
	if len(timers) != 1 {
		t.Fatalf("timers=%d", len(timers))
	}

	r.ch.Stop("logout")
	if !timers[0].isStopped() {
		t.Fatalf("reconnect timer not stopped")
	}
	if st := r.ch.Status(); st.State != Idle || st.Attempt != 0 || st.UserID != "" {
		t.Fatalf("status=%+v want idle", st)
	}

	// A timer that already fired before Stop must not resurrect the channel.
	timers[0].fn()
	time.Sleep(20 * time.Millisecond)
	if r.dialer.dials() != 1 {
		t.Fatalf("dials=%d want 1", r.dialer.dials())
	}
}

func TestStopClosesOpenSocket(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	conn := r.open(t)

	r.ch.Stop("logout")

	conn.mu.Lock()
	code := conn.closeCode
	conn.mu.Unlock()
	if code != int(websocket.StatusNormalClosure) {
		t.Fatalf("close code=%d", code)
	}
	if len(r.clock.scheduled()) != 0 {
		t.Fatalf("teardown scheduled a reconnect")
	}

	// Idle -> Connecting again for the next session.
	if err := r.ch.Start("43"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, r.ch, "reopen", isOpen)
}

func TestEnsureFreshOutcome(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		terminal bool
	}{
		{name: "refresh failed", err: identity.OpError{Op: "t", Kind: identity.ErrUnauthorized}, terminal: true},
		{name: "revoked", err: identity.OpError{Op: "t", Kind: identity.ErrRevoked}, terminal: true},
		{name: "offline", err: identity.OpError{Op: "t", Kind: identity.ErrUnavailable}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t, WithFreshener(freshFunc(func(context.Context) error { return tc.err })))
			if err := r.ch.Start("42"); err != nil {
				t.Fatalf("Start: %v", err)
			}
			st := waitStatus(t, r.ch, "closed", func(st Status) bool { return st.State == Closed })

			if r.dialer.dials() != 0 {
				t.Fatalf("dialed despite failed freshness check")
			}
			if st.Terminal != tc.terminal {
				t.Fatalf("terminal=%v want %v", st.Terminal, tc.terminal)
			}
			if got := len(r.clock.scheduled()); (got == 0) != tc.terminal {
				t.Fatalf("timers=%d", got)
			}
		})
	}
}

func TestNoTokenIsTerminal(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	clock := &fakeClock{}
	ch := New(Config{BaseURL: "http://x"}, staticTokens(""), quietLogger(), WithDialer(d))
	ch.afterFunc = clock.afterFunc
	defer ch.Stop("done")

	_ = ch.Start("42")
	st := waitStatus(t, ch, "closed", func(st Status) bool { return st.State == Closed })
	if !st.Terminal || d.dials() != 0 || len(clock.scheduled()) != 0 {
		t.Fatalf("status=%+v dials=%d", st, d.dials())
	}
}

func TestDispatchRoutesFrames(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	var (
		mu  sync.Mutex
		got []events.Event
	)
	r.bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	conn := r.open(t)
	conn.send(`{"event":"new_notification","notification":{"id":5,"read":false}}`)
	conn.send(`{not json`)
	conn.send(`"just a string"`)
	conn.send(`{"type":"event","event":"contacts_changed"}`)
	conn.send(`{"type":"event","event":"order_assigned","payload":{"order":3}}`)
	conn.send(`{"type":"order_status_changed","payload":{"order":9}}`)
	conn.send(`{"type":"something_new","x":1}`)
	conn.send(`{"event":"new_notification","notification":"oops"}`)
	conn.send(`{"type":"incoming_call","payload":{"from":7}}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 4 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(got))
	for _, ev := range got {
		names = append(names, ev.Name)
	}
	if strings.Join(names, ",") != "contacts_changed,order_assigned,order_status_changed,incoming_call" {
		t.Fatalf("bus events=%v", names)
	}
	if !strings.Contains(string(got[1].Payload), `"order":3`) || !strings.Contains(string(got[3].Payload), `"from":7`) {
		t.Fatalf("payload not republished verbatim: %s / %s", got[1].Payload, got[3].Payload)
	}

	if r.sink.len() != 1 {
		t.Fatalf("notifications=%d want 1", r.sink.len())
	}
	if st := r.ch.Status(); st.State != Open {
		t.Fatalf("malformed frames changed state: %+v", st)
	}
}

func TestRevocationFrameForcesLogoutWithoutReconnect(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	conn := r.open(t)

	conn.send(`{"type":"force_logout","reason":"password_changed"}`)

	st := waitStatus(t, r.ch, "revoked", func(st Status) bool { return st.State == Closed && st.Terminal })
	if st.Attempt != 0 {
		t.Fatalf("status=%+v", st)
	}

	deadline := time.Now().Add(time.Second)
	for len(r.revoker.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := r.revoker.all(); len(got) != 1 || got[0] != "password_changed" {
		t.Fatalf("revocations=%v", got)
	}
	if len(r.clock.scheduled()) != 0 {
		t.Fatalf("reconnect scheduled after revocation")
	}

	// Server closing after the revocation frame must not schedule anything either.
	conn.end(websocket.CloseError{Code: websocket.StatusGoingAway})
	time.Sleep(20 * time.Millisecond)
	if len(r.clock.scheduled()) != 0 || r.dialer.dials() != 1 {
		t.Fatalf("channel resurrected after revocation")
	}
}

func TestHeartbeatSendsPings(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	ch := New(Config{BaseURL: "http://x", Heartbeat: 5 * time.Millisecond}, staticTokens("t"), quietLogger(), WithDialer(d))
	defer ch.Stop("done")

	_ = ch.Start("1")
	waitStatus(t, ch, "open", isOpen)
	conn := d.last()

	deadline := time.Now().Add(2 * time.Second)
	for conn.writeCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if conn.writeCount() < 2 {
		t.Fatalf("pings=%d want >= 2", conn.writeCount())
	}

	conn.mu.Lock()
	first := string(conn.writes[0])
	conn.mu.Unlock()
	if !strings.Contains(first, `"type":"ping"`) || !strings.Contains(first, `"ts":`) {
		t.Fatalf("ping frame=%s", first)
	}
}

func TestWatchReportsTransitions(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	var (
		mu     sync.Mutex
		states []State
	)
	r.ch.Watch(func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	conn := r.open(t)
	conn.end(websocket.CloseError{Code: 4401})
	waitStatus(t, r.ch, "closed", func(st Status) bool { return st.State == Closed })
	r.ch.Stop("logout")

	mu.Lock()
	defer mu.Unlock()
	want := []State{Connecting, Open, Closed, Closing, Idle}
	if len(states) != len(want) {
		t.Fatalf("states=%v want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states=%v want %v", states, want)
		}
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("COURIER_WS_PATH", "/push")
	t.Setenv("COURIER_RECONNECT_CAP", "10s")
	t.Setenv("COURIER_AUTH_CLOSE_CODES", "4401, x, 4403")
	t.Setenv("COURIER_HEARTBEAT_INTERVAL", "")

	cfg := LoadConfigFromEnv()
	if cfg.Path != "/push" || cfg.ReconnectCap != 10*time.Second || cfg.Heartbeat != heartbeatInterval {
		t.Fatalf("cfg=%+v", cfg)
	}
	if len(cfg.AuthCloseCodes) != 2 || cfg.AuthCloseCodes[1] != 4403 {
		t.Fatalf("AuthCloseCodes=%v", cfg.AuthCloseCodes)
	}

	cfg.BaseURL = "https://api.example.com/"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	u, _ := cfg.socketURL("7", "a b")
	if !strings.HasPrefix(u, "wss://api.example.com/push?") || !strings.Contains(u, "token=a+b") {
		t.Fatalf("socketURL=%s", u)
	}

	cfg.BaseURL = "ftp://x"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ftp base url accepted")
	}
}
