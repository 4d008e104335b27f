// Package authapi is the client's authenticated HTTP chokepoint.
//
// Every network component goes through Fetcher.Call, which injects the current
// bearer token, recovers from an expired token with exactly one refresh and one
// retry, short-circuits revoked sessions into a forced logout, and turns
// transient network failures into a synthetic 502 Response instead of an error.
package authapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"courier/cmd/identity/ids"
	"courier/cmd/internal/metrics"
	"courier/cmd/security/token"

	"golang.org/x/sync/singleflight"
)

// StatusTransient is the sentinel status of a synthetic response for a failed exchange.
const StatusTransient = http.StatusBadGateway

var (
	errRefreshRevoked  = errors.New("authapi: refresh rejected with revocation marker")
	errRefreshRejected = errors.New("authapi: refresh rejected")
	errRefreshNoToken  = errors.New("authapi: refresh response carried no token")
)

// TokenSource is the subset of the session store the fetcher needs.
type TokenSource interface {
	Token() string
	SetToken(ctx context.Context, tok string) error
	Clear(ctx context.Context) error
}

// Revoker performs the process-wide forced logout.
type Revoker interface {
	ForceLogout(ctx context.Context, reason string)
}

// RevokerFunc adapts a function to Revoker.
type RevokerFunc func(ctx context.Context, reason string)

func (f RevokerFunc) ForceLogout(ctx context.Context, reason string) { f(ctx, reason) }

// Request describes one logical API call.
type Request struct {
	Method string
	// Path is joined to the configured base URL unless it is already absolute.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// Token, when set, is used instead of the stored token and disables refresh.
	Token string
	// NoRefresh returns a 401 as-is instead of running the refresh protocol.
	NoRefresh bool
}

// Response is the outcome of a call. Synthetic responses never reached the server
// (transient failure) or were replaced after a revocation.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Synthetic bool
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Transient reports whether the response stands for a failed exchange.
func (r Response) Transient() bool { return r.Synthetic && r.Status == StatusTransient }

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default client (its Jar is kept when set).
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.http = c
		}
	}
}

// WithMetrics records call outcomes.
func WithMetrics(m *metrics.Metrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// WithRevoker sets the forced-logout target.
func WithRevoker(r Revoker) FetcherOption {
	return func(f *Fetcher) { f.SetRevoker(r) }
}

// Fetcher implements the authenticated-call protocol.
type Fetcher struct {
	cfg     Config
	log     *slog.Logger
	http    *http.Client
	tokens  TokenSource
	metrics *metrics.Metrics

	revokerMu sync.RWMutex
	revoker   Revoker

	refreshes singleflight.Group
	now       func() time.Time
}

// NewFetcher builds a Fetcher. The default HTTP client keeps cookies so the
// cookie-backed refresh flow works.
func NewFetcher(cfg Config, tokens TokenSource, log *slog.Logger, opts ...FetcherOption) (*Fetcher, error) {
	if tokens == nil {
		return nil, errors.New("authapi: nil token source")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		cfg:    cfg,
		log:    log,
		http:   &http.Client{Timeout: cfg.Timeout, Jar: jar},
		tokens: tokens,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.cfg.InstanceID == "" {
		f.cfg.InstanceID = ids.NewInstanceID()
	}
	return f, nil
}

// SetRevoker sets (or replaces) the forced-logout target.
func (f *Fetcher) SetRevoker(r Revoker) {
	f.revokerMu.Lock()
	f.revoker = r
	f.revokerMu.Unlock()
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config { return f.cfg }

// Call performs req with the refresh-and-retry protocol.
//
// The only errors returned are cancellations and invalid requests.
// Every other outcome, including network failures, is a Response.
func (f *Fetcher) Call(ctx context.Context, req Request) (Response, error) {
	reqID := ids.MustULID(f.now())
	log := f.log.With("request_id", reqID, "method", methodOf(req), "path", req.Path)

	tok := req.Token
	if tok == "" {
		tok = f.tokens.Token()
	}

	resp, err := f.do(ctx, req, tok, reqID)
	if err != nil {
		return f.failure(ctx, log, err)
	}

	if resp.Status != http.StatusUnauthorized || req.NoRefresh || req.Token != "" {
		f.record(resp)
		return resp, nil
	}

	if code, ok := revocationCode(resp.Body, f.cfg.RevocationCodes); ok {
		log.Warn("auth.revoked", "code", code, "token_fp", token.Fingerprint(tok))
		f.metrics.Fetch(metrics.FetchRevoked)
		f.forceLogout(ctx, "revoked:"+code)
		return Response{Status: http.StatusUnauthorized, Header: resp.Header, Body: resp.Body, Synthetic: true}, nil
	}

	fresh, err := f.refreshFor(ctx, tok)
	switch {
	case err == nil:
	case isCancel(ctx, err):
		f.metrics.Fetch(metrics.FetchCanceled)
		return Response{}, cancelErr(ctx, err)
	case errors.Is(err, errRefreshRevoked):
		f.metrics.Fetch(metrics.FetchRevoked)
		return Response{Status: http.StatusUnauthorized, Header: resp.Header, Body: resp.Body, Synthetic: true}, nil
	default:
		log.Info("auth.refresh.gave_up", "err", err)
		f.record(resp)
		return resp, nil
	}

	retried, err := f.do(ctx, req, fresh, reqID)
	if err != nil {
		return f.failure(ctx, log, err)
	}
	log.Debug("auth.retry", "status", retried.Status)
	f.record(retried)
	return retried, nil
}

// refreshFor runs at most one refresh for a call that got a 401 with tokUsed.
// Concurrent callers share one in-flight refresh; a caller whose token was already
// replaced retries with the new one without refreshing again.
func (f *Fetcher) refreshFor(ctx context.Context, tokUsed string) (string, error) {
	if cur := f.tokens.Token(); cur != "" && cur != tokUsed {
		return cur, nil
	}

	ch := f.refreshes.DoChan("refresh", func() (any, error) {
		// A flight that finished between the check above and DoChan already replaced the token.
		if cur := f.tokens.Token(); cur != "" && cur != tokUsed {
			return cur, nil
		}
		// Detached: one caller going away must not fail the refresh for the others.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.Timeout)
		defer cancel()
		return f.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (f *Fetcher) refresh(ctx context.Context) (string, error) {
	start := f.now()
	reqID := ids.MustULID(start)

	hdr := http.Header{}
	if csrf := f.cookie(f.cfg.CSRFCookieName); csrf != "" {
		hdr.Set(f.cfg.CSRFHeaderName, csrf)
	}

	resp, err := f.do(ctx, Request{Method: http.MethodPost, Path: f.cfg.RefreshPath, Header: hdr}, "", reqID)
	if err != nil {
		f.metrics.Refresh(metrics.RefreshFailed)
		f.log.Warn("auth.refresh.fail", "request_id", reqID, "err", err)
		_ = f.tokens.Clear(ctx)
		return "", fmt.Errorf("authapi: refresh: %w", err)
	}

	if resp.Status == http.StatusUnauthorized {
		if code, ok := revocationCode(resp.Body, f.cfg.RevocationCodes); ok {
			f.metrics.Refresh(metrics.RefreshRevoked)
			f.log.Warn("auth.refresh.revoked", "request_id", reqID, "code", code)
			f.forceLogout(ctx, "refresh_revoked:"+code)
			return "", errRefreshRevoked
		}
	}

	if !resp.OK() {
		f.metrics.Refresh(metrics.RefreshFailed)
		f.log.Info("auth.refresh.rejected", "request_id", reqID, "status", resp.Status)
		_ = f.tokens.Clear(ctx)
		return "", errRefreshRejected
	}

	fresh := extractToken(resp.Body)
	if fresh == "" {
		f.metrics.Refresh(metrics.RefreshFailed)
		f.log.Warn("auth.refresh.no_token", "request_id", reqID)
		_ = f.tokens.Clear(ctx)
		return "", errRefreshNoToken
	}

	if err := f.tokens.SetToken(ctx, fresh); err != nil {
		f.log.Warn("auth.refresh.persist_fail", "request_id", reqID, "err", err)
	}
	f.metrics.Refresh(metrics.RefreshOK)
	f.log.Info("auth.refresh.ok",
		"request_id", reqID,
		"token_fp", token.Fingerprint(fresh),
		"duration_ms", f.now().Sub(start).Milliseconds(),
	)
	return fresh, nil
}

func (f *Fetcher) do(ctx context.Context, req Request, tok, reqID string) (Response, error) {
	target, err := f.resolve(req)
	if err != nil {
		return Response{}, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, methodOf(req), target, body)
	if err != nil {
		return Response{}, err
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}
	if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		hreq.Header.Set("Authorization", "Bearer "+tok)
	}
	hreq.Header.Set("X-Request-ID", reqID)
	hreq.Header.Set("X-Client-Instance", f.cfg.InstanceID)

	hresp, err := f.http.Do(hreq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = hresp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(hresp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return Response{}, err
	}

	return Response{Status: hresp.StatusCode, Header: hresp.Header, Body: b}, nil
}

// failure maps a transport error to cancellation or a synthetic transient response.
func (f *Fetcher) failure(ctx context.Context, log *slog.Logger, err error) (Response, error) {
	if isCancel(ctx, err) {
		f.metrics.Fetch(metrics.FetchCanceled)
		log.Debug("auth.fetch.canceled")
		return Response{}, cancelErr(ctx, err)
	}
	if errors.Is(err, errInvalidRequest) {
		return Response{}, err
	}
	f.metrics.Fetch(metrics.FetchTransient)
	log.Warn("auth.fetch.transient", "err", err)
	return Response{Status: StatusTransient, Header: http.Header{}, Synthetic: true}, nil
}

var errInvalidRequest = errors.New("authapi: invalid request")

func (f *Fetcher) resolve(req Request) (string, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", errInvalidRequest)
	}

	var u *url.URL
	var err error
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		u, err = url.Parse(path)
	} else {
		u, err = url.Parse(f.cfg.BaseURL + "/" + strings.TrimLeft(path, "/"))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidRequest, err)
	}

	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (f *Fetcher) cookie(name string) string {
	if name == "" || f.http.Jar == nil {
		return ""
	}
	u, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return ""
	}
	for _, c := range f.http.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (f *Fetcher) forceLogout(ctx context.Context, reason string) {
	f.revokerMu.RLock()
	r := f.revoker
	f.revokerMu.RUnlock()

	if r == nil {
		_ = f.tokens.Clear(context.WithoutCancel(ctx))
		return
	}
	r.ForceLogout(context.WithoutCancel(ctx), reason)
}

func (f *Fetcher) record(resp Response) {
	if resp.OK() {
		f.metrics.Fetch(metrics.FetchOK)
		return
	}
	f.metrics.Fetch(metrics.FetchStatus)
}

func methodOf(req Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(req.Method)
}

func isCancel(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// cancelErr prefers ctx.Err(); a transport that reports cancellation on a live ctx keeps its own error.
func cancelErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
