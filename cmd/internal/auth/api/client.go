package authapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"courier/cmd/identity"

	"github.com/tidwall/gjson"
)

// Client is the typed REST surface on top of Fetcher.
type Client struct {
	f *Fetcher
}

// NewClient wraps f.
func NewClient(f *Fetcher) *Client { return &Client{f: f} }

// Fetcher exposes the underlying transport.
func (c *Client) Fetcher() *Fetcher { return c.f }

type loginRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Password string  `json:"password"`
}

// Login exchanges credentials for a token and profile. Nothing is stored here;
// the caller replaces the session pair in one step.
func (c *Client) Login(ctx context.Context, identifier, password string) (string, *identity.Profile, error) {
	const op = "authapi.Login"

	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return "", nil, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "identifier and password are required"}
	}

	in := loginRequest{Password: password}
	if strings.Contains(identifier, "@") {
		in.Email = &identifier
	} else {
		in.Username = &identifier
	}
	body, err := json.Marshal(in)
	if err != nil {
		return "", nil, err
	}

	resp, err := c.f.Call(ctx, Request{Method: http.MethodPost, Path: "/login", Body: body, NoRefresh: true})
	if err != nil {
		return "", nil, err
	}
	if !resp.OK() {
		return "", nil, statusErr(op, resp)
	}

	tok := extractToken(resp.Body)
	if tok == "" {
		return "", nil, identity.OpError{Op: op, Kind: identity.ErrDecode, Msg: "no token in login response"}
	}

	if u := gjson.GetBytes(resp.Body, "user"); u.IsObject() {
		p, err := identity.ParseProfile([]byte(u.Raw))
		if err != nil {
			return "", nil, err
		}
		return tok, p, nil
	}

	// Some deployments return only the token; resolve the profile with it explicitly.
	p, err := c.me(ctx, tok)
	if err != nil {
		return "", nil, err
	}
	return tok, p, nil
}

// Logout tells the server to end the session. Best-effort: callers clear local state regardless.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.f.Call(ctx, Request{Method: http.MethodPost, Path: "/logout", NoRefresh: true})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusErr("authapi.Logout", resp)
	}
	return nil
}

// Me fetches the current profile through the refresh-and-retry protocol.
func (c *Client) Me(ctx context.Context) (*identity.Profile, error) {
	return c.me(ctx, "")
}

func (c *Client) me(ctx context.Context, tok string) (*identity.Profile, error) {
	const op = "authapi.Me"

	resp, err := c.f.Call(ctx, Request{Method: http.MethodGet, Path: "/me", Token: tok})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusErr(op, resp)
	}

	doc := resp.Body
	if u := gjson.GetBytes(doc, "user"); u.IsObject() {
		doc = []byte(u.Raw)
	}
	return identity.ParseProfile(doc)
}

// EnsureFresh hits the lightweight authenticated endpoint so an expiring token is
// refreshed before a long-lived connection is opened with it.
func (c *Client) EnsureFresh(ctx context.Context) error {
	resp, err := c.f.Call(ctx, Request{Method: http.MethodGet, Path: c.f.cfg.EnsureFreshPath})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusErr("authapi.EnsureFresh", resp)
	}
	return nil
}

// GetJSON decodes a 2xx body into dst.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, dst any) error {
	resp, err := c.f.Call(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return decodeResponse("authapi.GET "+path, resp, dst)
}

// SendJSON issues method with a JSON body (nil for none) and decodes a 2xx body into dst (may be nil).
func (c *Client) SendJSON(ctx context.Context, method, path string, in, dst any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}

	resp, err := c.f.Call(ctx, Request{Method: method, Path: path, Body: body})
	if err != nil {
		return err
	}
	return decodeResponse("authapi."+method+" "+path, resp, dst)
}

func decodeResponse(op string, resp Response, dst any) error {
	if !resp.OK() {
		return statusErr(op, resp)
	}
	if dst == nil || len(strings.TrimSpace(string(resp.Body))) == 0 {
		return nil
	}
	if err := decodeJSON(resp.Body, dst); err != nil {
		return identity.OpError{Op: op, Kind: identity.ErrDecode, Status: resp.Status, Msg: err.Error()}
	}
	return nil
}

func statusErr(op string, resp Response) error {
	if resp.Transient() {
		return identity.OpError{Op: op, Kind: identity.ErrUnavailable, Status: resp.Status, Msg: "network failure"}
	}
	if resp.Synthetic && resp.Status == http.StatusUnauthorized {
		return identity.OpError{Op: op, Kind: identity.ErrRevoked, Status: resp.Status, Msg: "session revoked"}
	}
	return identity.StatusError(op, resp.Status, errorMessage(resp.Body))
}
