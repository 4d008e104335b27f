// Package main provides a CI-friendly smoke test for the Courier push channel.
//
// It validates:
//   - the bearer token is accepted by the ensure-fresh endpoint (and yields the user id)
//   - handshake + subprotocol selection on the notifications socket
//   - the connection survives a heartbeat ping for the hold window
//   - the server does not close with an auth-rejection code
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn   *websocket.Conn
	frames chan string
	errCh  chan error
}

func main() {
	var (
		apiURL  = flag.String("api", "http://127.0.0.1:8000", "API origin")
		wsPath  = flag.String("path", "/ws/notifications", "Push socket path")
		mePath  = flag.String("me", "/me", "Authenticated profile endpoint")
		token   = flag.String("token", os.Getenv("COURIER_TOKEN"), "Bearer token (default $COURIER_TOKEN)")
		hold    = flag.Duration("hold", 3*time.Second, "How long the socket must stay open")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateAPIURL(*apiURL); err != nil {
		fatalf("invalid -api: %v", err)
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("missing -token")
	}

	root := context.Background()

	userID := mustFetchUserID(root, *apiURL+*mePath, *token, *timeout)
	if *verbose {
		fmt.Printf("token accepted: user_id=%s\n", userID)
	}

	wsURL := mustSocketURL(*apiURL, *wsPath, userID, *token)
	c := mustConnect(root, wsURL, *token, *timeout)
	defer closeWS(c.conn)

	mustPing(root, c.conn, *timeout)
	seen := mustHoldOpen(c, *hold, *verbose)

	fmt.Printf("OK: user_id=%s held=%s frames=%d\n", userID, *hold, seen)
}

func validateAPIURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustFetchUserID(parent context.Context, meURL, token string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meURL, nil)
	if err != nil {
		fatalf("build profile request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("profile request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read profile: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		fatalf("profile status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	for _, path := range []string{"user.id", "id"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	fatalf("profile has no user id: %s", body)
	return ""
}

func mustSocketURL(apiURL, path, userID, token string) string {
	u, err := url.Parse(strings.TrimRight(apiURL, "/") + path)
	if err != nil {
		fatalf("socket url: %v", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set(v1.ParamUserID, userID)
	q.Set(v1.ParamToken, token)
	q.Set(v1.ParamInstance, fmt.Sprintf("smoke-%d", time.Now().UnixNano()))
	u.RawQuery = q.Encode()
	return u.String()
}

func mustConnect(parent context.Context, wsURL, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol, v1.BearerSubprotocolPrefix + token},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if code := websocket.CloseStatus(err); v1.IsAuthRejectedClose(int(code)) {
			fatalf("connect rejected: close=%d", code)
		}
		fatalf("connect: %v", err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:   conn,
		frames: make(chan string, 64),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.frames)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			name, err := v1.Discriminator(data)
			if err != nil {
				name = "<malformed>"
			}
			select {
			case c.frames <- name:
			default:
			}
		}
	}()
}

func mustPing(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(v1.NewPing(time.Now()))
	if err != nil {
		fatalf("marshal ping: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write ping: %v", err)
	}
}

// mustHoldOpen fails when the server closes the socket inside the window or revokes the session.
func mustHoldOpen(c *smokeClient, hold time.Duration, verbose bool) int {
	deadline := time.NewTimer(hold)
	defer deadline.Stop()

	seen := 0
	for {
		select {
		case <-deadline.C:
			return seen
		case err := <-c.errCh:
			code := websocket.CloseStatus(err)
			if v1.IsAuthRejectedClose(int(code)) {
				fatalf("auth rejected: close=%d", code)
			}
			fatalf("connection closed inside hold window: %v", err)
		case name, ok := <-c.frames:
			if !ok {
				fatalf("connection closed inside hold window")
			}
			seen++
			if verbose {
				fmt.Printf("frame: %s\n", name)
			}
			if v1.IsRevocation(name) {
				fatalf("session revoked by server frame %q", name)
			}
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
