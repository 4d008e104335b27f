package apitest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "courier/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// SocketInfo describes an accepted push connection.
type SocketInfo struct {
	UserID    string
	Token     string
	Instance  string
	Protocols []string
}

type pushHub struct {
	mu         sync.Mutex
	conns      map[*websocket.Conn]SocketInfo
	rejectCode websocket.StatusCode
	dials      int
	pings      int

	connected chan SocketInfo
}

func newPushHub() *pushHub {
	return &pushHub{
		conns:     map[*websocket.Conn]SocketInfo{},
		connected: make(chan SocketInfo, 64),
	}
}

func (h *pushHub) closeAll(code websocket.StatusCode, reason string) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info := SocketInfo{
		UserID:    q.Get(v1.ParamUserID),
		Token:     q.Get(v1.ParamToken),
		Instance:  q.Get(v1.ParamInstance),
		Protocols: offeredProtocols(r),
	}

	s.push.mu.Lock()
	s.push.dials++
	reject := s.push.rejectCode
	s.push.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	if reject != 0 {
		_ = conn.Close(reject, "rejected")
		return
	}

	s.mu.Lock()
	owner, ok := s.tokens[info.Token]
	revoked := s.revoked[info.Token]
	s.mu.Unlock()

	if !ok || revoked || owner != info.UserID {
		_ = conn.Close(v1.CloseAuthRejected, "unauthorized")
		return
	}

	s.push.mu.Lock()
	s.push.conns[conn] = info
	s.push.mu.Unlock()

	select {
	case s.push.connected <- info:
	default:
	}

	defer func() {
		s.push.mu.Lock()
		delete(s.push.conns, conn)
		s.push.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if name, err := v1.Discriminator(data); err == nil && name == v1.TypePing {
			s.push.mu.Lock()
			s.push.pings++
			s.push.mu.Unlock()
		}
	}
}

func offeredProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// WaitSocket blocks until the next push connection is accepted.
func (s *Server) WaitSocket(ctx context.Context) (SocketInfo, error) {
	select {
	case <-ctx.Done():
		return SocketInfo{}, ctx.Err()
	case info := <-s.push.connected:
		return info, nil
	}
}

// Sockets returns the number of live push connections.
func (s *Server) Sockets() int {
	s.push.mu.Lock()
	defer s.push.mu.Unlock()
	return len(s.push.conns)
}

// Dials returns how many upgrade attempts reached the socket endpoint.
func (s *Server) Dials() int {
	s.push.mu.Lock()
	defer s.push.mu.Unlock()
	return s.push.dials
}

// Pings returns how many ping frames were received.
func (s *Server) Pings() int {
	s.push.mu.Lock()
	defer s.push.mu.Unlock()
	return s.push.pings
}

// RejectSockets makes subsequent upgrades close immediately with code (0 disables).
func (s *Server) RejectSockets(code websocket.StatusCode) {
	s.push.mu.Lock()
	defer s.push.mu.Unlock()
	s.push.rejectCode = code
}

// CloseSockets closes every live push connection with code.
func (s *Server) CloseSockets(code websocket.StatusCode, reason string) {
	s.push.closeAll(code, reason)
}

// Push marshals frame (or sends it verbatim when it is []byte or string) to every live connection.
func (s *Server) Push(ctx context.Context, frame any) error {
	var data []byte
	switch f := frame.(type) {
	case []byte:
		data = f
	case string:
		data = []byte(f)
	default:
		b, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		data = b
	}

	s.push.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.push.conns))
	for c := range s.push.conns {
		conns = append(conns, c)
	}
	s.push.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("apitest: no live push connections")
	}

	var errs []error
	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		errs = append(errs, c.Write(wctx, websocket.MessageText, data))
		cancel()
	}
	return errors.Join(errs...)
}
