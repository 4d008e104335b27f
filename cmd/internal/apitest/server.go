// Package apitest runs an in-process fake of the Courier backend (REST + push socket).
//
// It implements just enough server behavior for client tests: bearer tokens with
// expiry and revocation, a cookie-backed refresh flow with CSRF double-submit,
// notifications, contacts, blocked users and saved items, and a push socket that
// tests drive frame by frame.
package apitest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"courier/cmd/identity"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
)

// Cookie and header names shared with the client defaults.
const (
	RefreshCookieName = "courier_refresh"
	CSRFCookieName    = "courier_csrf"
	CSRFHeaderName    = "X-CSRF-Token"

	CodeRevoked = "session_revoked"
	CodeExpired = "token_expired"
)

// RefreshMode selects how /refresh-token behaves.
type RefreshMode int

const (
	// RefreshCookie requires a valid refresh cookie and matching CSRF header.
	RefreshCookie RefreshMode = iota
	// RefreshAlways issues a new token for the user of the last issued token.
	RefreshAlways
	// RefreshFail answers 401 without a revocation marker.
	RefreshFail
	// RefreshRevoked answers 401 with the revocation marker.
	RefreshRevoked
	// RefreshError answers 500.
	RefreshError
)

type account struct {
	password string
	profile  json.RawMessage
	id       string
}

// Server is the fake backend.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	accounts map[string]account // username/email -> account
	tokens   map[string]string  // access token -> user id
	revoked  map[string]bool    // access tokens answered with the revocation marker
	refresh  map[string]string  // refresh cookie -> user id
	csrf     map[string]string  // refresh cookie -> csrf value
	profiles map[string]json.RawMessage

	refreshMode RefreshMode
	lastUser    string

	hits map[string]int

	notifications      []json.RawMessage
	notificationsPaged bool
	readIDs            [][]int64
	contacts           []json.RawMessage
	requests           map[string][]json.RawMessage // direction -> items
	blocked            []json.RawMessage
	saved              []json.RawMessage
	responses          []RespondBody
	failPaths          map[string]int
	push               *pushHub
}

// RespondBody is the payload of POST /contacts/respond.
type RespondBody struct {
	RequestID int64  `json:"request_id"`
	Action    string `json:"action"`
}

// New starts a fake backend and registers its shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		accounts:  map[string]account{},
		tokens:    map[string]string{},
		revoked:   map[string]bool{},
		refresh:   map[string]string{},
		csrf:      map[string]string{},
		profiles:  map[string]json.RawMessage{},
		hits:      map[string]int{},
		requests:  map[string][]json.RawMessage{},
		failPaths: map[string]int{},
		push:      newPushHub(),
	}

	r := mux.NewRouter()
	r.Use(s.countHits)

	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/refresh-token", s.handleRefresh).Methods(http.MethodPost)

	authed := func(h http.HandlerFunc) http.Handler { return s.requireBearer(h) }
	r.Handle("/me", authed(s.handleMe)).Methods(http.MethodGet)
	r.Handle("/notifications", authed(s.handleNotifications)).Methods(http.MethodGet)
	r.Handle("/notifications/read", authed(s.handleNotificationsRead)).Methods(http.MethodPost)
	r.Handle("/contacts", authed(s.listHandler(func() []json.RawMessage { return s.contacts }))).Methods(http.MethodGet)
	r.Handle("/contacts/requests", authed(s.handleContactRequests)).Methods(http.MethodGet)
	r.Handle("/contacts/request/{id:[0-9]+}", authed(s.handleOK)).Methods(http.MethodPost)
	r.Handle("/contacts/respond", authed(s.handleRespond)).Methods(http.MethodPost)
	r.Handle("/contacts/{id:[0-9]+}", authed(s.handleOK)).Methods(http.MethodDelete)
	r.Handle("/users/blocked", authed(s.listHandler(func() []json.RawMessage { return s.blocked }))).Methods(http.MethodGet)
	r.Handle("/users/{id:[0-9]+}/block", authed(s.handleOK)).Methods(http.MethodPost, http.MethodDelete)
	r.Handle("/saved", authed(s.listHandler(func() []json.RawMessage { return s.saved }))).Methods(http.MethodGet)
	r.Handle("/saved/{id:[0-9]+}", authed(s.handleOK)).Methods(http.MethodPost, http.MethodDelete)

	r.HandleFunc("/ws/notifications", s.handleSocket)

	s.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		s.push.closeAll(websocket.StatusGoingAway, "test done")
		s.Server.Close()
	})
	return s
}

// AddUser registers credentials and the profile document served by /me.
func (s *Server) AddUser(login, password, profile string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := profileID(profile)
	s.accounts[login] = account{password: password, profile: json.RawMessage(profile), id: id}
	s.profiles[id] = json.RawMessage(profile)
}

// IssueToken mints a valid access token for userID (which must have been added).
func (s *Server) IssueToken(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

func (s *Server) issueLocked(userID string) string {
	tok := "at_" + randHex(12)
	s.tokens[tok] = userID
	s.lastUser = userID
	return tok
}

// ExpireToken makes tok answer 401 without a revocation marker.
func (s *Server) ExpireToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tok)
}

// RevokeToken makes tok answer 401 with the revocation marker.
func (s *Server) RevokeToken(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tok)
	s.revoked[tok] = true
}

// SetRefreshMode changes /refresh-token behavior.
func (s *Server) SetRefreshMode(m RefreshMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshMode = m
}

// FailNext makes the next n requests to path answer 500.
func (s *Server) FailNext(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPaths[path] = n
}

// Hits returns how many requests reached "METHOD /path".
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// SetNotifications replaces the notification list served by GET /notifications.
// paged wraps it as {"results":[...]}.
func (s *Server) SetNotifications(paged bool, docs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notificationsPaged = paged
	s.notifications = rawList(docs)
}

// ReadCalls returns the id batches posted to /notifications/read.
func (s *Server) ReadCalls() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int64, len(s.readIDs))
	copy(out, s.readIDs)
	return out
}

// SetContacts replaces GET /contacts.
func (s *Server) SetContacts(docs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = rawList(docs)
}

// SetRequests replaces GET /contacts/requests for direction "in" or "out".
func (s *Server) SetRequests(direction string, docs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[direction] = rawList(docs)
}

// SetBlocked replaces GET /users/blocked.
func (s *Server) SetBlocked(docs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = rawList(docs)
}

// SetSaved replaces GET /saved.
func (s *Server) SetSaved(docs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = rawList(docs)
}

// Responses returns bodies posted to /contacts/respond.
func (s *Server) Responses() []RespondBody {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RespondBody(nil), s.responses...)
}

// ---- middleware ----

func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.Method+" "+r.URL.Path]++
		n := s.failPaths[r.URL.Path]
		if n > 0 {
			s.failPaths[r.URL.Path] = n - 1
		}
		s.mu.Unlock()

		if n > 0 {
			writeError(w, http.StatusInternalServerError, "internal", "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		_, ok := s.tokens[tok]
		revoked := s.revoked[tok]
		s.mu.Unlock()

		switch {
		case revoked:
			writeError(w, http.StatusUnauthorized, CodeRevoked, "session revoked")
		case !ok:
			writeError(w, http.StatusUnauthorized, CodeExpired, "token expired")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// ---- auth handlers ----

type loginBody struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginBody
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	login := in.Username
	if login == "" {
		login = in.Email
	}

	s.mu.Lock()
	acc, ok := s.accounts[login]
	if !ok || acc.password != in.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	tok := s.issueLocked(acc.id)
	refresh := "rt_" + randHex(16)
	csrf := randHex(8)
	s.refresh[refresh] = acc.id
	s.csrf[refresh] = csrf
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookieName, Value: refresh, Path: "/", HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: CSRFCookieName, Value: csrf, Path: "/"})

	writeJSON(w, http.StatusOK, map[string]any{
		"user":    acc.profile,
		"session": map[string]any{"access_token": tok},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tok, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	delete(s.tokens, tok)
	if c, err := r.Cookie(RefreshCookieName); err == nil {
		delete(s.refresh, c.Value)
		delete(s.csrf, c.Value)
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	mode := s.refreshMode
	s.mu.Unlock()

	switch mode {
	case RefreshFail:
		writeError(w, http.StatusUnauthorized, "refresh_invalid", "refresh token invalid")
		return
	case RefreshRevoked:
		writeError(w, http.StatusUnauthorized, CodeRevoked, "session revoked")
		return
	case RefreshError:
		writeError(w, http.StatusInternalServerError, "internal", "refresh unavailable")
		return
	case RefreshAlways:
		s.mu.Lock()
		tok := s.issueLocked(s.lastUser)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"access_token": tok})
		return
	}

	c, err := r.Cookie(RefreshCookieName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "refresh_missing", "no refresh cookie")
		return
	}

	s.mu.Lock()
	userID, ok := s.refresh[c.Value]
	wantCSRF := s.csrf[c.Value]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "refresh_invalid", "refresh token invalid")
		return
	}
	if r.Header.Get(CSRFHeaderName) != wantCSRF {
		writeError(w, http.StatusForbidden, "csrf", "csrf mismatch")
		return
	}

	s.mu.Lock()
	tok := s.issueLocked(userID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := s.userFor(r)

	s.mu.Lock()
	p, ok := s.profiles[userID]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p})
}

func (s *Server) userFor(r *http.Request) string {
	tok, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[tok]
}

// ---- data handlers ----

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	list := append([]json.RawMessage{}, s.notifications...)
	paged := s.notificationsPaged
	s.mu.Unlock()

	if paged {
		writeJSON(w, http.StatusOK, map[string]any{"count": len(list), "results": list})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	if err := decodeJSON(r, &ids); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	s.mu.Lock()
	s.readIDs = append(s.readIDs, ids)
	for i, raw := range s.notifications {
		var n map[string]any
		if json.Unmarshal(raw, &n) != nil {
			continue
		}
		id, _ := n["id"].(float64)
		for _, want := range ids {
			if int64(id) == want {
				n["read"] = true
				if b, err := json.Marshal(n); err == nil {
					s.notifications[i] = b
				}
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]int{"updated": len(ids)})
}

func (s *Server) handleContactRequests(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("direction")
	if dir != "in" && dir != "out" {
		writeError(w, http.StatusBadRequest, "bad_direction", "direction must be in or out")
		return
	}
	if r.URL.Query().Get("status") != "pending" {
		writeError(w, http.StatusBadRequest, "bad_status", "status must be pending")
		return
	}

	s.mu.Lock()
	list := append([]json.RawMessage{}, s.requests[dir]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var in RespondBody
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if in.RequestID <= 0 || (in.Action != "accept" && in.Action != "decline") {
		writeError(w, http.StatusBadRequest, "bad_request", "request_id and action required")
		return
	}

	s.mu.Lock()
	s.responses = append(s.responses, in)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": mux.Vars(r)["id"]})
}

func (s *Server) listHandler(get func() []json.RawMessage) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		list := append([]json.RawMessage{}, get()...)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, list)
	}
}

// ---- json helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(dst)
}

func rawList(docs []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, json.RawMessage(d))
	}
	return out
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func profileID(profile string) string {
	p, err := identity.ParseProfile([]byte(profile))
	if err != nil {
		return ""
	}
	return p.ID
}
