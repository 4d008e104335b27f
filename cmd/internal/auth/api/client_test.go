package authapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"courier/cmd/identity"
	"courier/cmd/internal/apitest"
	"courier/cmd/internal/auth/session"
)

func TestLoginByUsernameAndEmail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.srv.AddUser("bo@example.com", "secret", `{"id":2,"role":"driver"}`)
	ctx := context.Background()

	if _, p, err := h.client.Login(ctx, "ana", "pw"); err != nil || p.ID != "1" {
		t.Fatalf("username login: p=%+v err=%v", p, err)
	}
	tok, p, err := h.client.Login(ctx, " bo@example.com ", "secret")
	if err != nil || p.ID != "2" || tok == "" {
		t.Fatalf("email login: tok=%q p=%+v err=%v", tok, p, err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, _, err := h.client.Login(context.Background(), "ana", "wrong")
	if !identity.IsUnauthorized(err) {
		t.Fatalf("err=%v want unauthorized", err)
	}
	if got := h.srv.Hits("POST /refresh-token"); got != 0 {
		t.Fatalf("login 401 must not refresh, hits=%d", got)
	}

	if _, _, err := h.client.Login(context.Background(), "", "pw"); !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
}

func TestLoginWithoutUserFetchesProfile(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"t-1"}`))
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u-9","role":"admin","is_active":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tokens, _ := session.NewTokenStore(session.NewMemoryStore(), quietLogger())
	f, _ := NewFetcher(testConfig(srv.URL), tokens, quietLogger())

	tok, p, err := NewClient(f).Login(context.Background(), "x", "y")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok != "t-1" || p.ID != "u-9" || p.Role != "admin" {
		t.Fatalf("tok=%q p=%+v", tok, p)
	}
	if tokens.Token() != "" {
		t.Fatalf("Login must not store the token itself")
	}
}

func TestGetJSONErrorKinds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, h.srv.IssueToken("1"))
	ctx := context.Background()

	var out []map[string]any
	err := h.client.GetJSON(ctx, "/does-not-exist", nil, &out)
	if !identity.IsNotFound(err) {
		t.Fatalf("err=%v want not found", err)
	}

	h.srv.FailNext("/contacts", 1)
	err = h.client.GetJSON(ctx, "/contacts", nil, &out)
	if !identity.IsUnavailable(err) || identity.HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("err=%v want unavailable 500", err)
	}

	h.srv.SetContacts(`{"id":5}`)
	if err := h.client.GetJSON(ctx, "/contacts", nil, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("out=%v", out)
	}
}

func TestSendJSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.signIn(t, h.srv.IssueToken("1"))

	err := h.client.SendJSON(context.Background(), http.MethodPost, "/contacts/respond",
		map[string]any{"request_id": 7, "action": "accept"}, nil)
	if err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	got := h.srv.Responses()
	if len(got) != 1 || got[0].RequestID != 7 || got[0].Action != "accept" {
		t.Fatalf("responses=%+v", got)
	}
}

func TestRevokedResponseMapsToErrRevoked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tok := h.srv.IssueToken("1")
	h.signIn(t, tok)
	h.srv.RevokeToken(tok)

	_, err := h.client.Me(context.Background())
	if !identity.IsRevoked(err) {
		t.Fatalf("err=%v want revoked", err)
	}
}

func TestEnsureFresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tok := h.srv.IssueToken("1")
	h.signIn(t, tok)

	if err := h.client.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	h.srv.ExpireToken(tok)
	h.srv.SetRefreshMode(apitest.RefreshFail)
	if err := h.client.EnsureFresh(context.Background()); !identity.IsUnauthorized(err) {
		t.Fatalf("err=%v want unauthorized", err)
	}
}
