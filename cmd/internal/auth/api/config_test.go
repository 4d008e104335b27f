package authapi

import (
	"slices"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{
		"COURIER_API_URL", "COURIER_HTTP_TIMEOUT", "COURIER_REFRESH_PATH",
		"COURIER_ENSURE_FRESH_PATH", "COURIER_REVOCATION_CODES", "COURIER_MAX_BODY_BYTES",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfigFromEnv()

	if cfg.BaseURL != "http://127.0.0.1:8000" {
		t.Fatalf("BaseURL=%q", cfg.BaseURL)
	}
	if cfg.Timeout != 15*time.Second {
		t.Fatalf("Timeout=%v", cfg.Timeout)
	}
	if cfg.RefreshPath != "/refresh-token" || cfg.EnsureFreshPath != "/me" {
		t.Fatalf("paths=%q/%q", cfg.RefreshPath, cfg.EnsureFreshPath)
	}
	if !slices.Equal(cfg.RevocationCodes, []string{"session_revoked", "token_revoked"}) {
		t.Fatalf("RevocationCodes=%v", cfg.RevocationCodes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("COURIER_API_URL", "https://api.example.com/v2/")
	t.Setenv("COURIER_HTTP_TIMEOUT", "bogus")
	t.Setenv("COURIER_REVOCATION_CODES", " revoked , ,admin_kick ")
	t.Setenv("COURIER_MAX_BODY_BYTES", "-1")

	cfg := LoadConfigFromEnv()

	if cfg.BaseURL != "https://api.example.com/v2" {
		t.Fatalf("BaseURL=%q want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.Timeout != 15*time.Second {
		t.Fatalf("invalid duration must fall back, got %v", cfg.Timeout)
	}
	if !slices.Equal(cfg.RevocationCodes, []string{"revoked", "admin_kick"}) {
		t.Fatalf("RevocationCodes=%v", cfg.RevocationCodes)
	}
	if cfg.MaxBodyBytes != 4<<20 {
		t.Fatalf("MaxBodyBytes=%d", cfg.MaxBodyBytes)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "ok", cfg: Config{BaseURL: "http://x:1", RefreshPath: "/r", EnsureFreshPath: "/me"}, ok: true},
		{name: "ftp", cfg: Config{BaseURL: "ftp://x", RefreshPath: "/r", EnsureFreshPath: "/me"}},
		{name: "no host", cfg: Config{BaseURL: "http://", RefreshPath: "/r", EnsureFreshPath: "/me"}},
		{name: "relative path", cfg: Config{BaseURL: "http://x", RefreshPath: "r", EnsureFreshPath: "/me"}},
	}

	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestRevocationCodeProbing(t *testing.T) {
	t.Parallel()

	codes := []string{"session_revoked"}
	cases := []struct {
		body string
		want bool
	}{
		{body: `{"code":"session_revoked"}`, want: true},
		{body: `{"error":{"code":"session_revoked","message":"x"}}`, want: true},
		{body: `{"detail":{"code":"session_revoked"}}`, want: true},
		{body: `{"error":"session_revoked"}`, want: true},
		{body: `{"detail":"session_revoked"}`, want: true},
		{body: `{"error":{"code":"token_expired"}}`},
		{body: `not json`},
		{body: ``},
	}

	for _, tc := range cases {
		_, got := revocationCode([]byte(tc.body), codes)
		if got != tc.want {
			t.Fatalf("revocationCode(%s)=%v want %v", tc.body, got, tc.want)
		}
	}
}

func TestExtractToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`{"access_token":"a"}`:             "a",
		`{"token":"b"}`:                    "b",
		`{"session":{"access_token":"c"}}`: "c",
		`{"access_token":"","token":"d"}`:  "d",
		`{"access_token":12}`:              "",
		`[]`:                               "",
	}
	for body, want := range cases {
		if got := extractToken([]byte(body)); got != want {
			t.Fatalf("extractToken(%s)=%q want %q", body, got, want)
		}
	}
}
