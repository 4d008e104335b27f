package authapi

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls how the client talks to the API origin.
type Config struct {
	// BaseURL is the API origin (scheme://host[:port][/prefix]).
	BaseURL string

	// Timeout bounds a single HTTP exchange (not the whole refresh+retry sequence).
	Timeout time.Duration

	// RefreshPath is called with cookie credentials to obtain a new bearer token.
	RefreshPath string

	// EnsureFreshPath is a lightweight authenticated endpoint used before opening the push channel.
	EnsureFreshPath string

	// RevocationCodes are error codes meaning "session permanently invalid".
	RevocationCodes []string

	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64

	// CSRF double-submit for the cookie-backed refresh flow.
	CSRFCookieName string
	CSRFHeaderName string

	// InstanceID identifies this process to the backend (X-Client-Instance).
	InstanceID string
}

// LoadConfigFromEnv loads transport config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL:         envString("COURIER_API_URL", "http://127.0.0.1:8000"),
		Timeout:         envDuration("COURIER_HTTP_TIMEOUT", 15*time.Second),
		RefreshPath:     envString("COURIER_REFRESH_PATH", "/refresh-token"),
		EnsureFreshPath: envString("COURIER_ENSURE_FRESH_PATH", "/me"),
		RevocationCodes: envCSV("COURIER_REVOCATION_CODES", []string{"session_revoked", "token_revoked"}),
		MaxBodyBytes:    envInt64("COURIER_MAX_BODY_BYTES", 4<<20), // 4 MiB
		CSRFCookieName:  envString("COURIER_CSRF_COOKIE", "courier_csrf"),
		CSRFHeaderName:  envString("COURIER_CSRF_HEADER", "X-CSRF-Token"),
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	return cfg
}

// Validate reports configuration errors that would make every call fail.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("authapi: base url must be http or https")
	}
	if u.Host == "" {
		return errors.New("authapi: base url has no host")
	}
	if !strings.HasPrefix(c.RefreshPath, "/") || !strings.HasPrefix(c.EnsureFreshPath, "/") {
		return errors.New("authapi: paths must start with /")
	}
	return nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
