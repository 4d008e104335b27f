package realtime

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "courier/shared/contracts/realtime/v1"
)

// Config controls the push channel.
type Config struct {
	// BaseURL is the API origin; the socket URL is derived from it (http -> ws, https -> wss).
	BaseURL string
	Path    string

	Subprotocol string

	Heartbeat       time.Duration
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	ReconnectJitter time.Duration

	// AuthCloseCodes terminate the channel for the session instead of reconnecting.
	AuthCloseCodes []int

	WriteTimeout  time.Duration
	MaxFrameBytes int64

	// InstanceID is sent as the client_instance dial parameter.
	InstanceID string
}

// LoadConfigFromEnv reads COURIER_WS_* and reconnect settings. BaseURL is left to the caller.
func LoadConfigFromEnv() Config {
	return Config{
		Path:            envStringWS("COURIER_WS_PATH", defaultPath),
		Subprotocol:     envStringWS("COURIER_WS_SUBPROTOCOL", v1.Subprotocol),
		Heartbeat:       envDurationWS("COURIER_HEARTBEAT_INTERVAL", heartbeatInterval),
		ReconnectBase:   envDurationWS("COURIER_RECONNECT_BASE", reconnectBase),
		ReconnectCap:    envDurationWS("COURIER_RECONNECT_CAP", reconnectCap),
		ReconnectJitter: envDurationWS("COURIER_RECONNECT_JITTER", reconnectJitter),
		AuthCloseCodes:  envIntsWS("COURIER_AUTH_CLOSE_CODES", []int{v1.ClosePolicyViolation, v1.CloseAuthRejected}),
		WriteTimeout:    writeTimeout,
		MaxFrameBytes:   maxFrameBytes,
	}
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.Subprotocol == "" {
		c.Subprotocol = v1.Subprotocol
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = heartbeatInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = reconnectBase
	}
	if c.ReconnectCap < c.ReconnectBase {
		c.ReconnectCap = max(reconnectCap, c.ReconnectBase)
	}
	if c.ReconnectJitter < 0 {
		c.ReconnectJitter = 0
	}
	if c.AuthCloseCodes == nil {
		c.AuthCloseCodes = []int{v1.ClosePolicyViolation, v1.CloseAuthRejected}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = writeTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = maxFrameBytes
	}
	return c
}

// Validate reports settings that would keep the channel from ever opening.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("realtime: base url must be http(s) or ws(s)")
	}
	if u.Host == "" {
		return errors.New("realtime: base url has no host")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.New("realtime: path must start with /")
	}
	if c.ReconnectCap > 0 && c.ReconnectBase > c.ReconnectCap {
		return errors.New("realtime: reconnect base exceeds cap")
	}
	return nil
}

// socketURL builds the dial URL carrying the connection parameters.
func (c Config) socketURL(userID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + c.Path)
	if err != nil {
		return "", err
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
	if c.InstanceID != "" {
		q.Set(v1.ParamInstance, c.InstanceID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func envStringWS(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDurationWS(key string, def time.Duration) time.Duration {
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

func envIntsWS(key string, def []int) []int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
