package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"courier/cmd/internal/auth/api"
	"courier/cmd/internal/auth/session"
	"courier/cmd/internal/realtime"

	"github.com/joho/godotenv"
)

// Log formats accepted by COURIER_LOG_FORMAT.
const (
	LogFormatJSON   = "json"
	LogFormatText   = "text"
	LogFormatPretty = "pretty"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string
	LogFormat string
	LogColor  bool

	// DebugAddr enables the health/metrics listener when non-empty.
	DebugAddr string

	// DatabaseURL switches session persistence to Postgres.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	NotificationsPoll time.Duration
	CacheMinInterval  time.Duration
	ShutdownTimeout   time.Duration

	API      authapi.Config
	Realtime realtime.Config
	Session  session.Config
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file (COURIER_ENV_FILE, default ".env") is read first when present; it never overrides
// variables already set in the process environment.
func LoadConfig() (Config, error) {
	if err := loadDotEnv(EnvString("COURIER_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	sess, err := session.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("session config: %w", err)
	}

	cfg := Config{
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("COURIER_LOG_FORMAT", LogFormatJSON)),
		LogColor:  EnvBool("COURIER_LOG_COLOR", true),

		DebugAddr: EnvString("COURIER_DEBUG_ADDR", ""),

		DatabaseURL: EnvString("COURIER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("COURIER_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("COURIER_DB_MIN_CONNS", 0),

		NotificationsPoll: EnvDuration("COURIER_NOTIFICATIONS_POLL", 60*time.Second),
		CacheMinInterval:  EnvDuration("COURIER_CACHE_MIN_INTERVAL", 800*time.Millisecond),
		ShutdownTimeout:   EnvDuration("COURIER_SHUTDOWN_TIMEOUT", 10*time.Second),

		API:      authapi.LoadConfigFromEnv(),
		Realtime: realtime.LoadConfigFromEnv(),
		Session:  sess,
	}
	cfg.Realtime.BaseURL = cfg.API.BaseURL

	return cfg, cfg.Validate()
}

// Validate reports configuration that would make the runtime fail later in a less obvious way.
func (c Config) Validate() error {
	var errs []error

	if err := c.API.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Realtime.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.LogFormat {
	case LogFormatJSON, LogFormatText, LogFormatPretty:
	default:
		errs = append(errs, fmt.Errorf("app: unknown log format %q", c.LogFormat))
	}

	if c.DebugAddr != "" {
		if _, _, err := net.SplitHostPort(c.DebugAddr); err != nil {
			errs = append(errs, fmt.Errorf("app: debug addr: %w", err))
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("app: db min conns exceeds max conns"))
	}

	return errors.Join(errs...)
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}
