package session

import (
	"os"
	"path/filepath"
	"strings"

	"courier/cmd/security/token"
)

// Config defines where and how the session pair is persisted.
type Config struct {
	// StateFile is the JSON document used by FileStore.
	StateFile string

	// StateKey, when non-empty, seals StateFile at rest (see token.Sealer).
	StateKey string

	// DBSchema is the Postgres schema used by PostgresStore.
	DBSchema string

	// Namespace partitions Postgres rows when several clients share a database.
	Namespace string
}

// DefaultConfig returns the per-user defaults.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Config{
		StateFile: filepath.Join(home, ".courier", "session.json"),
		DBSchema:  "courier",
		Namespace: "default",
	}
}

// LoadConfigFromEnv loads persistence configuration from environment variables.
//
// Optional:
//   - COURIER_STATE_FILE
//   - COURIER_STATE_KEY (>= 16 bytes when set)
//   - COURIER_DB_SCHEMA
//   - COURIER_STATE_NAMESPACE
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("COURIER_STATE_FILE")); v != "" {
		cfg.StateFile = v
	}

	if v := strings.TrimSpace(os.Getenv("COURIER_STATE_KEY")); v != "" {
		if len(v) < token.MinSealSecretBytes {
			return Config{}, ErrConfig
		}
		cfg.StateKey = v
	}

	if v := strings.TrimSpace(os.Getenv("COURIER_DB_SCHEMA")); v != "" {
		if !isValidPGIdent(v) {
			return Config{}, ErrConfig
		}
		cfg.DBSchema = v
	}

	if v := strings.TrimSpace(os.Getenv("COURIER_STATE_NAMESPACE")); v != "" {
		cfg.Namespace = v
	}

	return cfg, nil
}
