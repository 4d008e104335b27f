package session

import "testing"

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("COURIER_STATE_FILE", "")
	t.Setenv("COURIER_STATE_KEY", "")
	t.Setenv("COURIER_DB_SCHEMA", "")
	t.Setenv("COURIER_STATE_NAMESPACE", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.StateFile == "" || cfg.DBSchema != "courier" || cfg.Namespace != "default" || cfg.StateKey != "" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadConfigFromEnv_ShortKey(t *testing.T) {
	t.Setenv("COURIER_STATE_KEY", "short")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig for short key, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidSchema(t *testing.T) {
	t.Setenv("COURIER_DB_SCHEMA", "bad-schema;drop")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig for invalid schema, got %v", err)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("COURIER_STATE_FILE", "/tmp/courier-test/state.json")
	t.Setenv("COURIER_STATE_KEY", "0123456789abcdef0123")
	t.Setenv("COURIER_DB_SCHEMA", "courier_test")
	t.Setenv("COURIER_STATE_NAMESPACE", "agent-1")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.StateFile != "/tmp/courier-test/state.json" || cfg.DBSchema != "courier_test" || cfg.Namespace != "agent-1" {
		t.Fatalf("cfg=%+v", cfg)
	}
}
