package app

import (
	"context"
	"fmt"

	"courier/cmd/internal/auth/session"
	"courier/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStateFile keeps the session in process memory only (COURIER_STATE_FILE=:memory:).
const MemoryStateFile = ":memory:"

// persistence is the durable session store plus whatever it owns.
type persistence struct {
	store session.Store
	pool  *pgxpool.Pool
	kind  string
}

func (p persistence) Close() {
	if p.store != nil {
		_ = p.store.Close()
	}
	if p.pool != nil {
		p.pool.Close()
	}
}

// newStore decides between Postgres-backed, file-backed and in-memory session persistence.
func newStore(ctx context.Context, cfg Config, log Logger) (persistence, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return persistence{}, fmt.Errorf("db: %w", err)
		}
		st, err := session.NewPostgresStore(pool,
			session.WithSchema(cfg.Session.DBSchema),
			session.WithNamespace(cfg.Session.Namespace),
		)
		if err != nil {
			pool.Close()
			return persistence{}, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return persistence{}, fmt.Errorf("db schema: %w", err)
		}
		log.Info("store.postgres", "schema", cfg.Session.DBSchema, "namespace", cfg.Session.Namespace)
		return persistence{store: st, pool: pool, kind: "postgres"}, nil
	}

	if cfg.Session.StateFile == "" || cfg.Session.StateFile == MemoryStateFile {
		log.Info("store.memory")
		return persistence{store: session.NewMemoryStore(), kind: "memory"}, nil
	}

	var sealer *token.Sealer
	if cfg.Session.StateKey != "" {
		s, err := token.NewSealer([]byte(cfg.Session.StateKey))
		if err != nil {
			return persistence{}, err
		}
		sealer = s
	}
	st, err := session.NewFileStore(cfg.Session.StateFile, sealer)
	if err != nil {
		return persistence{}, err
	}
	log.Info("store.file", "path", st.Path(), "sealed", sealer != nil)
	return persistence{store: st, kind: "file"}, nil
}
