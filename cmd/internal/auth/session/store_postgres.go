package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a key/value table (<schema>.client_state).
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Both keys are written and deleted inside one transaction.
type PostgresStore struct {
	pool      *pgxpool.Pool
	schema    string
	namespace string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("session: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithNamespace partitions rows so several clients can share one table.
func WithNamespace(ns string) PostgresOption {
	return func(s *PostgresStore) error {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			return errors.New("session: empty namespace")
		}
		s.namespace = ns
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:      pool,
		schema:    "courier",
		namespace: "default",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := pgIdent(s.schema, "client_state")
	_, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			namespace  text        NOT NULL,
			key        text        NOT NULL,
			value      bytea       NOT NULL,
			updated_at timestamptz NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`)
	return err
}

func (s *PostgresStore) Load(ctx context.Context) (Persisted, error) {
	table := pgIdent(s.schema, "client_state")

	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM `+table+` WHERE namespace = $1 AND key = ANY($2)`,
		s.namespace, []string{KeyToken, KeyUser},
	)
	if err != nil {
		return Persisted{}, err
	}
	defer rows.Close()

	var p Persisted
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return Persisted{}, err
		}
		switch key {
		case KeyToken:
			p.Token = string(value)
		case KeyUser:
			p.User = value
		}
	}
	if err := rows.Err(); err != nil {
		return Persisted{}, err
	}
	return p, nil
}

func (s *PostgresStore) Save(ctx context.Context, p Persisted) error {
	table := pgIdent(s.schema, "client_state")
	now := time.Now().UTC()

	return s.inTx(ctx, func(tx pgx.Tx) error {
		upsert := `
			INSERT INTO ` + table + ` (namespace, key, value, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (namespace, key) DO UPDATE
			SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`
		if _, err := tx.Exec(ctx, upsert, s.namespace, KeyToken, []byte(p.Token), now); err != nil {
			return err
		}
		if len(p.User) == 0 {
			_, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE namespace = $1 AND key = $2`, s.namespace, KeyUser)
			return err
		}
		_, err := tx.Exec(ctx, upsert, s.namespace, KeyUser, []byte(p.User), now)
		return err
	})
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	table := pgIdent(s.schema, "client_state")

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM `+table+` WHERE namespace = $1 AND key = ANY($2)`,
			s.namespace, []string{KeyToken, KeyUser},
		)
		return err
	})
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
