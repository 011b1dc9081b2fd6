package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchd/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore records processed ids in PostgreSQL so deduplication survives
// restarts and is shared between replicas.
//
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "batchd").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := pgutil.CheckSchema(schema)
		if err != nil {
			return fmt.Errorf("dedupe: %w", err)
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("dedupe: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string { return pgutil.Ident(s.schema, "processed_messages") }

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE SCHEMA IF NOT EXISTS ` + pgutil.SchemaIdent(s.schema) + `;
CREATE TABLE IF NOT EXISTS ` + s.table() + ` (
  user_id      TEXT NOT NULL,
  message_id   TEXT NOT NULL,
  processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_processed_messages_processed_at
  ON ` + s.table() + ` (processed_at);`

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("dedupe: ensure schema: %w", err)
	}
	return nil
}

// HasProcessed reports whether msgID was recorded for userID.
func (s *PostgresStore) HasProcessed(ctx context.Context, userID, msgID string) (bool, error) {
	if userID == "" || msgID == "" {
		return false, ErrMissingID
	}
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+s.table()+` WHERE user_id = $1 AND message_id = $2`,
		userID, msgID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records msgID for userID. Recording twice is not an error.
func (s *PostgresStore) MarkProcessed(ctx context.Context, userID, msgID string) error {
	_, err := s.MarkIfNew(ctx, userID, msgID)
	return err
}

// MarkIfNew records msgID and reports whether this call inserted it.
func (s *PostgresStore) MarkIfNew(ctx context.Context, userID, msgID string) (bool, error) {
	if userID == "" || msgID == "" {
		return false, ErrMissingID
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (user_id, message_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, message_id) DO NOTHING`,
		userID, msgID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Unmark deletes the record of msgID for userID.
func (s *PostgresStore) Unmark(ctx context.Context, userID, msgID string) error {
	if userID == "" || msgID == "" {
		return ErrMissingID
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE user_id = $1 AND message_id = $2`,
		userID, msgID,
	)
	return err
}

// Prune deletes records older than maxAge.
func (s *PostgresStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE processed_at < $1`,
		time.Now().UTC().Add(-maxAge),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
