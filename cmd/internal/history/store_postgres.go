package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchd/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Writes for one user are serialized with a transactional advisory lock so
//     the cap trim never races with a concurrent insert for the same user.
type PostgresStore struct {
	pool       *pgxpool.Pool
	schema     string
	maxPerUser int
	now        func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "batchd").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := pgutil.CheckSchema(schema)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		s.schema = v
		return nil
	}
}

// WithPostgresMaxPerUser sets the per-user cap.
func WithPostgresMaxPerUser(n int) PostgresOption {
	return func(s *PostgresStore) error {
		if n <= 0 {
			return errors.New("history: max per user must be > 0")
		}
		s.maxPerUser = n
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:       pool,
		schema:     pgutil.DefaultSchema,
		maxPerUser: DefaultMaxPerUser,
		now:        time.Now,
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
		return nil, errors.New("history: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table() string { return pgutil.Ident(s.schema, "conversation_history") }

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("history: nil store")
	}
	ddl := `CREATE SCHEMA IF NOT EXISTS ` + pgutil.SchemaIdent(s.schema) + `;
CREATE TABLE IF NOT EXISTS ` + s.table() + ` (
  id         BIGSERIAL PRIMARY KEY,
  user_id    TEXT NOT NULL,
  role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
  content    TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_history_user_id
  ON ` + s.table() + ` (user_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_conversation_history_created_at
  ON ` + s.table() + ` (created_at);`

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("history: ensure schema: %w", err)
	}
	return nil
}

// AddMessage appends one entry.
func (s *PostgresStore) AddMessage(ctx context.Context, userID string, e Entry) error {
	return s.AddMessages(ctx, userID, []Entry{e})
}

// AddMessages appends entries and trims the user's log to the cap in one transaction.
func (s *PostgresStore) AddMessages(ctx context.Context, userID string, es []Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("history: nil store")
	}
	if userID == "" {
		return ErrMissingUser
	}
	if len(es) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "history:"+userID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	now := s.now().UTC()
	tbl := s.table()

	batch := &pgx.Batch{}
	for _, e := range es {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now
		}
		batch.Queue(
			`INSERT INTO `+tbl+` (user_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
			userID, string(e.Role), e.Content, ts,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+tbl+`
		  WHERE user_id = $1
		    AND id NOT IN (
		      SELECT id FROM `+tbl+` WHERE user_id = $1 ORDER BY id DESC LIMIT $2
		    )`,
		userID, s.maxPerUser,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	return tx.Commit(ctx)
}

// GetHistory returns the filtered window for userID, oldest first.
func (s *PostgresStore) GetHistory(ctx context.Context, userID string, maxCount int, maxAge time.Duration) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("history: nil store")
	}
	if maxCount <= 0 {
		return []Entry{}, nil
	}

	var cutoff *time.Time
	if maxAge > 0 {
		c := s.now().Add(-maxAge).UTC()
		cutoff = &c
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, created_at FROM (
		   SELECT id, role, content, created_at
		     FROM `+s.table()+`
		    WHERE user_id = $1
		      AND ($2::timestamptz IS NULL OR created_at >= $2)
		    ORDER BY created_at DESC, id DESC
		    LIMIT $3
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		userID, cutoff, maxCount,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, maxCount)
	for rows.Next() {
		var (
			e    Entry
			role string
		)
		if err := rows.Scan(&role, &e.Content, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Role = Role(role)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries for userID.
func (s *PostgresStore) Count(ctx context.Context, userID string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("history: nil store")
	}
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table()+` WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

// ClearHistory deletes userID's log.
func (s *PostgresStore) ClearHistory(ctx context.Context, userID string) error {
	if s == nil || s.pool == nil {
		return errors.New("history: nil store")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE user_id = $1`, userID)
	return err
}

// ClearAll deletes every log.
func (s *PostgresStore) ClearAll(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("history: nil store")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table())
	return err
}

// CleanupExpired deletes entries older than maxAge.
func (s *PostgresStore) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("history: nil store")
	}
	if maxAge <= 0 {
		return 0, nil
	}
	cut := s.now().Add(-maxAge).UTC()
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE created_at < $1`, cut)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
