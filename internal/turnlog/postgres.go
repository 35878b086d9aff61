package turnlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voxloop/internal/session"
)

// Schema is the SQL DDL for the conversation_turns table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    role        TEXT NOT NULL,
    text        TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_turns_session ON conversation_turns(session_id, created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on db. Call [PostgresStore.Migrate] once
// before use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("turnlog: migrate: %w", err)
	}
	return nil
}

// AppendTurns inserts all turns in one statement.
func (s *PostgresStore) AppendTurns(ctx context.Context, sessionID string, turns ...session.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	ids := make([]string, len(turns))
	roles := make([]string, len(turns))
	texts := make([]string, len(turns))
	times := make([]time.Time, len(turns))
	for i, t := range turns {
		ids[i], roles[i], texts[i] = t.ID, string(t.Role), t.Text
		times[i] = t.Timestamp
		if times[i].IsZero() {
			times[i] = time.Now()
		}
	}

	const query = `
		INSERT INTO conversation_turns (id, session_id, role, text, created_at)
		SELECT t.id, $1, t.role, t.text, t.created_at
		FROM unnest($2::text[], $3::text[], $4::text[], $5::timestamptz[])
		     AS t(id, role, text, created_at)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.Exec(ctx, query, sessionID, ids, roles, texts, times); err != nil {
		return fmt.Errorf("turnlog: append %d turns: %w", len(turns), err)
	}
	return nil
}

// SessionTurns returns the stored turns of sessionID, oldest first.
func (s *PostgresStore) SessionTurns(ctx context.Context, sessionID string, limit int) ([]session.Turn, error) {
	query := `
		SELECT id, role, text, created_at
		FROM conversation_turns
		WHERE session_id = $1
		ORDER BY created_at, id`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("turnlog: list %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []session.Turn
	for rows.Next() {
		var (
			t    session.Turn
			role string
		)
		if err := rows.Scan(&t.ID, &role, &t.Text, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("turnlog: scan turn: %w", err)
		}
		t.Role = session.Role(role)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turnlog: list %q: %w", sessionID, err)
	}
	return out, nil
}

// Ping runs a trivial statement.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("turnlog: ping: %w", err)
	}
	return nil
}
