package turnlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voxloop/internal/session"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// PostgresStore
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS conversation_turns") {
		t.Errorf("unexpected DDL: %s", gotSQL)
	}

	db.execFunc = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied for schema public")
	}
	err := NewPostgresStore(db).Migrate(t.Context())
	if err == nil || !strings.Contains(err.Error(), "turnlog: migrate") {
		t.Errorf("Migrate error = %v, want wrapped", err)
	}
}

func TestPostgresStore_AppendTurns(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	turns := []session.Turn{
		{ID: "u1", Role: session.RoleUser, Text: "what is on screen", Timestamp: at},
		{ID: "a1", Role: session.RoleAssistant, Text: "A terminal.", Timestamp: at.Add(2 * time.Second)},
	}

	t.Run("single insert with arrays", func(t *testing.T) {
		t.Parallel()
		var (
			calls int
			args  []any
			sql   string
		)
		db := &mockDB{execFunc: func(_ context.Context, q string, a ...any) (pgconn.CommandTag, error) {
			calls++
			sql, args = q, a
			return pgconn.NewCommandTag("INSERT 0 2"), nil
		}}
		if err := NewPostgresStore(db).AppendTurns(t.Context(), "sess-1", turns...); err != nil {
			t.Fatalf("AppendTurns: %v", err)
		}
		if calls != 1 {
			t.Fatalf("exec calls = %d, want 1", calls)
		}
		if !strings.Contains(sql, "ON CONFLICT (id) DO NOTHING") {
			t.Errorf("insert is not idempotent: %s", sql)
		}
		if args[0] != "sess-1" {
			t.Errorf("session arg = %v", args[0])
		}
		ids := args[1].([]string)
		roles := args[2].([]string)
		times := args[4].([]time.Time)
		if len(ids) != 2 || ids[0] != "u1" || ids[1] != "a1" {
			t.Errorf("ids = %v", ids)
		}
		if roles[0] != "user" || roles[1] != "assistant" {
			t.Errorf("roles = %v", roles)
		}
		if !times[1].Equal(at.Add(2 * time.Second)) {
			t.Errorf("times = %v", times)
		}
	})

	t.Run("nothing to insert", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			t.Error("Exec called for empty append")
			return pgconn.CommandTag{}, nil
		}}
		if err := NewPostgresStore(db).AppendTurns(t.Context(), "sess-1"); err != nil {
			t.Errorf("AppendTurns: %v", err)
		}
	})

	t.Run("exec error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("connection reset")
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, boom
		}}
		err := NewPostgresStore(db).AppendTurns(t.Context(), "sess-1", turns...)
		if !errors.Is(err, boom) {
			t.Errorf("error = %v, want wrapped %v", err, boom)
		}
	})
}

func TestPostgresStore_SessionTurns(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("scans rows in order", func(t *testing.T) {
		t.Parallel()
		rows := &mockRows{data: [][]any{
			{"u1", "user", "hello", at},
			{"a1", "assistant", "hi there", at.Add(time.Second)},
		}}
		var gotArgs []any
		var gotSQL string
		db := &mockDB{queryFunc: func(_ context.Context, q string, a ...any) (pgx.Rows, error) {
			gotSQL, gotArgs = q, a
			return rows, nil
		}}
		turns, err := NewPostgresStore(db).SessionTurns(t.Context(), "sess-1", 10)
		if err != nil {
			t.Fatalf("SessionTurns: %v", err)
		}
		if len(turns) != 2 {
			t.Fatalf("turns = %d, want 2", len(turns))
		}
		if turns[1].Role != session.RoleAssistant || turns[1].Text != "hi there" {
			t.Errorf("second turn = %+v", turns[1])
		}
		if !strings.Contains(gotSQL, "LIMIT $2") || len(gotArgs) != 2 || gotArgs[1] != 10 {
			t.Errorf("query %q args %v", gotSQL, gotArgs)
		}
		if !rows.closed {
			t.Error("rows not closed")
		}
	})

	t.Run("no limit", func(t *testing.T) {
		t.Parallel()
		var gotSQL string
		db := &mockDB{queryFunc: func(_ context.Context, q string, _ ...any) (pgx.Rows, error) {
			gotSQL = q
			return &mockRows{}, nil
		}}
		turns, err := NewPostgresStore(db).SessionTurns(t.Context(), "sess-1", 0)
		if err != nil {
			t.Fatalf("SessionTurns: %v", err)
		}
		if len(turns) != 0 {
			t.Errorf("turns = %v, want none", turns)
		}
		if strings.Contains(gotSQL, "LIMIT") {
			t.Errorf("unexpected LIMIT in %q", gotSQL)
		}
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name string
			db   *mockDB
		}{
			{"query", &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return nil, errors.New("boom")
			}}},
			{"scan", &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return &mockRows{data: [][]any{{"u1", "user", "x", at}}, scanErr: errors.New("bad column")}, nil
			}}},
			{"rows", &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return &mockRows{err: errors.New("stream broken")}, nil
			}}},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()
				_, err := NewPostgresStore(tc.db).SessionTurns(t.Context(), "sess-1", 0)
				if err == nil || !strings.HasPrefix(err.Error(), "turnlog:") {
					t.Errorf("error = %v, want turnlog error", err)
				}
			})
		}
	})
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, q string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = q
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if gotSQL != "SELECT 1" {
		t.Errorf("ping sql = %q", gotSQL)
	}
}

// ---------------------------------------------------------------------------
// MemStore
// ---------------------------------------------------------------------------

func TestMemStore(t *testing.T) {
	t.Parallel()

	m := NewMemStore()
	ctx := t.Context()
	_ = m.AppendTurns(ctx, "a", session.Turn{ID: "1", Text: "one"}, session.Turn{ID: "2", Text: "two"})
	_ = m.AppendTurns(ctx, "a", session.Turn{ID: "2", Text: "dup"}, session.Turn{ID: "3", Text: "three"})
	_ = m.AppendTurns(ctx, "b", session.Turn{ID: "4", Text: "other"})

	all, _ := m.SessionTurns(ctx, "a", 0)
	if len(all) != 3 || all[1].Text != "two" {
		t.Errorf("session a = %+v", all)
	}
	first, _ := m.SessionTurns(ctx, "a", 2)
	if len(first) != 2 || first[1].ID != "2" {
		t.Errorf("limited = %+v", first)
	}
	first[0].Text = "mutated"
	again, _ := m.SessionTurns(ctx, "a", 1)
	if again[0].Text != "one" {
		t.Error("SessionTurns returned shared storage")
	}
	if err := m.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
