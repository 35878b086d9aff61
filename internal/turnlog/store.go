// Package turnlog persists completed conversation turns.
//
// The orchestrator keeps only the last N turns in memory; a [Store] keeps
// every turn of every session so a conversation can be reviewed later.
// [PostgresStore] is the production backend, [MemStore] serves tests and
// single-process setups without a database.
package turnlog

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxloop/internal/session"
)

// Store persists conversation turns keyed by session.
type Store interface {
	// AppendTurns stores turns for sessionID. Turns whose ID is already
	// stored are skipped.
	AppendTurns(ctx context.Context, sessionID string, turns ...session.Turn) error

	// SessionTurns returns up to limit turns of sessionID, oldest first.
	// A limit of zero or less returns all of them.
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]session.Turn, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// MemStore is an in-memory [Store].
type MemStore struct {
	mu    sync.Mutex
	turns map[string][]session.Turn
	seen  map[string]bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{turns: map[string][]session.Turn{}, seen: map[string]bool{}}
}

// AppendTurns implements [Store].
func (m *MemStore) AppendTurns(_ context.Context, sessionID string, turns ...session.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range turns {
		if m.seen[t.ID] {
			continue
		}
		m.seen[t.ID] = true
		m.turns[sessionID] = append(m.turns[sessionID], t)
	}
	return nil
}

// SessionTurns implements [Store].
func (m *MemStore) SessionTurns(_ context.Context, sessionID string, limit int) ([]session.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return slices.Clone(all), nil
}

// Ping implements [Store]; a MemStore is always reachable.
func (m *MemStore) Ping(context.Context) error { return nil }
