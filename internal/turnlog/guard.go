package turnlog

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/voxloop/internal/session"
)

// Guard wraps a [Store] and makes writes non-fatal. If the underlying store
// fails, AppendTurns logs and returns nil so the conversation keeps going
// while the database is restarting or unreachable. [Guard.IsDegraded]
// reports whether the most recent operation failed.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard creates a Guard around store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// AppendTurns forwards to the underlying store. On failure the error is
// logged and swallowed; the guard is marked as degraded.
func (g *Guard) AppendTurns(ctx context.Context, sessionID string, turns ...session.Turn) error {
	if err := g.store.AppendTurns(ctx, sessionID, turns...); err != nil {
		g.mark(err, "append", sessionID)
		return nil
	}
	g.markHealthy()
	return nil
}

// SessionTurns forwards to the underlying store. Read errors are returned
// to the caller and mark the guard as degraded.
func (g *Guard) SessionTurns(ctx context.Context, sessionID string, limit int) ([]session.Turn, error) {
	turns, err := g.store.SessionTurns(ctx, sessionID, limit)
	if err != nil {
		g.mark(err, "read", sessionID)
		return nil, err
	}
	g.markHealthy()
	return turns, nil
}

// Ping probes the underlying store and updates the degraded flag.
func (g *Guard) Ping(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		g.degraded.Store(true)
		return err
	}
	g.markHealthy()
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

func (g *Guard) mark(err error, op, sessionID string) {
	if !g.degraded.Swap(true) {
		slog.Warn("turnlog: store degraded", "op", op, "session_id", sessionID, "err", err)
		return
	}
	slog.Debug("turnlog: store still failing", "op", op, "session_id", sessionID, "err", err)
}

func (g *Guard) markHealthy() {
	if g.degraded.Swap(false) {
		slog.Info("turnlog: store recovered")
	}
}
