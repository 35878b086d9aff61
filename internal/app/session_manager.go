package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/internal/turnlog"
)

// maxNotices is the number of notices retained for the control API.
const maxNotices = 50

// ErrNoSession is returned by [SessionManager.Rearm] when no session is
// running.
var ErrNoSession = errors.New("app: no active session")

// Loop is the capture-and-respond loop controlled by a [SessionManager].
// [*orchestrator.Orchestrator] is the production implementation.
type Loop interface {
	Start(ctx context.Context) error
	Stop()
	Rearm()
	Snapshot() orchestrator.Snapshot
	History() []session.Turn
}

var _ Loop = (*orchestrator.Orchestrator)(nil)

// SessionManager serialises user actions on the loop and keeps the recent
// notices for display. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu    sync.Mutex
	loop  Loop
	turns turnlog.Store

	noticeMu sync.Mutex
	notices  []orchestrator.Notice
}

// NewSessionManager creates a SessionManager for loop. turns serves the
// per-session history endpoint and may be nil.
func NewSessionManager(loop Loop, turns turnlog.Store) *SessionManager {
	return &SessionManager{loop: loop, turns: turns}
}

// Start begins a new session. It returns [orchestrator.ErrRunning] when one
// is already active.
func (sm *SessionManager) Start(ctx context.Context) (orchestrator.Snapshot, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.IsActive() {
		return orchestrator.Snapshot{}, orchestrator.ErrRunning
	}
	sm.noticeMu.Lock()
	sm.notices = nil
	sm.noticeMu.Unlock()
	if err := sm.loop.Start(ctx); err != nil {
		return orchestrator.Snapshot{}, fmt.Errorf("app: start session: %w", err)
	}
	snap := sm.loop.Snapshot()
	slog.Info("session started", "session_id", snap.SessionID)
	return snap, nil
}

// Stop ends the active session. Stopping an idle loop is a no-op.
func (sm *SessionManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.loop.Stop()
}

// Rearm lets the next voice window start a turn.
func (sm *SessionManager) Rearm() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.IsActive() {
		return ErrNoSession
	}
	sm.loop.Rearm()
	return nil
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	return sm.loop.Snapshot().State != orchestrator.StateIdle.String()
}

// Snapshot returns the loop's current state.
func (sm *SessionManager) Snapshot() orchestrator.Snapshot {
	return sm.loop.Snapshot()
}

// History returns the in-memory turns of the current session.
func (sm *SessionManager) History() []session.Turn {
	return sm.loop.History()
}

// RecordNotice keeps n for [SessionManager.Notices], dropping the oldest
// once the buffer is full. It is the loop's notice handler and never
// takes sm.mu since notices may arrive while Start holds it.
func (sm *SessionManager) RecordNotice(n orchestrator.Notice) {
	sm.noticeMu.Lock()
	defer sm.noticeMu.Unlock()
	sm.notices = append(sm.notices, n)
	if over := len(sm.notices) - maxNotices; over > 0 {
		sm.notices = sm.notices[over:]
	}
}

// Notices returns the retained notices, oldest first.
func (sm *SessionManager) Notices() []orchestrator.Notice {
	sm.noticeMu.Lock()
	defer sm.noticeMu.Unlock()
	out := make([]orchestrator.Notice, len(sm.notices))
	copy(out, sm.notices)
	return out
}

// SessionTurns returns up to limit logged turns of the given session.
func (sm *SessionManager) SessionTurns(ctx context.Context, sessionID string, limit int) ([]session.Turn, error) {
	if sm.turns == nil {
		return nil, nil
	}
	return sm.turns.SessionTurns(ctx, sessionID, limit)
}
