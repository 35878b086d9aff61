package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/session"
)

// Register adds the session control routes to mux:
//
//	POST /session/start        start a session (201, 409 if running)
//	POST /session/stop         stop the session (204)
//	POST /session/rearm        allow the next turn (204, 409 if idle)
//	GET  /session              current snapshot
//	GET  /session/notices      recent notices
//	GET  /session/history      in-memory turns of the current session
//	GET  /sessions/{id}/turns  logged turns, optional ?limit=N
func (sm *SessionManager) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/start", sm.handleStart)
	mux.HandleFunc("POST /session/stop", sm.handleStop)
	mux.HandleFunc("POST /session/rearm", sm.handleRearm)
	mux.HandleFunc("GET /session", sm.handleSnapshot)
	mux.HandleFunc("GET /session/notices", sm.handleNotices)
	mux.HandleFunc("GET /session/history", sm.handleHistory)
	mux.HandleFunc("GET /sessions/{id}/turns", sm.handleTurns)
}

type errorResponse struct {
	Error string `json:"error"`
}

type turnsResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []session.Turn `json:"turns"`
}

func (sm *SessionManager) handleStart(w http.ResponseWriter, r *http.Request) {
	snap, err := sm.Start(r.Context())
	switch {
	case errors.Is(err, orchestrator.ErrRunning):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusCreated, snap)
	}
}

func (sm *SessionManager) handleStop(w http.ResponseWriter, _ *http.Request) {
	sm.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (sm *SessionManager) handleRearm(w http.ResponseWriter, _ *http.Request) {
	if err := sm.Rearm(); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (sm *SessionManager) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sm.Snapshot())
}

func (sm *SessionManager) handleNotices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sm.Notices())
}

func (sm *SessionManager) handleHistory(w http.ResponseWriter, _ *http.Request) {
	snap := sm.Snapshot()
	writeJSON(w, http.StatusOK, turnsResponse{SessionID: snap.SessionID, Turns: sm.History()})
}

func (sm *SessionManager) handleTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	turns, err := sm.SessionTurns(r.Context(), id, limit)
	if err != nil {
		slog.Error("load session turns", "session_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load turns"})
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, turnsResponse{SessionID: id, Turns: turns})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}
