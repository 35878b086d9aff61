// Package session holds the per-session conversation state shared by the
// orchestrator and the transports.
package session

import (
	"sync"
	"time"

	"github.com/MrWong99/voxloop/pkg/provider/llm"
)

// DefaultMaxTurns is the history bound used when none is configured.
const DefaultMaxTurns = 20

// charsPerToken is the heuristic ratio used for token estimation.
const charsPerToken = 4

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of conversation history.
type Turn struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// History keeps the most recent turns of a conversation. Once the bound is
// reached the oldest turns are evicted first.
//
// All methods are safe for concurrent use.
type History struct {
	mu    sync.Mutex
	max   int
	turns []Turn
}

// NewHistory returns a History retaining at most maxTurns turns. A
// non-positive value selects [DefaultMaxTurns].
func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &History{max: maxTurns}
}

// Append adds turns in order and evicts the oldest entries beyond the bound.
func (h *History) Append(turns ...Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turns...)
	h.trim()
}

// SetLimit changes the bound, evicting immediately if the history is now too
// long.
func (h *History) SetLimit(maxTurns int) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.max = maxTurns
	h.trim()
}

// must hold h.mu
func (h *History) trim() {
	if over := len(h.turns) - h.max; over > 0 {
		// Copy so the evicted turns do not stay reachable through the
		// backing array.
		h.turns = append([]Turn(nil), h.turns[over:]...)
	}
}

// Turns returns a copy of the retained turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn(nil), h.turns...)
}

// Len returns the number of retained turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Limit returns the current bound.
func (h *History) Limit() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.max
}

// Reset drops all turns.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// TokenEstimate returns a rough token count of the retained turns using the
// 1-token-per-4-characters heuristic.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.turns {
		n += estimateTokens(t)
	}
	return n
}

// Messages converts turns into chat messages for an LLM request.
func Messages(turns []Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return msgs
}

func estimateTokens(t Turn) int {
	chars := len(t.Text) + len(t.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
