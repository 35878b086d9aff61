package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/pkg/provider/llm"
)

func turn(role Role, text string) Turn {
	return Turn{Role: role, Text: text, Timestamp: time.Unix(0, 0)}
}

func TestHistory_NeverExceedsBound(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 2, 3, 7} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			t.Parallel()
			h := NewHistory(limit)
			for i := range 25 {
				h.Append(turn(RoleUser, fmt.Sprintf("q%d", i)), turn(RoleAssistant, fmt.Sprintf("a%d", i)))
				if h.Len() > limit {
					t.Fatalf("after cycle %d: Len = %d > %d", i, h.Len(), limit)
				}
			}
			turns := h.Turns()
			if last := turns[len(turns)-1].Text; last != "a24" {
				t.Errorf("newest turn = %q, want a24", last)
			}
		})
	}
}

func TestHistory_EvictsOldestFirst(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	h.Append(turn(RoleUser, "1"), turn(RoleAssistant, "2"))
	h.Append(turn(RoleUser, "3"), turn(RoleAssistant, "4"))

	var got []string
	for _, tr := range h.Turns() {
		got = append(got, tr.Text)
	}
	if strings.Join(got, ",") != "2,3,4" {
		t.Errorf("turns = %v, want [2 3 4]", got)
	}
}

func TestHistory_SetLimit(t *testing.T) {
	t.Parallel()

	h := NewHistory(10)
	for i := range 6 {
		h.Append(turn(RoleUser, fmt.Sprint(i)))
	}
	h.SetLimit(2)
	if h.Len() != 2 || h.Limit() != 2 {
		t.Fatalf("Len = %d, Limit = %d", h.Len(), h.Limit())
	}
	if h.Turns()[0].Text != "4" {
		t.Errorf("oldest retained = %q, want 4", h.Turns()[0].Text)
	}

	h.SetLimit(0)
	if h.Limit() != DefaultMaxTurns {
		t.Errorf("Limit = %d, want default", h.Limit())
	}
}

func TestHistory_TurnsIsACopy(t *testing.T) {
	t.Parallel()

	h := NewHistory(2)
	h.Append(turn(RoleUser, "a"))
	got := h.Turns()
	got[0].Text = "mutated"
	if h.Turns()[0].Text != "a" {
		t.Error("Turns exposed internal storage")
	}
	h.Reset()
	if h.Len() != 0 {
		t.Error("Reset did not clear")
	}
}

func TestHistory_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	h := NewHistory(5)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				h.Append(turn(RoleUser, fmt.Sprintf("%d-%d", i, j)))
			}
		}()
	}
	wg.Wait()
	if h.Len() != 5 {
		t.Errorf("Len = %d, want 5", h.Len())
	}
}

func TestTokenEstimate(t *testing.T) {
	t.Parallel()

	h := NewHistory(4)
	if h.TokenEstimate() != 0 {
		t.Error("empty history should estimate 0")
	}
	h.Append(turn(RoleUser, "Hi"), turn(RoleAssistant, strings.Repeat("a", 400)))
	// (2+4)/4 = 1, (400+9)/4 = 102
	if got := h.TokenEstimate(); got != 103 {
		t.Errorf("TokenEstimate = %d, want 103", got)
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()

	msgs := Messages([]Turn{turn(RoleUser, "q"), turn(RoleAssistant, "a")})
	if len(msgs) != 2 || msgs[0].Role != llm.RoleUser || msgs[1].Role != llm.RoleAssistant || msgs[1].Content != "a" {
		t.Errorf("Messages = %+v", msgs)
	}
}
