package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxloop/pkg/provider/llm/mock"
)

func TestHTTPFallback_Analyze(t *testing.T) {
	t.Parallel()

	var got Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Envelope{Type: TypeResult, Text: "analysis"})
	}))
	defer srv.Close()

	f := NewHTTPFallback(srv.URL, WithAPIKey("k"), WithSessionConfig(map[string]any{"mode": "screen"}))
	history := []session.Turn{{Role: session.RoleAssistant, Text: "earlier"}}
	res, err := f.Analyze(t.Context(), AnalysisRequest{
		Transcript:    "what now",
		Media:         []byte("webm-bytes"),
		MimeType:      "video/webm",
		PromptContext: "ctx",
	}, history)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Text != "analysis" {
		t.Errorf("result = %q", res.Text)
	}
	if got.Type != TypeMedia || string(got.Payload.Media) != "webm-bytes" || got.Payload.PromptContext != "ctx" {
		t.Errorf("request envelope = %+v", got)
	}
	if got.SessionConfig["mode"] != "screen" || len(got.ConversationHistory) != 1 {
		t.Errorf("session config / history = %v / %v", got.SessionConfig, got.ConversationHistory)
	}
}

func TestHTTPFallback_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		header    string
		body      string
		wantKind  ErrorKind
		wantRetry time.Duration
		wantFatal bool
		wantPlain bool
	}{
		{name: "rate limited", status: 429, header: "7", wantKind: KindRateLimited, wantRetry: 7 * time.Second},
		{name: "overloaded", status: 503, wantKind: KindOverloaded},
		{name: "overloaded envelope", status: 529, body: `{"type":"error","kind":"overloaded","message":"busy","retryAfterMs":6000}`, wantKind: KindOverloaded, wantRetry: 6 * time.Second},
		{name: "unauthorized", status: 401, wantKind: KindFatal, wantFatal: true},
		{name: "server error", status: 500, body: "boom", wantPlain: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTPFallback(srv.URL).Analyze(t.Context(), AnalysisRequest{}, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			var be *BackendError
			if tt.wantPlain {
				if errors.As(err, &be) {
					t.Errorf("err = %v, want plain error", err)
				}
				return
			}
			if !errors.As(err, &be) {
				t.Fatalf("err = %v, want BackendError", err)
			}
			if be.Kind != tt.wantKind || be.RetryAfter != tt.wantRetry {
				t.Errorf("BackendError = %+v", be)
			}
			if errors.Is(err, ErrTransportFatal) != tt.wantFatal {
				t.Errorf("errors.Is(ErrTransportFatal) = %v", !tt.wantFatal)
			}
		})
	}
}

func TestLLMFallback_Analyze(t *testing.T) {
	t.Parallel()

	t.Run("attaches supported media", func(t *testing.T) {
		p := &llmmock.Provider{
			CompleteResponse:   &llm.CompletionResponse{Content: "it is a terminal"},
			CapabilitiesResult: llm.ModelCapabilities{SupportsVision: true},
		}
		f := NewLLMFallback(p, WithSystemPrompt("be brief"), WithCompletionLimits(0.3, 200))
		res, err := f.Analyze(t.Context(), AnalysisRequest{
			Transcript:    "what is this",
			Media:         []byte{0x89, 'P', 'N', 'G'},
			MimeType:      "image/png",
			PromptContext: "Describe the screen.",
		}, []session.Turn{{Role: session.RoleUser, Text: "hi"}, {Role: session.RoleAssistant, Text: "hello"}})
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}
		if res.Text != "it is a terminal" {
			t.Errorf("result = %q", res.Text)
		}
		req := p.Calls()[0].Req
		if req.SystemPrompt != "be brief" || req.MaxTokens != 200 || req.Temperature != 0.3 {
			t.Errorf("request params = %+v", req)
		}
		if len(req.Messages) != 3 {
			t.Fatalf("messages = %d, want 3", len(req.Messages))
		}
		last := req.Messages[2]
		if last.Content != "Describe the screen.\n\nUser said: what is this" || len(last.Attachments) != 1 {
			t.Errorf("user message = %+v", last)
		}
	})

	t.Run("drops unsupported media", func(t *testing.T) {
		p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
		f := NewLLMFallback(p)
		if _, err := f.Analyze(t.Context(), AnalysisRequest{Media: []byte{1}, MimeType: "video/webm"}, nil); err != nil {
			t.Fatalf("Analyze: %v", err)
		}
		if n := len(p.Calls()[0].Req.Messages[0].Attachments); n != 0 {
			t.Errorf("attachments = %d, want 0", n)
		}
	})

	t.Run("provider error", func(t *testing.T) {
		p := &llmmock.Provider{CompleteErr: errors.New("quota")}
		if _, err := NewLLMFallback(p).Analyze(t.Context(), AnalysisRequest{}, nil); err == nil {
			t.Fatal("expected error")
		}
	})
}
