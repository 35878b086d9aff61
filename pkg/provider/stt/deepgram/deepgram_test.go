package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestStreamURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	}

	rawURL, err := p.streamURL(cfg)
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestStreamURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.streamURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestStreamURL_LanguageOverridenByCfg(t *testing.T) {
	// cfg.Language should take precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.streamURL(stt.StreamConfig{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

func TestStreamURL_Keywords(t *testing.T) {
	p, err := New("key", WithKeywordBoost(3.5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Keywords:   []string{"Eldrinax", "Zorrath"},
	}

	rawURL, err := p.streamURL(cfg)
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}

	// Both keywords should be present (order may vary).
	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	if !found["Eldrinax:3.5"] {
		t.Errorf("expected keyword 'Eldrinax:3.5', got %v", kws)
	}
	if !found["Zorrath:3.5"] {
		t.Errorf("expected keyword 'Zorrath:3.5', got %v", kws)
	}
}

func TestStreamURL_NoKeywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.streamURL(stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	if _, ok := u.Query()["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

// ---- JSON parsing tests ----

func TestDecodeResult_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"duration": 1.5,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95
			}]
		}
	}`)

	tr, ok := decodeResult(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if tr.Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %v", tr.Duration)
	}
}

func TestDecodeResult_Partial(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{
				"transcript": "Hello",
				"confidence": 0.7
			}]
		}
	}`)

	tr, ok := decodeResult(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for partial result")
	}
	assertEqual(t, "text", "Hello", tr.Text)
}

func TestDecodeResult_NonResultsType(t *testing.T) {
	raw := []byte(`{"type":"Metadata","request_id":"abc"}`)
	_, ok := decodeResult(raw)
	if ok {
		t.Error("expected ok=false for non-Results message")
	}
}

func TestDecodeResult_EmptyAlternatives(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`)
	_, ok := decodeResult(raw)
	if ok {
		t.Error("expected ok=false when alternatives is empty")
	}
}

func TestDecodeResult_EmptyTranscript(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`)
	if _, ok := decodeResult(raw); ok {
		t.Error("expected ok=false for an empty transcript")
	}
}

func TestDecodeResult_InvalidJSON(t *testing.T) {
	_, ok := decodeResult([]byte(`{invalid`))
	if ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- streaming tests ----

// fakeDeepgram accepts one WebSocket connection, counts binary audio bytes,
// and on CloseStream replies with the given messages and closes normally.
type fakeDeepgram struct {
	mu        sync.Mutex
	audio     int
	authHdr   string
	replies   []string
	gotFinish chan struct{}
}

func (f *fakeDeepgram) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authHdr = r.Header.Get("Authorization")
		f.mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				f.mu.Lock()
				f.audio += len(msg)
				f.mu.Unlock()
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				close(f.gotFinish)
				for _, reply := range f.replies {
					if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
						return
					}
				}
				conn.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}
}

func TestSession_FinishDeliversFinalsAndCloses(t *testing.T) {
	fake := &fakeDeepgram{
		gotFinish: make(chan struct{}),
		replies: []string{
			`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"what is"}]}}`,
			`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"what is this","confidence":0.9}]}}`,
			`{"type":"Metadata"}`,
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	for range 3 {
		if err := h.SendAudio(make([]byte, 640)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if err := h.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); err != stt.ErrSessionClosed {
		t.Errorf("SendAudio after Finish = %v, want ErrSessionClosed", err)
	}

	var finals []stt.Transcript
	for tr := range h.Finals() {
		finals = append(finals, tr)
	}
	if len(finals) != 1 || finals[0].Text != "what is this" {
		t.Fatalf("finals = %+v, want one final 'what is this'", finals)
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after clean close", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.audio != 3*640 {
		t.Errorf("server received %d audio bytes, want %d", fake.audio, 3*640)
	}
	assertEqual(t, "authorization", "Token secret", fake.authHdr)
}

func TestSession_CloseAborts(t *testing.T) {
	fake := &fakeDeepgram{gotFinish: make(chan struct{})}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	p, _ := New("k", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = h.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	if _, ok := <-h.Finals(); ok {
		t.Error("finals should be closed after Close")
	}
	if err := h.SendAudio([]byte{1, 2}); err != stt.ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() after abort = %v, want nil", err)
	}
}

func TestStreamURL_Endpointing(t *testing.T) {
	p, _ := New("key", WithEndpointing(300*time.Millisecond))
	rawURL, err := p.streamURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "endpointing", "300", u.Query().Get("endpointing"))

	p, _ = New("key")
	rawURL, _ = p.streamURL(stt.StreamConfig{})
	u, _ = url.Parse(rawURL)
	if u.Query().Has("endpointing") {
		t.Error("endpointing should be omitted by default")
	}
}

func TestSession_KeepAliveWhileIdle(t *testing.T) {
	gotKeepAlive := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, msg, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if strings.Contains(string(msg), "KeepAlive") {
				select {
				case gotKeepAlive <- struct{}{}:
				default:
				}
			}
		}
	}))
	defer srv.Close()

	p, _ := New("k", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")), WithKeepAlive(20*time.Millisecond))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	select {
	case <-gotKeepAlive:
	case <-time.After(3 * time.Second):
		t.Fatal("no KeepAlive sent on an idle stream")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
