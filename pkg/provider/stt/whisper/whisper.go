// Package whisper provides an STT provider backed by a whisper.cpp HTTP
// server (POST /inference).
//
// whisper.cpp transcribes whole clips, so a session buffers all audio it is
// given and submits a single WAV upload when Finish is called. The result is
// delivered as one final transcript; no partials are emitted.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

const (
	defaultSampleRate = 16000
	defaultTimeout    = 30 * time.Second

	// maxBuffer caps the buffered PCM at five minutes of 16kHz mono.
	maxBuffer = 5 * 60 * 16000 * 2
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel passes a model name to servers that host several.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language hint (e.g. "en").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the HTTP client. Default: 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	serverURL string
	model     string
	language  string
	client    *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a provider for the server at serverURL (e.g.
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a buffering session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Language == "" {
		cfg.Language = p.language
	}
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		p:        p,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		partials: make(chan stt.Transcript),
		finals:   make(chan stt.Transcript, 1),
	}, nil
}

type session struct {
	p      *Provider
	cfg    stt.StreamConfig
	ctx    context.Context
	cancel context.CancelFunc

	partials chan stt.Transcript
	finals   chan stt.Transcript

	mu       sync.Mutex
	buf      []byte
	finished bool
	closed   bool
	err      error
	endOnce  sync.Once
}

func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.closed {
		return stt.ErrSessionClosed
	}
	if len(s.buf)+len(chunk) > maxBuffer {
		return errors.New("whisper: audio buffer full")
	}
	s.buf = append(s.buf, chunk...)
	return nil
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finish uploads the buffered audio in the background.
func (s *session) Finish() error {
	s.mu.Lock()
	if s.finished || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	pcm := s.buf
	s.buf = nil
	s.mu.Unlock()

	go func() {
		text, err := s.p.infer(s.ctx, pcm, s.cfg)
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		} else if text != "" {
			s.finals <- stt.Transcript{
				Text:     text,
				IsFinal:  true,
				Duration: audio.PCMDuration(len(pcm), s.cfg.SampleRate, s.cfg.Channels),
			}
		}
		s.end()
	}()
	return nil
}

func (s *session) end() {
	s.endOnce.Do(func() {
		close(s.partials)
		close(s.finals)
	})
}

func (s *session) Close() error {
	s.mu.Lock()
	wasFinished := s.finished
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	s.cancel()
	if !wasFinished {
		s.end()
	}
	return nil
}

func (p *Provider) infer(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wav, err := audio.EncodeWAV(pcm, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "json",
		"language":        cfg.Language,
		"model":           p.model,
		"prompt":          strings.Join(cfg.Keywords, ", "),
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
