// Package deepgram streams microphone PCM to Deepgram's live transcription
// websocket and reports interim and final transcripts.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultBoost      = 2.0

	// Deepgram drops a stream that sees neither audio nor a KeepAlive for
	// about ten seconds.
	defaultKeepAlive = 5 * time.Second
)

var (
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the default BCP-47 language.
func WithLanguage(language string) Option { return func(p *Provider) { p.language = language } }

// WithSampleRate sets the sample rate used when the stream config has none.
func WithSampleRate(rate int) Option { return func(p *Provider) { p.sampleRate = rate } }

// WithKeywordBoost sets the intensifier sent with every keyword hint.
func WithKeywordBoost(boost float64) Option { return func(p *Provider) { p.boost = boost } }

// WithEndpoint overrides the websocket URL.
func WithEndpoint(endpoint string) Option { return func(p *Provider) { p.endpoint = endpoint } }

// WithEndpointing sets how much trailing silence Deepgram waits for before it
// finalizes a segment. Zero keeps the server default.
func WithEndpointing(d time.Duration) Option { return func(p *Provider) { p.endpointing = d } }

// WithKeepAlive sets the idle interval after which a KeepAlive message is
// sent. Zero or negative disables keepalives.
func WithKeepAlive(d time.Duration) Option { return func(p *Provider) { p.keepAlive = d } }

// Provider opens Deepgram live transcription streams.
type Provider struct {
	apiKey      string
	model       string
	language    string
	sampleRate  int
	boost       float64
	endpoint    string
	endpointing time.Duration
	keepAlive   time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		boost:      defaultBoost,
		endpoint:   deepgramEndpoint,
		keepAlive:  defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram. The stream lives until Finish drains it or
// Close aborts it; ctx bounds the whole session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:      conn,
		cancel:    cancel,
		keepAlive: p.keepAlive,
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		audio:     make(chan []byte, 256),
		finish:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range p.query(cfg) {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// query builds the listen parameters. Stream config wins over provider
// defaults.
func (p *Provider) query(cfg stt.StreamConfig) url.Values {
	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", cmp.Or(cfg.Language, p.language))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cmp.Or(cfg.SampleRate, p.sampleRate)))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw+":"+strconv.FormatFloat(p.boost, 'g', -1, 64))
	}
	return q
}

// ── Session ──

type session struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	keepAlive time.Duration

	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	finish     chan struct{}
	finishOnce sync.Once
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.finish:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Finish sends the queued audio followed by CloseStream. Deepgram answers
// with the remaining results and closes the socket.
func (s *session) Finish() error {
	s.finishOnce.Do(func() { close(s.finish) })
	return nil
}

// Err is the read error that ended the stream, nil after a clean close or an
// abort.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.conn.CloseNow()
		s.wg.Wait()
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	sentAudio := false
	write := func(typ websocket.MessageType, b []byte) bool {
		return s.conn.Write(ctx, typ, b) == nil
	}

	for {
		select {
		case chunk := <-s.audio:
			if !write(websocket.MessageBinary, chunk) {
				return
			}
			sentAudio = true
		case <-tick:
			if !sentAudio && !write(websocket.MessageText, msgKeepAlive) {
				return
			}
			sentAudio = false
		case <-s.finish:
			for {
				select {
				case chunk := <-s.audio:
					if !write(websocket.MessageBinary, chunk) {
						return
					}
				default:
					write(websocket.MessageText, msgCloseStream)
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.setErr(err)
			return
		}
		tr, ok := decodeResult(msg)
		if !ok {
			continue
		}
		out := s.partials
		if tr.IsFinal {
			out = s.finals
		}
		select {
		case out <- tr:
		case <-s.done:
			return
		}
	}
}

// setErr keeps err unless the session was aborted or closed normally.
func (s *session) setErr(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if st := websocket.CloseStatus(err); st == websocket.StatusNormalClosure || st == websocket.StatusGoingAway {
		return
	}
	s.mu.Lock()
	s.err = fmt.Errorf("deepgram: read: %w", err)
	s.mu.Unlock()
}

// result is the subset of a Deepgram "Results" message that is used.
type result struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decodeResult turns a server message into a transcript. Metadata, errors and
// silent segments report false.
func decodeResult(data []byte) (stt.Transcript, bool) {
	var r result
	if json.Unmarshal(data, &r) != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	best := r.Channel.Alternatives[0]
	if best.Transcript == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       best.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: best.Confidence,
		Duration:   time.Duration(r.Duration * float64(time.Second)),
	}, true
}
