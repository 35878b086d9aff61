package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// defaultReadLimit bounds one incoming message.
const defaultReadLimit = 1 << 20

// WebSocketDialer dials the realtime backend over a websocket.
type WebSocketDialer struct {
	URL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	Header     http.Header
	HTTPClient *http.Client
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial opens a channel.
func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if d.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.APIKey)
	}
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(defaultReadLimit)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

func (c *wsChannel) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", env.Type, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Recv(ctx context.Context) (Envelope, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("transport: dropping malformed message", "err", err, "size", len(data))
			continue
		}
		return env, nil
	}
}

func (c *wsChannel) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsChannel) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
