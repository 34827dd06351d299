package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// ErrClosed is returned by [Conn] operations after the connection was closed
// by either side.
var ErrClosed = errors.New("realtime: connection closed")

// readLimit bounds a single inbound frame. Audio deltas and response.done
// frames with long transcripts are far larger than the websocket default.
const readLimit = 16 << 20

// Conn is a reliable, ordered, message-oriented channel to the model. Write
// must be safe for concurrent use; Read is called from one goroutine.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialConfig describes how to reach the realtime endpoint.
type DialConfig struct {
	// URL is the websocket endpoint, e.g. wss://api.openai.com/v1/realtime.
	URL string

	// Model is appended as the model query parameter when non-empty.
	Model string

	// APIKey is sent as a bearer token.
	APIKey string

	// Header carries extra handshake headers.
	Header http.Header
}

// Dial opens a websocket connection to the realtime endpoint.
func Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}

	header := http.Header{"OpenAI-Beta": []string{"realtime=v1"}}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	for k, vs := range cfg.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a [websocket.Conn] to [Conn].
type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	closed bool
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if c.isClosed() || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, fmt.Errorf("realtime: read: %w", err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Close performs a normal closure handshake. Idempotent.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	return c.closeErr
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
