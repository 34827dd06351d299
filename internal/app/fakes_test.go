package app_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/audio/mock"
	"github.com/MrWong99/duplex/pkg/realtime"
)

// fakeConn is an in-memory [realtime.Conn] driven by the test as the server.
type fakeConn struct {
	in      chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, realtime.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return realtime.ErrClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// sentEvent returns the first written event of type typ.
func (c *fakeConn) sentEvent(typ string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, data := range c.sent {
		var ev map[string]any
		if err := sonic.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev["type"] == typ {
			return ev, true
		}
	}
	return nil, false
}

// count reports how many events of type typ were written.
func (c *fakeConn) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, data := range c.sent {
		var ev struct {
			Type string `json:"type"`
		}
		if sonic.Unmarshal(data, &ev) == nil && ev.Type == typ {
			n++
		}
	}
	return n
}

func (c *fakeConn) serveSessionCreated(t *testing.T) {
	t.Helper()
	c.in <- []byte(`{"type":"session.created","event_id":"e0","session":{"id":"sess_1","object":"realtime.session","model":"gpt-4o-realtime-preview","voice":"alloy","modalities":["text","audio"],"input_audio_format":"pcm16","output_audio_format":"pcm16"}}`)
}

// dialer hands out fresh fakeConns and remembers each dial.
type dialer struct {
	err error

	mu    sync.Mutex
	conns []*fakeConn
	cfgs  []realtime.DialConfig
}

func (d *dialer) Dial(_ context.Context, cfg realtime.DialConfig) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfgs = append(d.cfgs, cfg)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *dialer) last(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		t.Fatal("nothing dialled")
	}
	return d.conns[len(d.conns)-1]
}

var mic48k = audio.Format{SampleRate: 48000, Channels: 1, Sample: audio.Float32, Interleaved: true}

func newDevice() *mock.Device {
	return mock.NewDevice(mic48k, audio.PCM16)
}

const testYAML = `
realtime:
  url: ws://realtime.test/v1/realtime
  api_key: sk-test
session:
  instructions: Be brief.
tools:
  builtin: [get_weather]
`

func loadConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
