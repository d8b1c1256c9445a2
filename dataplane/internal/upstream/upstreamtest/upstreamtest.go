// Package upstreamtest provides an in-memory push gateway for tests.
package upstreamtest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"go_tradedash/dataplane/internal/codec"
	"go_tradedash/dataplane/internal/config"
	"go_tradedash/dataplane/internal/upstream"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Gateway is an in-memory upstream.Dialer. Every dial yields a fresh
// connection; frames are emitted on the latest one.
type Gateway struct {
	mu    sync.Mutex
	conns []*Conn
	fail  bool
}

// Dial implements upstream.Dialer.
func (g *Gateway) Dial(ctx context.Context, url string) (upstream.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return nil, errors.New("gateway unavailable")
	}
	c := &Conn{inbound: make(chan []byte, 64), done: make(chan struct{})}
	g.conns = append(g.conns, c)
	return c, nil
}

// SetFail makes subsequent dials fail.
func (g *Gateway) SetFail(fail bool) {
	g.mu.Lock()
	g.fail = fail
	g.mu.Unlock()
}

// Latest returns the most recent connection.
func (g *Gateway) Latest() *Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		return nil
	}
	return g.conns[len(g.conns)-1]
}

// Dials returns how many connections were opened.
func (g *Gateway) Dials() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Emit pushes a raw frame on the latest connection.
func (g *Gateway) Emit(frame string) {
	g.Latest().inbound <- []byte(frame)
}

// Conn is one in-memory connection.
type Conn struct {
	inbound chan []byte
	done    chan struct{}

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Ping() error { return nil }

func (c *Conn) SetPongHandler(fn func()) {}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Controls returns the control frames written on the connection.
func (c *Conn) Controls() []codec.Control {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []codec.Control
	for _, data := range c.written {
		var ctl codec.Control
		if codec.Unmarshal(data, &ctl) == nil && ctl.Op != "" {
			out = append(out, ctl)
		}
	}
	return out
}

// Subscribed returns topics currently subscribed on the connection, replaying
// its control frames in order.
func (c *Conn) Subscribed() map[string]bool {
	out := make(map[string]bool)
	for _, ctl := range c.Controls() {
		switch ctl.Op {
		case codec.OpSubscribe:
			out[ctl.Topic] = true
		case codec.OpUnsubscribe:
			delete(out, ctl.Topic)
		}
	}
	return out
}

// NewManager returns a connected manager backed by a fresh Gateway.
func NewManager(t testing.TB) (*upstream.Manager, *Gateway) {
	t.Helper()

	gw := &Gateway{}
	m := upstream.NewManager(&config.UpstreamConfig{
		URL:                  "ws://gateway.test/ws",
		DialTimeout:          time.Second,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		SendQueueSize:        16,
	}, gw, zaptest.NewLogger(t), nil)
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background(), ""))
	return m, gw
}
