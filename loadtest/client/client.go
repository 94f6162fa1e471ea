// Package client is a WebSocket load test client for the realtime server. It
// connects with gobwas/ws (the same library the server uses), records the
// session id from session_created, and tracks per-connection metrics.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tidwall/gjson"

	"github.com/pairline/realtime/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user connection. Incoming frames are dispatched to
// handlers registered with On.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64

	sessionID atomic.Value // string
	session   chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string]func(gjson.Result)

	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading frames in the background.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		connectLatency: time.Since(start),
		session:        make(chan struct{}),
		handlers:       make(map[string]func(gjson.Result)),
		done:           make(chan struct{}),
	}
	go c.readLoop(br)
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("client: write: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// Identify binds the session to userID, using token when non-empty.
func (c *Client) Identify(userID, token string) error {
	return c.Send(protocol.IdentifyMsg{Type: protocol.TypeIdentify, UserID: userID, Token: token})
}

// On registers the handler for one server message type, replacing any
// previous one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(frame gjson.Result)) {
	c.handlersMu.Lock()
	c.handlers[msgType] = handler
	c.handlersMu.Unlock()
}

// WaitForSession blocks until session_created has arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("client: connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionID returns the server-assigned session id, or "" before
// session_created.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// frameConn reads server frames and writes control replies under writeMu.
type frameConn struct {
	io.Reader
	c *Client
}

func (f *frameConn) Write(p []byte) (int, error) {
	f.c.writeMu.Lock()
	defer f.c.writeMu.Unlock()
	return f.c.conn.Write(p)
}

// readLoop dispatches frames until the connection ends. Frames the server
// sent together with the handshake response sit in br, so it is read first
// and returned to the pool once drained.
func (c *Client) readLoop(br *bufio.Reader) {
	defer c.Close()
	rw := &frameConn{Reader: c.conn, c: c}
	if br != nil {
		rw.Reader = br
	}
	for {
		if br != nil && br.Buffered() == 0 {
			ws.PutReader(br)
			br = nil
			rw.Reader = c.conn
		}

		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		frame := gjson.ParseBytes(data)
		msgType := frame.Get("type").Str

		if msgType == protocol.TypeSessionCreated && c.SessionID() == "" {
			if id := frame.Get("session_id").Str; id != "" {
				c.sessionID.Store(id)
				close(c.session)
			}
		}

		c.handlersMu.RLock()
		handler := c.handlers[msgType]
		c.handlersMu.RUnlock()
		if handler != nil {
			handler(frame)
		}
	}
}
