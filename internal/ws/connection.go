package ws

import (
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrSendQueueFull is returned by Enqueue when the client is not reading its
// frames fast enough.
var ErrSendQueueFull = errors.New("ws: send queue full")

// ErrConnectionClosed is returned by Enqueue after Close.
var ErrConnectionClosed = errors.New("ws: connection closed")

// Connection is one upgraded WebSocket client. Its ID is the session id the
// rest of the system addresses it by.
type Connection struct {
	ID         string
	Conn       net.Conn
	Fd         int // epoll index
	CreatedAt  time.Time
	lastActive atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex   // serializes writes
	processing int32        // 1 while a worker is reading

	send      chan []byte // frames waiting for the writer goroutine
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps conn with an outbound queue of queueSize frames.
func NewConnection(id string, conn net.Conn, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultServerConfig().SendQueueSize
	}
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		send:      make(chan []byte, queueSize),
		closed:    make(chan struct{}),
	}
	c.touch(now)
	return c
}

// Enqueue hands data to the writer goroutine without blocking.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop writes queued frames until the connection closes or a write
// fails. Each write is bounded by timeout when it is positive.
func (c *Connection) writeLoop(timeout time.Duration, onError func(err error)) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if timeout > 0 {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			err := c.WriteMessage(data)
			// Clear the deadline so it doesn't affect heartbeat pings.
			_ = c.Conn.SetWriteDeadline(time.Time{})
			if err != nil {
				onError(err)
				return
			}
		}
	}
}

// WriteMessage sends a text frame. Concurrent writers are serialized so frame
// bytes never interleave.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch(t time.Time) {
	c.lastActive.Store(t.UnixNano())
}

// Close stops the writer goroutine and closes the underlying network
// connection. Frames still queued are discarded.
func (c *Connection) Close() error {
	if c.closed != nil {
		c.closeOnce.Do(func() { close(c.closed) })
	}
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by session id and by file
// descriptor. It is safe for concurrent use.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers conn under both indexes.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove drops the connection with the given id and closes it. It reports
// whether the connection was still registered, so exactly one of several
// racing callers sees true.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of live connections ordered by id.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}
