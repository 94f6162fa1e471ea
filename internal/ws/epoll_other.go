//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
)

// Epoll is the portable stand-in for the Linux epoll poller: one goroutine per
// connection blocks on a peek and reports the connection as ready. It keeps
// macOS and Windows development builds working with the same event loop.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	closed  bool
}

// peekConn buffers reads so readiness can be detected without consuming the
// frame the worker is about to read.
type peekConn struct {
	net.Conn
	r      *bufio.Reader
	resume chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	pc := &peekConn{Conn: conn, r: bufio.NewReader(conn), resume: make(chan struct{}, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.conns[conn] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return nil
}

// monitor reports pc as ready whenever a byte is buffered, then waits for the
// worker to finish with it before peeking again.
func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			// The worker's read fails the same way and removes the connection.
			return
		}

		select {
		case <-pc.resume:
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	pc, ok := conn.(*peekConn)
	if !ok {
		e.mu.Lock()
		pc = e.conns[conn]
		e.mu.Unlock()
	}
	if pc == nil {
		return
	}
	select {
	case pc.resume <- struct{}{}:
	default:
	}
}

// Remove stops watching conn. Its monitor exits once the closed connection
// fails the pending peek.
func (e *Epoll) Remove(conn net.Conn) error {
	if pc, ok := conn.(*peekConn); ok {
		conn = pc.Conn
	}
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	forgetFD(conn)
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the poller.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	e.conns = nil
	return nil
}

var (
	fdMu     sync.Mutex
	fdSeq    atomic.Int64
	fdByConn = make(map[net.Conn]int)
)

// socketFD hands out a stable pseudo descriptor per connection so the
// connection manager can index connections the same way it does on Linux.
func socketFD(conn net.Conn) int {
	if pc, ok := conn.(*peekConn); ok {
		conn = pc.Conn
	}
	fdMu.Lock()
	defer fdMu.Unlock()
	fd, ok := fdByConn[conn]
	if !ok {
		fd = int(fdSeq.Add(1))
		fdByConn[conn] = fd
	}
	return fd
}

func forgetFD(conn net.Conn) {
	fdMu.Lock()
	delete(fdByConn, conn)
	fdMu.Unlock()
}
