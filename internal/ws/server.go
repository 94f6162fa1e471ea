// Package ws handles WebSocket connection management: upgrading HTTP
// connections, multiplexing reads over epoll with a bounded worker pool, and
// writing frames back to sessions. It knows nothing about chat semantics;
// the application hooks in through the connect, message and disconnect
// callbacks.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // larger data frames close the connection
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // frames buffered per connection before it is dropped
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for read
// readiness, and dispatches ready connections to a bounded worker pool.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onConnect    func(conn *Connection)
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	httpServer   *http.Server
	log          zerolog.Logger
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame received from a client.
func NewServer(config ServerConfig, logger zerolog.Logger, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		log:        logging.Component(logger, "ws"),
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked once a new connection is
// registered and readable. It runs on the upgrading request's goroutine.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed (read error, heartbeat timeout or close frame).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start creates the epoll instance, starts the event loop and heartbeat, and
// serves handler on the configured address. It blocks until the HTTP server
// stops. handler is expected to route upgrade requests to HandleUpgrade.
func (s *Server) Start(handler http.Handler) error {
	if err := s.Init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: handler,
	}

	s.log.Info().Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Init creates the epoll instance and starts the background loops without
// serving HTTP. Start calls it; tests that mount HandleUpgrade on their own
// listener call it directly.
func (s *Server) Init() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader and registers it with epoll.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := NewConnection(uuid.New().String(), conn, s.config.SendQueueSize)
	s.conns.Add(c)
	s.startWriter(c)

	// The application greets the session before epoll can deliver its first
	// frame, so no client event is processed for an unknown session.
	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("session", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Debug().Str("session", c.ID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed to
// a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				s.log.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled inline; a failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// Stale dispatch: nothing to read. The heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.log.Warn().Str("session", c.ID).Int64("bytes", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection manager
// and closes it. Concurrent callers race safely: only the first one runs the
// disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.log.Debug().Str("session", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// startWriter runs c's writer goroutine. A failed write removes the
// connection.
func (s *Server) startWriter(c *Connection) {
	go c.writeLoop(s.config.WriteTimeout, func(err error) {
		s.log.Debug().Err(err).Str("session", c.ID).Msg("write failed")
		s.RemoveConnection(c)
	})
}

// SendMessage queues a text frame for the connection identified by connID.
// It never waits for the network: a client whose queue is full is dropped,
// so one slow reader cannot hold up its callers. It is safe for concurrent
// use.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	err := c.Enqueue(data)
	if errors.Is(err, ErrSendQueueFull) {
		metrics.FramesDropped.WithLabelValues(metrics.DropSendQueueFull).Inc()
		s.log.Warn().Str("session", connID).Msg("send queue full, dropping slow client")
		go s.RemoveConnection(c)
	}
	if err != nil {
		return fmt.Errorf("ws: send to %s: %w", connID, err)
	}
	return nil
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then removes every
// connection so the disconnect callback sees each one.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")

	close(s.done)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.log.Info().Msg("server stopped, all connections closed")
	return nil
}

// isEINTR reports whether err is an interrupted system call, which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
