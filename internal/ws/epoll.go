//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMillis bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMillis = 500

// Epoll multiplexes connection reads over a single Linux epoll instance.
// Connections are indexed by file descriptor; the kernel reports which ones
// have data so no goroutine is parked per idle connection.
type Epoll struct {
	fd          int
	connections map[int]net.Conn  // fd -> conn
	mu          sync.RWMutex      // protects connections
	events      []unix.EpollEvent // reused by Wait; Wait is single-caller
}

// NewEpoll creates a new epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add starts watching conn for readability and peer hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. The map entry is dropped even when the kernel
// already forgot the descriptor because the socket was closed.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	delete(e.connections, fd)
	e.mu.Unlock()

	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Resume is a no-op: level-triggered epoll reports the descriptor again while
// unread data remains.
func (e *Epoll) Resume(net.Conn) {}

// Wait blocks until registered connections are readable or the wait times
// out, in which case it returns no connections. Descriptors removed between
// epoll_wait returning and the lookup are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMillis)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// socketFD extracts the descriptor through SyscallConn, which unlike File()
// does not dup it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
