//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes read readiness for all WebSocket connections through a
// single kernel epoll instance. Connections are registered by file
// descriptor, so the server needs no per-connection reader goroutine: Wait
// returns only the connections that actually have data pending.
type Epoll struct {
	fd int

	mu    sync.RWMutex
	conns map[int]net.Conn

	// Event buffer reused across Wait calls. The kernel delivers at most
	// len(events) per wakeup; anything beyond that arrives on the next call.
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers conn for read readiness. EPOLLRDHUP is included so a peer
// half-close wakes the event loop and lets the normal read path observe the
// closed connection.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	event := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &event); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove unregisters conn. The fd may already be gone from the interest list
// if the socket was closed first; that is not treated as an error.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		err = nil
	}

	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()
	return err
}

// Wait blocks until at least one registered connection is readable and
// returns those connections. An fd that was removed between the kernel
// wakeup and the map lookup is skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.conns[int(e.events[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns conn's underlying file descriptor without duplicating it.
// Duplication (via File()) would leave epoll watching a different fd than
// the one the connection reads from.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
