package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// A connection is anonymous until it authenticates; the bound user ID is
// managed through the ConnectionManager so the user index stays consistent.
type Connection struct {
	ID         string     // connection ID (UUID)
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last heartbeat received from the client
	userID     int64      // atomic; 0 until authenticated
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// UserID returns the user bound to this connection, or 0 if the connection
// has not authenticated yet.
func (c *Connection) UserID() int64 {
	return atomic.LoadInt64(&c.userID)
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs, file
// descriptors, and authenticated user IDs to their respective Connection
// objects. All three lookups are O(1). The user index has last-writer-wins
// semantics: re-authenticating on a new connection replaces the entry, and
// the stale connection simply stops being a delivery target.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection // connection_id -> Connection
	byFd   map[int]*Connection    // fd -> Connection
	byUser map[int64]*Connection  // user_id -> current Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[int64]*Connection),
	}
}

// Add registers a new connection in the ID and fd lookup maps. The user
// index is populated later, when the connection authenticates.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// BindUser associates an authenticated user with a connection, replacing any
// previous binding for that user. The replaced connection is not closed; it
// only ceases to be the user's delivery target. Returns false if the
// connection is no longer registered.
func (cm *ConnectionManager) BindUser(connID string, userID int64) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[connID]
	if !ok {
		return false
	}

	// If this connection was previously bound to a different user, drop
	// that entry so the old user does not resolve to someone else's socket.
	if prev := atomic.LoadInt64(&conn.userID); prev != 0 && prev != userID {
		if cur, ok := cm.byUser[prev]; ok && cur.ID == connID {
			delete(cm.byUser, prev)
		}
	}

	atomic.StoreInt64(&conn.userID, userID)
	cm.byUser[userID] = conn
	return true
}

// ResolveUser returns the current connection for a user, or nil if the user
// has no live authenticated connection. Absence is not an error; it means
// there is nothing to deliver to.
func (cm *ConnectionManager) ResolveUser(userID int64) *Connection {
	cm.mu.RLock()
	conn := cm.byUser[userID]
	cm.mu.RUnlock()
	return conn
}

// Remove removes a connection by connection ID, closes the underlying network
// connection, and removes it from all lookup maps. The user binding is only
// dropped if this connection is still the user's current one, so a newer
// connection from a re-authentication is left intact. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if uid := atomic.LoadInt64(&conn.userID); uid != 0 {
			if cur, bound := cm.byUser[uid]; bound && cur.ID == id {
				delete(cm.byUser, uid)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// RemoveByFd removes a connection by file descriptor with the same semantics
// as Remove. It returns the removed connection, or nil if no connection was
// registered for that fd.
func (cm *ConnectionManager) RemoveByFd(fd int) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byFd[fd]
	if ok {
		delete(cm.byFd, fd)
		delete(cm.byID, conn.ID)
		if uid := atomic.LoadInt64(&conn.userID); uid != 0 {
			if cur, bound := cm.byUser[uid]; bound && cur.ID == conn.ID {
				delete(cm.byUser, uid)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
		return conn
	}
	return nil
}

// Get returns the connection for the given connection ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Authenticated returns a snapshot of all connections that have a bound user.
// The returned slice is safe to iterate without holding the lock.
func (cm *ConnectionManager) Authenticated() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser))
	for _, conn := range cm.byUser {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
