// Package presence tracks which users are currently reachable over a live
// WebSocket connection. It owns the user-to-connection mapping (with
// replace-on-reauthenticate semantics), persists presence records, pushes
// server-initiated events to specific users, and broadcasts the active user
// list whenever presence changes.
package presence

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/paychat/chat-app/internal/protocol"
	"github.com/paychat/chat-app/internal/ws"
)

// SessionEnder is the session-manager surface the disconnect cascade needs.
type SessionEnder interface {
	EndAllForUser(ctx context.Context, userID int64, reason string)
}

// CompanionDirectory identifies companion accounts, which appear in the
// active user list even though they never hold a live connection.
type CompanionDirectory interface {
	Companions(ctx context.Context) ([]int64, error)
}

// Registry is the presence service: an explicit, injectable map from user id
// to live connection, plus the persisted record store behind it.
type Registry struct {
	server     *ws.Server
	records    *RecordStore
	companions CompanionDirectory
	sessions   SessionEnder
}

// NewRegistry creates a presence registry over the given transport server
// and record store. The session ender is attached afterwards via
// SetSessionEnder, since the session manager's notifier is the registry
// itself.
func NewRegistry(server *ws.Server, records *RecordStore, companions CompanionDirectory) *Registry {
	return &Registry{
		server:     server,
		records:    records,
		companions: companions,
	}
}

// SetSessionEnder assigns the session manager used by the disconnect cascade.
func (r *Registry) SetSessionEnder(sessions SessionEnder) {
	r.sessions = sessions
}

// Authenticate binds a connection to a user, replacing any previous
// connection registered for that user (last writer wins — the stale handle
// is not closed, it just stops receiving user-targeted events). The presence
// record is persisted and every connected client gets a fresh user list.
// Re-authenticating the same user on the same connection is a harmless
// replace.
func (r *Registry) Authenticate(ctx context.Context, userID int64, conn *ws.Connection) error {
	if !r.server.Connections().BindUser(conn.ID, userID) {
		// The connection dropped before we got here; nothing to register.
		return nil
	}

	if err := r.records.SetOnline(ctx, userID, conn.ID); err != nil {
		log.Printf("presence: persist online failed user=%d: %v", userID, err)
	}

	log.Printf("presence: user=%d authenticated conn=%s", userID, conn.ID)
	r.BroadcastActiveUsers(ctx)
	return nil
}

// Disconnect handles a transport-level close. If the connection was bound to
// a user and no newer connection has replaced it, the user goes offline:
// the record is stamped with last_seen, presence is re-broadcast, and every
// active session naming the user (either side) is ended.
func (r *Registry) Disconnect(ctx context.Context, conn *ws.Connection) {
	userID := conn.UserID()
	if userID == 0 {
		return // never authenticated
	}

	// A re-authentication may already have bound the user to a newer
	// connection; in that case the user is still reachable and nothing
	// here should tear their sessions down.
	if cur := r.server.Connections().ResolveUser(userID); cur != nil {
		log.Printf("presence: user=%d disconnect on stale conn=%s ignored", userID, conn.ID)
		return
	}

	if err := r.records.SetOffline(ctx, userID); err != nil {
		log.Printf("presence: persist offline failed user=%d: %v", userID, err)
	}

	log.Printf("presence: user=%d offline (conn=%s)", userID, conn.ID)
	r.BroadcastActiveUsers(ctx)

	if r.sessions != nil {
		r.sessions.EndAllForUser(ctx, userID, "User disconnected")
	}
}

// Resolve returns the user's current live connection, or nil if the user is
// not reachable. A nil result is not an error: it means deliver nothing.
func (r *Registry) Resolve(userID int64) *ws.Connection {
	return r.server.Connections().ResolveUser(userID)
}

// BroadcastActiveUsers pushes the current online user list to every
// authenticated connection, excluding the recipient from its own list. The
// list is computed fresh on every call rather than patched incrementally.
// Companion accounts are always listed as online even though they hold no
// connection.
func (r *Registry) BroadcastActiveUsers(ctx context.Context) {
	conns := r.server.Connections().Authenticated()

	now := time.Now()
	online := make(map[int64]protocol.ActiveUser, len(conns))
	for _, c := range conns {
		uid := c.UserID()
		if uid == 0 {
			continue
		}
		online[uid] = protocol.ActiveUser{UserID: uid, Online: true, LastSeen: &now}
	}

	if r.companions != nil {
		ids, err := r.companions.Companions(ctx)
		if err != nil {
			log.Printf("presence: companion list failed: %v", err)
		}
		for _, id := range ids {
			online[id] = protocol.ActiveUser{UserID: id, Online: true, IsCompanion: true}
		}
	}

	for _, c := range conns {
		self := c.UserID()
		users := make([]protocol.ActiveUser, 0, len(online))
		for uid, u := range online {
			if uid == self {
				continue
			}
			users = append(users, u)
		}
		sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

		data, err := protocol.NewServerMessage(protocol.TypeActiveUsersUpdate, protocol.ActiveUsersUpdateMsg{
			Users: users,
		})
		if err != nil {
			log.Printf("presence: build active_users_update failed: %v", err)
			return
		}
		if err := c.WriteMessage(data); err != nil {
			// Dead connections are evicted by the heartbeat; skip.
			continue
		}
	}
}

// Push builds a server message of the given type and delivers it to the
// user's current connection. Returns false if the user is unreachable —
// which callers treat as "deliver nothing", never as a failure.
func (r *Registry) Push(userID int64, msgType string, payload interface{}) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("presence: build %s for user=%d failed: %v", msgType, userID, err)
		return false
	}
	delivered, err := r.server.SendToUser(userID, data)
	if err != nil {
		log.Printf("presence: push %s to user=%d failed: %v", msgType, userID, err)
		return false
	}
	return delivered
}

// NotifyPointsUpdate pushes the payer's remaining balance after a billing
// tick.
func (r *Registry) NotifyPointsUpdate(userID int64, points float64) {
	r.Push(userID, protocol.TypePointsUpdate, protocol.PointsUpdateMsg{Points: points})
}

// NotifyPointsExhausted tells the payer their balance ran out.
func (r *Registry) NotifyPointsExhausted(userID int64) {
	r.Push(userID, protocol.TypePointsExhausted, protocol.PointsExhaustedMsg{})
}

// NotifyChatEnded tells a party that a session ended and why.
func (r *Registry) NotifyChatEnded(userID int64, reason string) {
	r.Push(userID, protocol.TypeChatEnded, protocol.ChatEndedMsg{Reason: reason})
}
