// Package client provides a reusable WebSocket load test client for the
// Paychat server. It connects using gobwas/ws (the same library the server
// uses), automatically performs the authenticate handshake, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate = "authenticate"
	TypeInitiateChat = "initiate_chat"
	TypeSendMessage  = "send_message"
	TypeTyping       = "typing"
	TypeStopTyping   = "stop_typing"
	TypeEndChat      = "end_chat"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeAuthenticated     = "authenticated"
	TypeActiveUsersUpdate = "active_users_update"
	TypeChatStarted       = "chat_started"
	TypeMessageConfirmed  = "message_confirmed"
	TypeNewMessage        = "new_message"
	TypePointsUpdate      = "points_update"
	TypePointsExhausted   = "points_exhausted"
	TypeChatEnded         = "chat_ended"
	TypeChatError         = "chat_error"
	TypeMessageError      = "message_error"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	AuthLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the Paychat server.
// It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and performs the authenticate handshake on connect.
type Client struct {
	conn          net.Conn
	userID        int64
	authenticated atomic.Bool
	mu            sync.Mutex
	metrics       Metrics
	handlers      map[string]func(json.RawMessage)
	done          chan struct{}
	closeOnce     sync.Once
	connectedAt   time.Time
}

// New creates a new load test client connected to the given WebSocket URL as
// the given user. The connection is established immediately, a background
// goroutine begins reading messages, and an authenticate message is sent
// right away. Use WaitForAuth to block until the server confirms the binding.
func New(ctx context.Context, url string, userID int64) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:        conn,
		userID:      userID,
		handlers:    make(map[string]func(json.RawMessage)),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	if err := c.Send(map[string]interface{}{
		"type":    TypeAuthenticate,
		"user_id": userID,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendChatMessage sends a chat message into the given session.
func (c *Client) SendChatMessage(sessionID int64, content string) error {
	return c.Send(map[string]interface{}{
		"type":       TypeSendMessage,
		"session_id": sessionID,
		"sender_id":  c.userID,
		"content":    content,
	})
}

// InitiateChat asks the server to start a billed session against targetID.
func (c *Client) InitiateChat(targetID int64) error {
	return c.Send(map[string]interface{}{
		"type":           TypeInitiateChat,
		"user_id":        c.userID,
		"target_user_id": targetID,
	})
}

// EndChat ends the given session.
func (c *Client) EndChat(sessionID int64) error {
	return c.Send(map[string]interface{}{
		"type":       TypeEndChat,
		"session_id": sessionID,
		"user_id":    c.userID,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForAuth blocks until the server confirms the authenticate handshake or
// the context is cancelled.
func (c *Client) WaitForAuth(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before authentication")
		case <-ticker.C:
			if c.authenticated.Load() {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user this client connected as.
func (c *Client) UserID() int64 {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle authenticated internally so WaitForAuth can observe it.
		if envelope.Type == TypeAuthenticated && !c.authenticated.Load() {
			c.authenticated.Store(true)
			c.metrics.AuthLatency = time.Since(c.connectedAt)
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
