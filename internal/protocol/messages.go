// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
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
	TypeUserTyping        = "user_typing"
	TypeUserStopTyping    = "user_stop_typing"
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
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg binds the connection to a user identity. Re-authenticating
// replaces any previous connection registered for that user.
type AuthenticateMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// InitiateChatMsg requests a metered chat session against a target user.
// The sender becomes the initiator and is the only party billed.
type InitiateChatMsg struct {
	Type         string `json:"type"`
	UserID       int64  `json:"user_id"`
	TargetUserID int64  `json:"target_user_id"`
}

// SendMessageMsg is a chat message sent within an active session.
type SendMessageMsg struct {
	Type       string `json:"type"`
	SessionID  int64  `json:"session_id"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// TypingMsg is the ephemeral typing/stop-typing indicator. It is forwarded
// to the receiver if reachable, never stored.
type TypingMsg struct {
	Type       string `json:"type"`
	SessionID  int64  `json:"session_id"`
	UserID     int64  `json:"user_id"`
	ReceiverID int64  `json:"receiver_id"`
}

// EndChatMsg requests that an active session be ended. The caller must be a
// party to the session.
type EndChatMsg struct {
	Type      string `json:"type"`
	SessionID int64  `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms that the connection is bound to a user.
type AuthenticatedMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// ActiveUser is one entry in the active users list pushed to clients.
type ActiveUser struct {
	UserID      int64      `json:"user_id"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	IsCompanion bool       `json:"is_companion"`
}

// ActiveUsersUpdateMsg carries the current online user list, excluding the
// recipient itself.
type ActiveUsersUpdateMsg struct {
	Type  string       `json:"type"`
	Users []ActiveUser `json:"users"`
}

// ChatStartedMsg confirms that a chat session is active and billing has begun.
type ChatStartedMsg struct {
	Type         string `json:"type"`
	SessionID    int64  `json:"session_id"`
	TargetUserID int64  `json:"target_user_id"`
}

// MessagePayload is the persisted message echoed back to clients.
type MessagePayload struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	Delivered  bool      `json:"is_delivered"`
	Read       bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageConfirmedMsg echoes a persisted message back to its sender.
type MessageConfirmedMsg struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

// NewMessageMsg delivers a message to its receiver.
type NewMessageMsg struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

// UserTypingMsg relays the partner's typing or stop-typing indicator.
type UserTypingMsg struct {
	Type      string `json:"type"`
	SessionID int64  `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

// PointsUpdateMsg pushes the payer's remaining balance after a billing tick.
type PointsUpdateMsg struct {
	Type   string  `json:"type"`
	Points float64 `json:"points"`
}

// PointsExhaustedMsg tells the payer their balance ran out.
type PointsExhaustedMsg struct {
	Type string `json:"type"`
}

// ChatEndedMsg tells a party that the session ended, with a human-readable
// reason.
type ChatEndedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ChatErrorMsg reports a session-level error (failed initiation, unauthorized
// end, and similar).
type ChatErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MessageErrorMsg reports a message-level error (inactive session, invalid
// content).
type MessageErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate a protocol-level error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeInitiateChat:
		var m InitiateChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping, TypeStopTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndChat:
		var m EndChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
