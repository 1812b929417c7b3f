package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/paychat/chat-app/internal/protocol"
)

// Message is one persisted chat message. Content is immutable once written;
// only the delivered/read flags may change, and only from false to true.
type Message struct {
	ID         int64
	SessionID  int64
	SenderID   int64
	ReceiverID int64
	Content    string
	Delivered  bool
	Read       bool
	CreatedAt  time.Time
}

// Payload converts the message to its wire form.
func (m *Message) Payload() protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:         m.ID,
		SessionID:  m.SessionID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Delivered:  m.Delivered,
		Read:       m.Read,
		CreatedAt:  m.CreatedAt,
	}
}

// MessageStore manages message rows in PostgreSQL.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a message store backed by the given database handle.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, session_id, sender_id, receiver_id, content, is_delivered, is_read, created_at`

// Insert persists a message as delivered. read is false for human messages
// (flipped once pushed to a live receiver) and true for companion replies,
// which are born read by their companion recipient.
func (s *MessageStore) Insert(ctx context.Context, sessionID, senderID, receiverID int64, content string, read bool) (*Message, error) {
	query := `
		INSERT INTO messages (session_id, sender_id, receiver_id, content, is_delivered, is_read)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		RETURNING ` + messageColumns

	var m Message
	err := s.db.QueryRowContext(ctx, query, sessionID, senderID, receiverID, content, read).
		Scan(&m.ID, &m.SessionID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Delivered, &m.Read, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("relay: insert message: %w", err)
	}
	return &m, nil
}

// MarkRead flips the read flag to true. The flag never transitions back.
func (s *MessageStore) MarkRead(ctx context.Context, messageID int64) error {
	const query = `UPDATE messages SET is_read = TRUE WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("relay: mark read %d: %w", messageID, err)
	}
	return nil
}

// RecentBySession returns the last limit messages of a session in
// chronological order (oldest first) — the shape the companion responder
// feeds to the model.
func (s *MessageStore) RecentBySession(ctx context.Context, sessionID int64, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	return s.query(ctx, query, sessionID, limit)
}

// History returns a page of a session's messages, oldest first.
func (s *MessageStore) History(ctx context.Context, sessionID int64, limit, offset int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`

	return s.query(ctx, query, sessionID, limit, offset)
}

func (s *MessageStore) query(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relay: query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.Delivered, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("relay: scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
