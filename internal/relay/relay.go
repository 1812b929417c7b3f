// Package relay routes chat messages between session parties. Every message
// is gated on the session being active and on the sender having a positive
// balance; accepted messages are persisted, echoed to the sender, pushed to
// the receiver when reachable, and handed to the companion pipeline when the
// receiver is a companion.
package relay

import (
	"context"
	"log"
	"strconv"

	"github.com/paychat/chat-app/internal/messaging"
	"github.com/paychat/chat-app/internal/metrics"
	"github.com/paychat/chat-app/internal/protocol"
	"github.com/paychat/chat-app/internal/ratelimit"
	"github.com/paychat/chat-app/internal/session"
)

// Sessions looks up session rows for gating checks.
type Sessions interface {
	Get(ctx context.Context, id int64) (*session.Session, error)
}

// BalanceReader reads a user's current point balance.
type BalanceReader interface {
	Balance(ctx context.Context, userID int64) (float64, error)
}

// Exhauster force-ends a session whose payer ran out of points.
type Exhauster interface {
	EndExhausted(ctx context.Context, sessionID int64)
}

// Pusher delivers a message to a user's live connection. Push reports whether
// the user was reachable on this server.
type Pusher interface {
	Push(userID int64, msgType string, payload interface{}) bool
}

// CompanionChecker reports whether a user is a companion profile.
type CompanionChecker interface {
	IsCompanion(ctx context.Context, userID int64) (bool, error)
}

// CompanionPublisher hands a companion request to the responder pool.
type CompanionPublisher interface {
	PublishCompanionRequest(req messaging.CompanionRequest) error
}

// Messages persists and updates message rows.
type Messages interface {
	Insert(ctx context.Context, sessionID, senderID, receiverID int64, content string, read bool) (*Message, error)
	MarkRead(ctx context.Context, messageID int64) error
}

// Relay wires message persistence, delivery, and the companion pipeline
// behind the session and balance gates.
type Relay struct {
	store      Messages
	sessions   Sessions
	balances   BalanceReader
	ender      Exhauster
	pusher     Pusher
	companions CompanionChecker
	publisher  CompanionPublisher
	limiter    *ratelimit.Limiter // nil disables rate limiting
}

// New creates a relay. publisher may be nil when no responder pool is
// deployed; companion receivers then simply never reply. limiter may be nil
// to disable rate limiting.
func New(store Messages, sessions Sessions, balances BalanceReader, ender Exhauster,
	pusher Pusher, companions CompanionChecker, publisher CompanionPublisher,
	limiter *ratelimit.Limiter) *Relay {
	return &Relay{
		store:      store,
		sessions:   sessions,
		balances:   balances,
		ender:      ender,
		pusher:     pusher,
		companions: companions,
		publisher:  publisher,
		limiter:    limiter,
	}
}

// Send processes one inbound chat message from senderID. Rejections are
// reported back to the sender over their connection; the returned error only
// covers internal failures worth logging.
func (r *Relay) Send(ctx context.Context, senderID int64, msg protocol.SendMessageMsg) error {
	if r.limiter != nil {
		key := strconv.FormatInt(senderID, 10)
		allowed, _ := r.limiter.Allow(ctx, key, ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			r.pusher.Push(senderID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
			})
			return nil
		}
	}

	if err := ValidateContent(msg.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.pusher.Push(senderID, protocol.TypeMessageError, protocol.MessageErrorMsg{
			Message: err.Error(),
		})
		return nil
	}

	s, err := r.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if s == nil || s.Status != session.StatusActive || !s.IsParty(senderID) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.pusher.Push(senderID, protocol.TypeMessageError, protocol.MessageErrorMsg{
			Message: "Chat session is not active",
		})
		return nil
	}
	receiverID := s.Other(senderID)

	// A sender with nothing left cannot talk their way past the billing
	// timer: the message is rejected and the session is force-ended here
	// rather than waiting for the next tick.
	balance, err := r.balances.Balance(ctx, senderID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.pusher.Push(senderID, protocol.TypePointsExhausted, protocol.PointsExhaustedMsg{})
		r.ender.EndExhausted(ctx, s.ID)
		return nil
	}

	m, err := r.store.Insert(ctx, s.ID, senderID, receiverID, msg.Content, false)
	if err != nil {
		r.pusher.Push(senderID, protocol.TypeMessageError, protocol.MessageErrorMsg{
			Message: "Failed to send message",
		})
		return err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	payload := m.Payload()
	r.pusher.Push(senderID, protocol.TypeMessageConfirmed, protocol.MessageConfirmedMsg{
		Message: payload,
	})

	if delivered := r.pusher.Push(receiverID, protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: payload,
	}); delivered {
		if err := r.store.MarkRead(ctx, m.ID); err != nil {
			log.Printf("[relay] mark read msg=%d: %v", m.ID, err)
		}
	}

	if r.publisher != nil {
		isCompanion, err := r.companions.IsCompanion(ctx, receiverID)
		if err != nil {
			log.Printf("[relay] companion lookup user=%d: %v", receiverID, err)
			return nil
		}
		if isCompanion {
			req := messaging.CompanionRequest{
				SessionID:   s.ID,
				CompanionID: receiverID,
				HumanID:     senderID,
				Content:     msg.Content,
			}
			if err := r.publisher.PublishCompanionRequest(req); err != nil {
				log.Printf("[relay] publish companion request session=%d: %v", s.ID, err)
			}
		}
	}
	return nil
}

// Typing forwards a typing or stop-typing indicator to the sender's partner.
// Indicators are ephemeral: nothing is persisted, and indicators for inactive
// sessions are dropped silently.
func (r *Relay) Typing(ctx context.Context, senderID int64, msg protocol.TypingMsg, typing bool) {
	s, err := r.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		log.Printf("[relay] typing lookup session=%d: %v", msg.SessionID, err)
		return
	}
	if s == nil || s.Status != session.StatusActive || !s.IsParty(senderID) {
		return
	}

	msgType := protocol.TypeUserTyping
	if !typing {
		msgType = protocol.TypeUserStopTyping
	}
	r.pusher.Push(s.Other(senderID), msgType, protocol.UserTypingMsg{
		SessionID: s.ID,
		UserID:    senderID,
	})
}

// DeliverCompanionReply pushes a generated companion reply to its human
// recipient, if connected to this server.
func (r *Relay) DeliverCompanionReply(reply messaging.CompanionReply) {
	r.pusher.Push(reply.HumanID, protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: reply.Message,
	})
}
