package companion

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/paychat/chat-app/internal/messaging"
	"github.com/paychat/chat-app/internal/metrics"
	"github.com/paychat/chat-app/internal/relay"
)

const (
	// Replies land after a humanizing delay of 1-3 seconds.
	minReplyDelay = 1 * time.Second
	replyJitter   = 2 * time.Second

	generateTimeout = 20 * time.Second
)

// Canned responses used when the model call fails.
var fallbackReplies = []string{
	"That's interesting! Tell me more.",
	"I see what you mean!",
	"Haha, that's funny! 😄",
	"Really? That sounds cool!",
	"Nice! What else is new?",
}

// FallbackReply picks a canned response.
func FallbackReply() string {
	return fallbackReplies[rand.Intn(len(fallbackReplies))]
}

// ReplyDelay returns a randomized humanizing delay in [1s, 3s).
func ReplyDelay() time.Duration {
	return minReplyDelay + time.Duration(rand.Int63n(int64(replyJitter)))
}

// Sessions checks whether a session is still worth replying into.
type Sessions interface {
	IsActive(ctx context.Context, id int64) (bool, error)
}

// Messages reads conversation context and persists the reply.
type Messages interface {
	RecentBySession(ctx context.Context, sessionID int64, limit int) ([]*relay.Message, error)
	Insert(ctx context.Context, sessionID, senderID, receiverID int64, content string, read bool) (*relay.Message, error)
}

// Personas resolves a companion's persona.
type Personas interface {
	Persona(ctx context.Context, userID int64) (string, bool, error)
}

// ReplyPublisher routes the finished reply back to the human's server.
type ReplyPublisher interface {
	PublishCompanionReply(reply messaging.CompanionReply) error
}

// Responder turns companion requests into delayed, persona-shaped replies.
// Each request is handled on its own goroutine so slow model calls do not
// serialize unrelated conversations.
type Responder struct {
	profiles  Personas
	messages  Messages
	sessions  Sessions
	generator Generator
	publisher ReplyPublisher

	// delay is swappable for tests.
	delay func() time.Duration

	wg sync.WaitGroup
}

// NewResponder creates a responder service.
func NewResponder(profiles Personas, messages Messages, sessions Sessions,
	generator Generator, publisher ReplyPublisher) *Responder {
	return &Responder{
		profiles:  profiles,
		messages:  messages,
		sessions:  sessions,
		generator: generator,
		publisher: publisher,
		delay:     ReplyDelay,
	}
}

// Handle accepts one companion request and schedules the reply. It returns
// immediately; the reply lands after the humanizing delay.
func (r *Responder) Handle(req messaging.CompanionRequest) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		time.Sleep(r.delay())
		r.respond(req)
	}()
}

// Shutdown waits for in-flight replies to finish, up to the context deadline.
func (r *Responder) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Responder) respond(req messaging.CompanionRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	// The session may have ended (or run dry) during the delay. A reply into
	// a dead session would resurrect nothing; drop it.
	active, err := r.sessions.IsActive(ctx, req.SessionID)
	if err != nil {
		log.Printf("[responder] session check session=%d: %v", req.SessionID, err)
		return
	}
	if !active {
		return
	}

	persona, ok, err := r.profiles.Persona(ctx, req.CompanionID)
	if err != nil {
		log.Printf("[responder] persona user=%d: %v", req.CompanionID, err)
		return
	}
	if !ok {
		log.Printf("[responder] user=%d has no companion profile, dropping request", req.CompanionID)
		return
	}

	history, userMessage := r.buildContext(ctx, req)

	reply, err := r.generator.Reply(ctx, persona, history, userMessage)
	if err != nil {
		log.Printf("[responder] model error session=%d: %v (using fallback)", req.SessionID, err)
		reply = FallbackReply()
		metrics.CompanionReplies.WithLabelValues("fallback").Inc()
	} else {
		metrics.CompanionReplies.WithLabelValues("model").Inc()
	}

	// Companion replies are born read: the companion is its own recipient's
	// eyes, and the human sees it as a fresh incoming message regardless.
	m, err := r.messages.Insert(ctx, req.SessionID, req.CompanionID, req.HumanID, reply, true)
	if err != nil {
		log.Printf("[responder] insert reply session=%d: %v", req.SessionID, err)
		return
	}
	metrics.MessagesTotal.WithLabelValues("companion").Inc()

	if err := r.publisher.PublishCompanionReply(messaging.CompanionReply{
		HumanID: req.HumanID,
		Message: m.Payload(),
	}); err != nil {
		log.Printf("[responder] publish reply session=%d: %v", req.SessionID, err)
	}
}

// buildContext loads the last ten messages of the session as model turns.
// The triggering message is already persisted, so when it shows up as the
// final turn it is lifted out of the history and passed as the user message;
// otherwise the request content stands alone.
func (r *Responder) buildContext(ctx context.Context, req messaging.CompanionRequest) ([]Turn, string) {
	recent, err := r.messages.RecentBySession(ctx, req.SessionID, 10)
	if err != nil {
		log.Printf("[responder] history session=%d: %v (replying without context)", req.SessionID, err)
		return nil, req.Content
	}

	turns := make([]Turn, 0, len(recent))
	for _, m := range recent {
		turns = append(turns, Turn{
			FromCompanion: m.SenderID == req.CompanionID,
			Content:       m.Content,
		})
	}
	if n := len(turns); n > 0 && !turns[n-1].FromCompanion && turns[n-1].Content == req.Content {
		turns = turns[:n-1]
	}
	return turns, req.Content
}
