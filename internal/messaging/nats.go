// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the WebSocket server and the companion responder. It handles
// connection lifecycle, subject-based subscriptions, and convenience methods
// for the companion request/reply channels.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/paychat/chat-app/internal/protocol"
)

// NATS subject patterns used between services.
const (
	SubjectCompanionRequest = "companion.request"
	SubjectCompanionReply   = "companion.reply" // + .<human_user_id>

	// CompanionQueue is the queue group for responder workers, so that each
	// request is handled by exactly one responder instance.
	CompanionQueue = "responders"
)

// CompanionRequest asks a responder to generate a reply for a companion.
type CompanionRequest struct {
	SessionID   int64  `json:"session_id"`
	CompanionID int64  `json:"companion_id"`
	HumanID     int64  `json:"human_id"`
	Content     string `json:"content"`
}

// CompanionReply carries the persisted companion message back to whichever
// WebSocket server holds the human's connection.
type CompanionReply struct {
	HumanID int64                   `json:"human_id"`
	Message protocol.MessagePayload `json:"message"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "paychat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishCompanionRequest asks the responder pool to generate a reply.
func (c *NATSClient) PublishCompanionRequest(req CompanionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("nats marshal companion request: %w", err)
	}
	return c.Publish(SubjectCompanionRequest, data)
}

// SubscribeCompanionRequests registers a queue-group handler for companion
// requests, so requests are load balanced across responder instances.
func (c *NATSClient) SubscribeCompanionRequests(handler func(req CompanionRequest)) error {
	sub, err := c.conn.QueueSubscribe(SubjectCompanionRequest, CompanionQueue, func(msg *nats.Msg) {
		var req CompanionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("[nats] bad companion request: %v", err)
			return
		}
		handler(req)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectCompanionRequest, err)
	}

	c.mu.Lock()
	c.subs[SubjectCompanionRequest] = sub
	c.mu.Unlock()
	return nil
}

// PublishCompanionReply publishes a generated reply addressed to its human
// recipient's subject.
func (c *NATSClient) PublishCompanionReply(reply CompanionReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("nats marshal companion reply: %w", err)
	}
	subject := SubjectCompanionReply + "." + strconv.FormatInt(reply.HumanID, 10)
	return c.Publish(subject, data)
}

// SubscribeCompanionReplies subscribes to all companion replies. Every
// WebSocket server subscribes to the wildcard and drops replies for users it
// does not hold a connection for.
func (c *NATSClient) SubscribeCompanionReplies(handler func(reply CompanionReply)) error {
	subject := SubjectCompanionReply + ".>"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var reply CompanionReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			log.Printf("[nats] bad companion reply: %v", err)
			return
		}
		handler(reply)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
