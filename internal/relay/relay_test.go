package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paychat/chat-app/internal/messaging"
	"github.com/paychat/chat-app/internal/protocol"
	"github.com/paychat/chat-app/internal/session"
)

// fakeSessions serves canned session rows.
type fakeSessions struct {
	sessions map[int64]*session.Session
}

func (f *fakeSessions) Get(ctx context.Context, id int64) (*session.Session, error) {
	return f.sessions[id], nil
}

type fakeBalances map[int64]float64

func (f fakeBalances) Balance(ctx context.Context, userID int64) (float64, error) {
	return f[userID], nil
}

type fakeExhauster struct {
	ended []int64
}

func (f *fakeExhauster) EndExhausted(ctx context.Context, sessionID int64) {
	f.ended = append(f.ended, sessionID)
}

// fakePusher records pushes per user; users in offline are unreachable.
type fakePusher struct {
	mu      sync.Mutex
	offline map[int64]bool
	pushes  map[int64][]string // user -> message types, in order
}

func newFakePusher(offline ...int64) *fakePusher {
	p := &fakePusher{
		offline: make(map[int64]bool),
		pushes:  make(map[int64][]string),
	}
	for _, id := range offline {
		p.offline[id] = true
	}
	return p
}

func (p *fakePusher) Push(userID int64, msgType string, payload interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline[userID] {
		return false
	}
	p.pushes[userID] = append(p.pushes[userID], msgType)
	return true
}

func (p *fakePusher) types(userID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pushes[userID]...)
}

type fakeCompanions map[int64]bool

func (f fakeCompanions) IsCompanion(ctx context.Context, userID int64) (bool, error) {
	return f[userID], nil
}

type fakePublisher struct {
	requests []messaging.CompanionRequest
}

func (f *fakePublisher) PublishCompanionRequest(req messaging.CompanionRequest) error {
	f.requests = append(f.requests, req)
	return nil
}

// fakeMessages is an in-memory message store.
type fakeMessages struct {
	mu     sync.Mutex
	nextID int64
	msgs   map[int64]*Message
	read   map[int64]bool
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{nextID: 1, msgs: make(map[int64]*Message), read: make(map[int64]bool)}
}

func (f *fakeMessages) Insert(ctx context.Context, sessionID, senderID, receiverID int64, content string, read bool) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &Message{
		ID:         f.nextID,
		SessionID:  sessionID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Delivered:  true,
		Read:       read,
		CreatedAt:  time.Now(),
	}
	f.nextID++
	f.msgs[m.ID] = m
	f.read[m.ID] = read
	return m, nil
}

func (f *fakeMessages) MarkRead(ctx context.Context, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read[messageID] = true
	return nil
}

func activeSession(id, initiator, counterpart int64) *session.Session {
	return &session.Session{
		ID:            id,
		InitiatorID:   initiator,
		CounterpartID: counterpart,
		Status:        session.StatusActive,
		StartedAt:     time.Now(),
	}
}

type relayFixture struct {
	relay      *Relay
	messages   *fakeMessages
	pusher     *fakePusher
	exhauster  *fakeExhauster
	publisher  *fakePublisher
	sessions   *fakeSessions
	balances   fakeBalances
	companions fakeCompanions
}

func newRelayFixture(s *session.Session, balances fakeBalances, offline ...int64) *relayFixture {
	f := &relayFixture{
		messages:   newFakeMessages(),
		pusher:     newFakePusher(offline...),
		exhauster:  &fakeExhauster{},
		publisher:  &fakePublisher{},
		sessions:   &fakeSessions{sessions: map[int64]*session.Session{}},
		balances:   balances,
		companions: fakeCompanions{},
	}
	if s != nil {
		f.sessions.sessions[s.ID] = s
	}
	f.relay = New(f.messages, f.sessions, f.balances, f.exhauster,
		f.pusher, f.companions, f.publisher, nil)
	return f
}

func sendMsg(sessionID int64, content string) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{SessionID: sessionID, Content: content}
}

func TestSend_DeliversAndMarksRead(t *testing.T) {
	f := newRelayFixture(activeSession(10, 1, 2), fakeBalances{1: 50})

	if err := f.relay.Send(context.Background(), 1, sendMsg(10, "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.pusher.types(1); len(got) != 1 || got[0] != protocol.TypeMessageConfirmed {
		t.Errorf("sender pushes: %v", got)
	}
	if got := f.pusher.types(2); len(got) != 1 || got[0] != protocol.TypeNewMessage {
		t.Errorf("receiver pushes: %v", got)
	}
	if !f.messages.read[1] {
		t.Error("delivered message should be marked read")
	}
}

func TestSend_OfflineReceiverLeavesUnread(t *testing.T) {
	f := newRelayFixture(activeSession(10, 1, 2), fakeBalances{1: 50}, 2)

	if err := f.relay.Send(context.Background(), 1, sendMsg(10, "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.messages.msgs) != 1 {
		t.Fatal("message should still be persisted")
	}
	if f.messages.read[1] {
		t.Error("undelivered message must stay unread")
	}
}

func TestSend_InactiveSessionRejected(t *testing.T) {
	s := activeSession(10, 1, 2)
	s.Status = session.StatusEnded
	f := newRelayFixture(s, fakeBalances{1: 50})

	if err := f.relay.Send(context.Background(), 1, sendMsg(10, "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.messages.msgs) != 0 {
		t.Error("no message should be persisted for an ended session")
	}
	if got := f.pusher.types(1); len(got) != 1 || got[0] != protocol.TypeMessageError {
		t.Errorf("sender should get message_error, got %v", got)
	}
	if got := f.pusher.types(2); len(got) != 0 {
		t.Errorf("receiver should get nothing, got %v", got)
	}
}

func TestSend_NonPartyRejected(t *testing.T) {
	f := newRelayFixture(activeSession(10, 1, 2), fakeBalances{9: 50})

	if err := f.relay.Send(context.Background(), 9, sendMsg(10, "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.messages.msgs) != 0 {
		t.Error("non-party message must not be persisted")
	}
}

func TestSend_UnknownSessionRejected(t *testing.T) {
	f := newRelayFixture(nil, fakeBalances{1: 50})

	if err := f.relay.Send(context.Background(), 1, sendMsg(404, "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.pusher.types(1); len(got) != 1 || got[0] != protocol.TypeMessageError {
		t.Errorf("sender should get message_error, got %v", got)
	}
}

func TestSend_ZeroBalanceEndsSession(t *testing.T) {
	f := newRelayFixture(activeSession(10, 1, 2), fakeBalances{1: 0})

	if err := f.relay.Send(context.Background(), 1, sendMsg(10, "hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.messages.msgs) != 0 {
		t.Error("message must not be persisted on zero balance")
	}
	if got := f.pusher.types(1); len(got) != 1 || got[0] != protocol.TypePointsExhausted {
		t.Errorf("sender should get points_exhausted, got %v", got)
	}
	if len(f.exhauster.ended) != 1 || f.exhauster.ended[0] != 10 {
		t.Errorf("session should be force-ended, got %v", f.exhauster.ended)
	}
}

func TestSend_InvalidContentRejected(t *testing.T) {
	f := newRelayFixture(activeSession(10, 1, 2), fakeBalances{1: 50})

	for _, content := range []string{"", strings.Repeat("x", MaxMessageBytes+1)} {
		if err := f.relay.Send(context.Background(), 1, sendMsg(10, content)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(f.messages.msgs) != 0 {
		t.Error("invalid content must not be persisted")
	}
	if got := f.pusher.types(1); len(got) != 2 {
		t.Errorf("expected 2 message_error pushes, got %v", got)
	}
}

func TestSend_CompanionReceiverTriggersRequest(t *testing.T) {
	f := newRelayFixture(activeSession(10, 1, 2), fakeBalances{1: 50}, 2)
	f.companions[2] = true

	if err := f.relay.Send(context.Background(), 1, sendMsg(10, "hi there")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.publisher.requests) != 1 {
		t.Fatalf("expected 1 companion request, got %d", len(f.publisher.requests))
	}
	req := f.publisher.requests[0]
	if req.SessionID != 10 || req.CompanionID != 2 || req.HumanID != 1 || req.Content != "hi there" {
		t.Errorf("bad companion request: %+v", req)
	}
}

func TestSend_HumanReceiverNoCompanionRequest(t *testing.T) {
	f := newRelayFixture(activeSession(10, 1, 2), fakeBalances{1: 50})

	if err := f.relay.Send(context.Background(), 1, sendMsg(10, "hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.publisher.requests) != 0 {
		t.Errorf("no companion request expected, got %d", len(f.publisher.requests))
	}
}

func TestTyping_ForwardsToPartner(t *testing.T) {
	f := newRelayFixture(activeSession(10, 1, 2), fakeBalances{1: 50})

	f.relay.Typing(context.Background(), 1, protocol.TypingMsg{SessionID: 10}, true)
	f.relay.Typing(context.Background(), 1, protocol.TypingMsg{SessionID: 10}, false)

	got := f.pusher.types(2)
	if len(got) != 2 || got[0] != protocol.TypeUserTyping || got[1] != protocol.TypeUserStopTyping {
		t.Errorf("partner pushes: %v", got)
	}
	if len(f.pusher.types(1)) != 0 {
		t.Error("typing must not echo to the sender")
	}
}

func TestTyping_DroppedForInactiveSession(t *testing.T) {
	s := activeSession(10, 1, 2)
	s.Status = session.StatusEnded
	f := newRelayFixture(s, fakeBalances{1: 50})

	f.relay.Typing(context.Background(), 1, protocol.TypingMsg{SessionID: 10}, true)

	if len(f.pusher.types(2)) != 0 {
		t.Error("typing for ended session must be dropped")
	}
	if len(f.pusher.types(1)) != 0 {
		t.Error("no error event for dropped typing")
	}
}

func TestDeliverCompanionReply_PushesToHuman(t *testing.T) {
	f := newRelayFixture(nil, fakeBalances{})

	f.relay.DeliverCompanionReply(messaging.CompanionReply{
		HumanID: 7,
		Message: protocol.MessagePayload{ID: 3, SessionID: 10, Content: "hey"},
	})

	if got := f.pusher.types(7); len(got) != 1 || got[0] != protocol.TypeNewMessage {
		t.Errorf("human pushes: %v", got)
	}
}

func TestValidateContent(t *testing.T) {
	if err := ValidateContent("hello"); err != nil {
		t.Errorf("valid content rejected: %v", err)
	}
	if err := ValidateContent(""); err == nil {
		t.Error("empty content accepted")
	}
	if err := ValidateContent(strings.Repeat("a", MaxMessageBytes+1)); err == nil {
		t.Error("oversized content accepted")
	}
	if err := ValidateContent(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid UTF-8 accepted")
	}
}
