package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Storage with the same pair semantics as the
// PostgreSQL store: one row per ordered pair, active rows preferred.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*Session
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, sessions: make(map[int64]*Session)}
}

func (s *memStore) Get(ctx context.Context, id int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		cp := *sess
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) FindByPair(ctx context.Context, initiatorID, counterpartID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Session
	for _, sess := range s.sessions {
		if sess.InitiatorID != initiatorID || sess.CounterpartID != counterpartID {
			continue
		}
		if best == nil {
			best = sess
			continue
		}
		// Active beats ended; newer start beats older.
		if sess.Status == StatusActive && best.Status != StatusActive {
			best = sess
		} else if sess.Status == best.Status && sess.StartedAt.After(best.StartedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) Insert(ctx context.Context, initiatorID, counterpartID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &Session{
		ID:            s.nextID,
		InitiatorID:   initiatorID,
		CounterpartID: counterpartID,
		Status:        StatusActive,
		StartedAt:     time.Now(),
	}
	s.nextID++
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *memStore) Reactivate(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errors.New("not found")
	}
	sess.Status = StatusActive
	sess.StartedAt = time.Now()
	sess.EndedAt = nil
	return nil
}

func (s *memStore) End(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != StatusActive {
		return false, nil
	}
	now := time.Now()
	sess.Status = StatusEnded
	sess.EndedAt = &now
	return true, nil
}

func (s *memStore) ActiveForUser(ctx context.Context, userID int64) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.Status == StatusActive && sess.IsParty(userID) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) setCounters(id int64, points float64, seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id].PointsConsumed = points
	s.sessions[id].DurationSeconds = seconds
}

func (s *memStore) counters(id int64) (float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].PointsConsumed, s.sessions[id].DurationSeconds
}

// memBalances is a fixed balance table.
type memBalances map[int64]float64

func (b memBalances) Balance(ctx context.Context, userID int64) (float64, error) {
	return b[userID], nil
}

// memTimers records attach/cancel calls and tracks which timers are live.
type memTimers struct {
	mu       sync.Mutex
	rate     float64
	attached map[int64]int
	running  map[int64]bool
}

func newMemTimers(rate float64) *memTimers {
	return &memTimers{
		rate:     rate,
		attached: make(map[int64]int),
		running:  make(map[int64]bool),
	}
}

func (t *memTimers) Attach(sessionID, payerID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attached[sessionID]++
	t.running[sessionID] = true
}

func (t *memTimers) Cancel(sessionID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[sessionID] = false
}

func (t *memTimers) Rate() float64 { return t.rate }

func (t *memTimers) isRunning(sessionID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running[sessionID]
}

// memNotifier records lifecycle notifications per user.
type memNotifier struct {
	mu        sync.Mutex
	ended     map[int64][]string
	exhausted map[int64]int
}

func newMemNotifier() *memNotifier {
	return &memNotifier{
		ended:     make(map[int64][]string),
		exhausted: make(map[int64]int),
	}
}

func (n *memNotifier) NotifyChatEnded(userID int64, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended[userID] = append(n.ended[userID], reason)
}

func (n *memNotifier) NotifyPointsExhausted(userID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exhausted[userID]++
}

func (n *memNotifier) endedReasons(userID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ended[userID]...)
}

func newTestManager(balances memBalances) (*Manager, *memStore, *memTimers, *memNotifier) {
	store := newMemStore()
	timers := newMemTimers(0.1667)
	notifier := newMemNotifier()
	return NewManager(store, balances, timers, notifier), store, timers, notifier
}

func TestInitiate_InsufficientBalance(t *testing.T) {
	mgr, store, timers, _ := newTestManager(memBalances{1: 0.1})

	_, bal, err := mgr.Initiate(context.Background(), 1, 2)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if bal != 0.1 {
		t.Errorf("expected balance 0.1 back, got %f", bal)
	}
	if len(store.sessions) != 0 {
		t.Error("no session should be created on insufficient balance")
	}
	if len(timers.attached) != 0 {
		t.Error("no timer should be attached on insufficient balance")
	}
}

func TestInitiate_CreatesSessionAndTimer(t *testing.T) {
	mgr, _, timers, _ := newTestManager(memBalances{1: 100})

	s, bal, err := mgr.Initiate(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusActive {
		t.Errorf("expected active session, got %q", s.Status)
	}
	if bal != 100 {
		t.Errorf("expected balance 100, got %f", bal)
	}
	if !timers.isRunning(s.ID) {
		t.Error("billing timer should be running")
	}
}

func TestInitiate_IdempotentWhileActive(t *testing.T) {
	mgr, store, _, _ := newTestManager(memBalances{1: 100})
	ctx := context.Background()

	s1, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	s2, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	if s1.ID != s2.ID {
		t.Errorf("re-initiation should reuse session: %d vs %d", s1.ID, s2.ID)
	}
	if len(store.sessions) != 1 {
		t.Errorf("expected 1 session row, got %d", len(store.sessions))
	}
}

func TestInitiate_DirectionalPairs(t *testing.T) {
	mgr, store, _, _ := newTestManager(memBalances{1: 100, 2: 100})
	ctx := context.Background()

	s1, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("initiate 1->2: %v", err)
	}
	s2, _, err := mgr.Initiate(ctx, 2, 1)
	if err != nil {
		t.Fatalf("initiate 2->1: %v", err)
	}
	if s1.ID == s2.ID {
		t.Error("(1,2) and (2,1) must be distinct sessions")
	}
	if len(store.sessions) != 2 {
		t.Errorf("expected 2 session rows, got %d", len(store.sessions))
	}
}

func TestInitiate_ReactivationPreservesIdentityAndCounters(t *testing.T) {
	mgr, store, timers, _ := newTestManager(memBalances{1: 100})
	ctx := context.Background()

	s1, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	store.setCounters(s1.ID, 12.5, 75)

	if err := mgr.End(ctx, s1.ID, 1); err != nil {
		t.Fatalf("end: %v", err)
	}
	if timers.isRunning(s1.ID) {
		t.Fatal("timer should stop at end")
	}

	s2, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
	if s2.ID != s1.ID {
		t.Errorf("reactivation must preserve row identity: %d vs %d", s1.ID, s2.ID)
	}
	points, seconds := store.counters(s1.ID)
	if points != 12.5 || seconds != 75 {
		t.Errorf("reactivation must preserve counters: got %f pts, %d s", points, seconds)
	}
	if !timers.isRunning(s1.ID) {
		t.Error("timer should restart on reactivation")
	}
}

func TestEnd_Authorization(t *testing.T) {
	mgr, _, _, _ := newTestManager(memBalances{1: 100})
	ctx := context.Background()

	s, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := mgr.End(ctx, s.ID, 99); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for non-party, got %v", err)
	}
	if err := mgr.End(ctx, 12345, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
	// The counterpart may end the session even though they are not billed.
	if err := mgr.End(ctx, s.ID, 2); err != nil {
		t.Errorf("counterpart end should succeed, got %v", err)
	}
}

func TestEnd_IdempotentAndNotifiesOnce(t *testing.T) {
	mgr, _, _, notifier := newTestManager(memBalances{1: 100})
	ctx := context.Background()

	s, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := mgr.End(ctx, s.ID, 1); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := mgr.End(ctx, s.ID, 1); err != nil {
		t.Fatalf("second end should be a no-op, got %v", err)
	}

	if got := notifier.endedReasons(1); len(got) != 1 || got[0] != ReasonEndedByUser {
		t.Errorf("initiator notifications: %v", got)
	}
	if got := notifier.endedReasons(2); len(got) != 1 || got[0] != ReasonEndedByOther {
		t.Errorf("counterpart notifications: %v", got)
	}
}

func TestEndExhausted_NotifiesPayerAndCounterpart(t *testing.T) {
	mgr, _, timers, notifier := newTestManager(memBalances{1: 100})
	ctx := context.Background()

	s, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	mgr.EndExhausted(ctx, s.ID)

	if notifier.exhausted[1] != 1 {
		t.Errorf("payer should get points_exhausted once, got %d", notifier.exhausted[1])
	}
	if got := notifier.endedReasons(2); len(got) != 1 || got[0] != ReasonExhausted {
		t.Errorf("counterpart should get chat_ended %q, got %v", ReasonExhausted, got)
	}
	if timers.isRunning(s.ID) {
		t.Error("timer should be cancelled")
	}

	// Repeating is harmless and silent.
	mgr.EndExhausted(ctx, s.ID)
	if notifier.exhausted[1] != 1 {
		t.Error("repeat exhaustion must not re-notify")
	}
}

func TestEndAllForUser_CascadesEverySession(t *testing.T) {
	mgr, store, timers, notifier := newTestManager(memBalances{1: 100, 3: 100})
	ctx := context.Background()

	// User 1 initiates against 2, and is the counterpart of 3's session.
	s1, _, err := mgr.Initiate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("initiate 1->2: %v", err)
	}
	s2, _, err := mgr.Initiate(ctx, 3, 1)
	if err != nil {
		t.Fatalf("initiate 3->1: %v", err)
	}

	mgr.EndAllForUser(ctx, 1, ReasonDisconnected)

	for _, id := range []int64{s1.ID, s2.ID} {
		got, _ := store.Get(ctx, id)
		if got.Status != StatusEnded {
			t.Errorf("session %d should be ended", id)
		}
		if timers.isRunning(id) {
			t.Errorf("timer %d should be cancelled", id)
		}
	}
	if got := notifier.endedReasons(2); len(got) != 1 || got[0] != ReasonDisconnected {
		t.Errorf("user 2 notifications: %v", got)
	}
	if got := notifier.endedReasons(3); len(got) != 1 || got[0] != ReasonDisconnected {
		t.Errorf("user 3 notifications: %v", got)
	}
}

func TestInitiate_ConcurrentSamePairYieldsOneSession(t *testing.T) {
	mgr, store, _, _ := newTestManager(memBalances{1: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := mgr.Initiate(ctx, 1, 2)
			if err != nil {
				t.Errorf("initiate %d: %v", i, err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	if len(store.sessions) != 1 {
		t.Fatalf("expected 1 session row, got %d", len(store.sessions))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Fatalf("divergent session ids: %v", ids)
		}
	}
}
