package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// End reasons surfaced to clients in chat_ended events.
const (
	ReasonEndedByUser  = "Chat ended by user"
	ReasonEndedByOther = "Chat ended by other user"
	ReasonExhausted    = "Points exhausted"
	ReasonDisconnected = "User disconnected"
)

// Errors returned by Manager operations. These are validation failures, not
// store failures: the caller translates them into error events, and no state
// has changed.
var (
	ErrInsufficientBalance = errors.New("session: insufficient balance")
	ErrNotFound            = errors.New("session: not found")
	ErrUnauthorized        = errors.New("session: caller is not a party")
)

// Storage is the persistence surface the manager needs. *Store implements it.
type Storage interface {
	Get(ctx context.Context, id int64) (*Session, error)
	FindByPair(ctx context.Context, initiatorID, counterpartID int64) (*Session, error)
	Insert(ctx context.Context, initiatorID, counterpartID int64) (*Session, error)
	Reactivate(ctx context.Context, id int64) error
	End(ctx context.Context, id int64) (bool, error)
	ActiveForUser(ctx context.Context, userID int64) ([]*Session, error)
}

// BalanceReader reads a user's current balance. *wallet.Gateway implements it.
type BalanceReader interface {
	Balance(ctx context.Context, userID int64) (float64, error)
}

// Timers is the billing engine surface the manager drives. *billing.Engine
// implements it.
type Timers interface {
	Attach(sessionID, payerID int64)
	Cancel(sessionID int64)
	Rate() float64
}

// Notifier pushes session lifecycle events to users' live connections.
// Unreachable users are silently skipped.
type Notifier interface {
	NotifyChatEnded(userID int64, reason string)
	NotifyPointsExhausted(userID int64)
}

// Manager owns the chat-session state machine. All transitions for a given
// session id are serialized through a per-id mutex, so an explicit end, a
// disconnect cascade, and a timer attach can never interleave on the same
// session.
type Manager struct {
	store    Storage
	balances BalanceReader
	timers   Timers
	notifier Notifier

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // session_id -> transition lock
	pairs map[[2]int64]*sync.Mutex
}

// NewManager creates a session manager.
func NewManager(store Storage, balances BalanceReader, timers Timers, notifier Notifier) *Manager {
	return &Manager{
		store:    store,
		balances: balances,
		timers:   timers,
		notifier: notifier,
		locks:    make(map[int64]*sync.Mutex),
		pairs:    make(map[[2]int64]*sync.Mutex),
	}
}

// sessionLock returns the transition mutex for a session id, creating it on
// first use. Locks are never removed; they are one word each and bounded by
// the number of sessions this process has touched.
func (m *Manager) sessionLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// pairLock returns the mutex serializing initiations for an ordered pair.
func (m *Manager) pairLock(initiatorID, counterpartID int64) *sync.Mutex {
	key := [2]int64{initiatorID, counterpartID}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.pairs[key]
	if !ok {
		l = &sync.Mutex{}
		m.pairs[key] = l
	}
	return l
}

// Initiate creates, reuses, or reactivates the session for the ordered pair
// (initiator, counterpart) and attaches the billing timer. It returns the
// session and the initiator's current balance. The precondition is that the
// initiator can afford at least one tick; otherwise ErrInsufficientBalance
// is returned and nothing changes. Calling Initiate again while the session
// is active is idempotent and yields the same session id.
func (m *Manager) Initiate(ctx context.Context, initiatorID, counterpartID int64) (*Session, float64, error) {
	balance, err := m.balances.Balance(ctx, initiatorID)
	if err != nil {
		return nil, 0, fmt.Errorf("session: initiate balance check: %w", err)
	}
	if balance < m.timers.Rate() {
		return nil, balance, ErrInsufficientBalance
	}

	pl := m.pairLock(initiatorID, counterpartID)
	pl.Lock()
	defer pl.Unlock()

	s, err := m.store.FindByPair(ctx, initiatorID, counterpartID)
	if err != nil {
		return nil, 0, err
	}

	switch {
	case s == nil:
		s, err = m.store.Insert(ctx, initiatorID, counterpartID)
		if err != nil {
			return nil, 0, err
		}
		log.Printf("session: created session=%d initiator=%d counterpart=%d", s.ID, initiatorID, counterpartID)

	case s.Status == StatusActive:
		// Idempotent re-initiation: same id, timer re-attached below
		// (Attach replaces any running timer, keeping exactly one).
		log.Printf("session: reusing active session=%d initiator=%d counterpart=%d", s.ID, initiatorID, counterpartID)

	default:
		// Reactivation preserves the row identity and its cumulative
		// counters; only started_at resets.
		if err := m.store.Reactivate(ctx, s.ID); err != nil {
			return nil, 0, err
		}
		s.Status = StatusActive
		s.EndedAt = nil
		log.Printf("session: reactivated session=%d initiator=%d counterpart=%d", s.ID, initiatorID, counterpartID)
	}

	// Serialize against a concurrent end of the same session so the timer
	// is never attached to a session mid-teardown.
	sl := m.sessionLock(s.ID)
	sl.Lock()
	m.timers.Attach(s.ID, initiatorID)
	sl.Unlock()

	return s, balance, nil
}

// End handles an explicit end request from either party. The caller must be
// a party to the session; ending an already-ended session is a no-op, not an
// error. On the active->ended transition, both parties are notified.
func (m *Manager) End(ctx context.Context, sessionID, requestedBy int64) error {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNotFound
	}
	if !s.IsParty(requestedBy) {
		return ErrUnauthorized
	}

	ended, err := m.end(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ended {
		return nil
	}

	log.Printf("session: ended session=%d by user=%d", sessionID, requestedBy)
	if m.notifier != nil {
		m.notifier.NotifyChatEnded(requestedBy, ReasonEndedByUser)
		m.notifier.NotifyChatEnded(s.Other(requestedBy), ReasonEndedByOther)
	}
	return nil
}

// EndExhausted finalizes a session whose payer could not afford a tick. The
// billing engine has already removed its timer; this performs the state
// transition and tells the payer their points ran out and the counterpart
// that the chat ended.
func (m *Manager) EndExhausted(ctx context.Context, sessionID int64) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil || s == nil {
		log.Printf("session: exhausted lookup failed session=%d: %v", sessionID, err)
		return
	}

	ended, err := m.end(ctx, sessionID)
	if err != nil {
		log.Printf("session: exhausted end failed session=%d: %v", sessionID, err)
		return
	}
	if !ended {
		return
	}

	log.Printf("session: ended session=%d (points exhausted, payer=%d)", sessionID, s.InitiatorID)
	if m.notifier != nil {
		m.notifier.NotifyPointsExhausted(s.InitiatorID)
		m.notifier.NotifyChatEnded(s.CounterpartID, ReasonExhausted)
	}
}

// EndAllForUser ends every active session naming the user as either party.
// It is the disconnect cascade: each session goes through the same
// idempotent end path as an explicit end, and the surviving party is told
// why the chat ended.
func (m *Manager) EndAllForUser(ctx context.Context, userID int64, reason string) {
	sessions, err := m.store.ActiveForUser(ctx, userID)
	if err != nil {
		log.Printf("session: cascade lookup failed user=%d: %v", userID, err)
		return
	}

	for _, s := range sessions {
		ended, err := m.end(ctx, s.ID)
		if err != nil {
			log.Printf("session: cascade end failed session=%d: %v", s.ID, err)
			continue
		}
		if !ended {
			continue
		}
		log.Printf("session: ended session=%d (cascade for user=%d)", s.ID, userID)
		if m.notifier != nil {
			m.notifier.NotifyChatEnded(s.InitiatorID, reason)
			if s.CounterpartID != s.InitiatorID {
				m.notifier.NotifyChatEnded(s.CounterpartID, reason)
			}
		}
	}
}

// end performs the serialized active->ended transition and cancels the
// timer. The timer cancel is unconditional and idempotent, so whichever
// path ends the session stops exactly one timer.
func (m *Manager) end(ctx context.Context, sessionID int64) (bool, error) {
	sl := m.sessionLock(sessionID)
	sl.Lock()
	defer sl.Unlock()

	ended, err := m.store.End(ctx, sessionID)
	m.timers.Cancel(sessionID)
	return ended, err
}
