// Package billing drives per-second metering of active chat sessions. Each
// active session owns exactly one ticking goroutine that debits the
// initiator's balance through the wallet's conditional decrement; the guard
// in the store — not an in-process lock — is what keeps the balance from ever
// going negative.
package billing

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/paychat/chat-app/internal/metrics"
	"github.com/paychat/chat-app/internal/wallet"
)

// storeTimeout bounds each per-tick store round trip.
const storeTimeout = 3 * time.Second

// Wallet is the subset of the wallet gateway the engine needs.
// *wallet.Gateway satisfies it.
type Wallet interface {
	ConditionalDecrement(ctx context.Context, userID int64, amount float64) (float64, bool, error)
	AppendTransaction(ctx context.Context, userID int64, amount, points float64, kind, description, referenceID string) error
}

// SessionStore is the subset of the session store the engine needs.
// *session.Store satisfies it.
type SessionStore interface {
	IsActive(ctx context.Context, id int64) (bool, error)
	UpdateCounters(ctx context.Context, id int64, pointsDelta float64, secondsDelta int) error
}

// Notifier pushes balance updates to the payer's live connection. A payer
// without a live connection is simply not notified.
type Notifier interface {
	NotifyPointsUpdate(userID int64, points float64)
}

// Ender finalizes a session whose payer ran out of points. The session
// manager implements it; the engine has already removed its own timer when
// it calls this, so the manager's cancel is a no-op.
type Ender interface {
	EndExhausted(ctx context.Context, sessionID int64)
}

// Config holds the billing parameters.
type Config struct {
	Rate          float64       // points debited per tick
	Interval      time.Duration // tick interval
	LogBatchTicks int           // transaction-log row every N successful ticks
}

// DefaultConfig returns the production billing parameters: the
// "50 points buy 300 seconds" product rule gives 50/300 ≈ 0.1667 points per
// one-second tick, with a transaction-log row every 10 ticks.
func DefaultConfig() Config {
	return Config{
		Rate:          0.1667,
		Interval:      time.Second,
		LogBatchTicks: 10,
	}
}

// timer is the per-session record owned by the engine: the cancel handle and
// the batching state. At most one exists per session id at any instant.
type timer struct {
	cancel   chan struct{}
	done     chan struct{} // closed when the tick loop has fully exited
	sinceLog int           // successful ticks since the last transaction-log row
}

// Engine runs one ticking goroutine per active session.
type Engine struct {
	cfg      Config
	wallet   Wallet
	sessions SessionStore
	notifier Notifier
	ender    Ender

	mu     sync.Mutex
	timers map[int64]*timer // session_id -> timer
}

// NewEngine creates a billing engine. The Ender is attached afterwards via
// SetEnder, since the session manager and the engine reference each other.
func NewEngine(cfg Config, w Wallet, sessions SessionStore, notifier Notifier) *Engine {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultConfig().Rate
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.LogBatchTicks <= 0 {
		cfg.LogBatchTicks = DefaultConfig().LogBatchTicks
	}
	return &Engine{
		cfg:      cfg,
		wallet:   w,
		sessions: sessions,
		notifier: notifier,
		timers:   make(map[int64]*timer),
	}
}

// SetEnder assigns the session finalizer used on balance exhaustion.
func (e *Engine) SetEnder(ender Ender) {
	e.ender = ender
}

// Rate returns the configured per-tick cost. Initiation uses it as the
// minimum balance required to start a session.
func (e *Engine) Rate() float64 {
	return e.cfg.Rate
}

// Attach starts the billing timer for a session, debiting payerID (the
// initiator) every tick. Any pre-existing timer for the same session id is
// cancelled first, so after Attach returns there is exactly one running
// timer for the id — never two.
func (e *Engine) Attach(sessionID, payerID int64) {
	t := &timer{
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if old, ok := e.timers[sessionID]; ok {
		close(old.cancel)
		log.Printf("billing: replaced existing timer session=%d", sessionID)
	}
	e.timers[sessionID] = t
	metrics.ActiveSessions.Set(float64(len(e.timers)))
	e.mu.Unlock()

	log.Printf("billing: timer started session=%d payer=%d rate=%.4f/tick", sessionID, payerID, e.cfg.Rate)
	go e.run(t, sessionID, payerID)
}

// Cancel stops the session's timer if one is running. It is idempotent and
// safe to call from any goroutine; at most one timer is ever stopped.
func (e *Engine) Cancel(sessionID int64) {
	e.mu.Lock()
	t, ok := e.timers[sessionID]
	if ok {
		delete(e.timers, sessionID)
		close(t.cancel)
		metrics.ActiveSessions.Set(float64(len(e.timers)))
	}
	e.mu.Unlock()

	if ok {
		log.Printf("billing: timer cancelled session=%d", sessionID)
	}
}

// Running reports whether a timer is currently registered for the session.
func (e *Engine) Running(sessionID int64) bool {
	e.mu.Lock()
	_, ok := e.timers[sessionID]
	e.mu.Unlock()
	return ok
}

// Shutdown cancels every running timer and waits for the tick loops to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	timers := make([]*timer, 0, len(e.timers))
	for id, t := range e.timers {
		close(t.cancel)
		timers = append(timers, t)
		delete(e.timers, id)
	}
	metrics.ActiveSessions.Set(0)
	e.mu.Unlock()

	for _, t := range timers {
		<-t.done
	}
}

// removeSelf drops the timer entry if it is still the registered one. Returns
// false when a newer timer has replaced this one (then the newer timer owns
// the session and this loop must simply exit).
func (e *Engine) removeSelf(sessionID int64, t *timer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.timers[sessionID]
	if !ok || cur != t {
		return false
	}
	delete(e.timers, sessionID)
	metrics.ActiveSessions.Set(float64(len(e.timers)))
	return true
}

// run is the per-session tick loop. Each tick re-checks the session is still
// active, then attempts the guarded debit. Store errors abort the tick only;
// the loop retries on the next interval rather than dying.
func (e *Engine) run(t *timer, sessionID, payerID int64) {
	defer close(t.done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.cancel:
			return
		case <-ticker.C:
		}

		if done := e.tick(t, sessionID, payerID); done {
			return
		}
	}
}

// tick performs one billing cycle. Returns true when the loop should exit.
func (e *Engine) tick(t *timer, sessionID, payerID int64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// The session may have been ended by an explicit end or a disconnect
	// cascade between ticks; the store is authoritative.
	active, err := e.sessions.IsActive(ctx, sessionID)
	if err != nil {
		log.Printf("billing: session check failed session=%d: %v", sessionID, err)
		metrics.BillingTicks.WithLabelValues("error").Inc()
		return false
	}
	if !active {
		if e.removeSelf(sessionID, t) {
			log.Printf("billing: session no longer active, stopping timer session=%d", sessionID)
		}
		return true
	}

	remaining, ok, err := e.wallet.ConditionalDecrement(ctx, payerID, e.cfg.Rate)
	if err != nil {
		log.Printf("billing: decrement failed session=%d payer=%d: %v", sessionID, payerID, err)
		metrics.BillingTicks.WithLabelValues("error").Inc()
		return false
	}

	if !ok {
		// Guard failed: the payer cannot afford this tick. Remove our own
		// timer first, then hand the session to the manager for the
		// exhaustion transition and notifications.
		metrics.BillingTicks.WithLabelValues("exhausted").Inc()
		e.removeSelf(sessionID, t)
		if e.ender != nil {
			e.ender.EndExhausted(ctx, sessionID)
		}
		log.Printf("billing: points exhausted session=%d payer=%d", sessionID, payerID)
		return true
	}

	metrics.BillingTicks.WithLabelValues("ok").Inc()
	metrics.PointsDeducted.Add(e.cfg.Rate)

	if err := e.sessions.UpdateCounters(ctx, sessionID, e.cfg.Rate, 1); err != nil {
		log.Printf("billing: counter update failed session=%d: %v", sessionID, err)
	}

	if e.notifier != nil {
		e.notifier.NotifyPointsUpdate(payerID, remaining)
	}

	// Batch the transaction log: one cumulative row per LogBatchTicks ticks
	// keeps log volume bounded while still reflecting tick-level consumption.
	t.sinceLog++
	if t.sinceLog >= e.cfg.LogBatchTicks {
		ref := fmt.Sprintf("session_%d", sessionID)
		delta := -e.cfg.Rate * float64(t.sinceLog)
		if err := e.wallet.AppendTransaction(ctx, payerID, 0, delta,
			wallet.KindDeduction, "Chat time deduction", ref); err != nil {
			log.Printf("billing: transaction log failed session=%d: %v", sessionID, err)
		} else {
			t.sinceLog = 0
		}
	}

	return false
}
