package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status constants for the session state machine.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Session is one chat-session row. Identity is the ordered pair
// (InitiatorID, CounterpartID): only the initiator is billed, and the
// symmetric pair is an independent session. Counters are cumulative across
// reactivations of the same row.
type Session struct {
	ID              int64
	InitiatorID     int64
	CounterpartID   int64
	Status          string // active | ended
	StartedAt       time.Time
	EndedAt         *time.Time
	PointsConsumed  float64
	DurationSeconds int
}

// IsParty reports whether the user is either side of this session.
func (s *Session) IsParty(userID int64) bool {
	return userID == s.InitiatorID || userID == s.CounterpartID
}

// Other returns the opposite party of the session relative to userID.
func (s *Session) Other(userID int64) int64 {
	if userID == s.InitiatorID {
		return s.CounterpartID
	}
	return s.InitiatorID
}

// Store manages chat-session rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const sessionColumns = `id, user1_id, user2_id, status, started_at, ended_at, points_consumed, duration_seconds`

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.InitiatorID, &s.CounterpartID, &s.Status,
		&s.StartedAt, &endedAt, &s.PointsConsumed, &s.DurationSeconds)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}

// Get retrieves a session by id. Returns nil if not found.
func (st *Store) Get(ctx context.Context, id int64) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = $1`

	s, err := scanSession(st.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %d: %w", id, err)
	}
	return s, nil
}

// FindByPair returns the most relevant row for the ordered pair
// (initiator, counterpart): an active row wins over ended ones, and among
// equals the most recently started wins. Returns nil if the pair has no row.
func (st *Store) FindByPair(ctx context.Context, initiatorID, counterpartID int64) (*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE user1_id = $1 AND user2_id = $2
		ORDER BY
			CASE WHEN status = 'active' THEN 0 ELSE 1 END,
			started_at DESC
		LIMIT 1`

	s, err := scanSession(st.db.QueryRowContext(ctx, query, initiatorID, counterpartID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: find pair (%d,%d): %w", initiatorID, counterpartID, err)
	}
	return s, nil
}

// Insert creates a new active session row for the ordered pair and returns it.
func (st *Store) Insert(ctx context.Context, initiatorID, counterpartID int64) (*Session, error) {
	query := `
		INSERT INTO chat_sessions (user1_id, user2_id, status, started_at)
		VALUES ($1, $2, 'active', NOW())
		RETURNING ` + sessionColumns

	s, err := scanSession(st.db.QueryRowContext(ctx, query, initiatorID, counterpartID))
	if err != nil {
		return nil, fmt.Errorf("session: insert (%d,%d): %w", initiatorID, counterpartID, err)
	}
	return s, nil
}

// Reactivate flips an ended session back to active, resetting started_at and
// clearing ended_at. Counters are intentionally preserved so that
// points_consumed and duration_seconds accumulate across reactivations.
func (st *Store) Reactivate(ctx context.Context, id int64) error {
	const query = `
		UPDATE chat_sessions
		SET status = 'active', started_at = NOW(), ended_at = NULL
		WHERE id = $1`

	if _, err := st.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("session: reactivate %d: %w", id, err)
	}
	return nil
}

// End marks a session ended and stamps ended_at. The WHERE clause makes it
// idempotent: ending an already-ended session changes nothing. Returns true
// if the row transitioned from active to ended.
func (st *Store) End(ctx context.Context, id int64) (bool, error) {
	const query = `
		UPDATE chat_sessions
		SET status = 'ended', ended_at = NOW()
		WHERE id = $1 AND status = 'active'`

	res, err := st.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("session: end %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: end %d rows: %w", id, err)
	}
	return n > 0, nil
}

// IsActive reports whether the session row exists and has status active.
func (st *Store) IsActive(ctx context.Context, id int64) (bool, error) {
	const query = `SELECT status FROM chat_sessions WHERE id = $1`

	var status string
	err := st.db.QueryRowContext(ctx, query, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: status %d: %w", id, err)
	}
	return status == StatusActive, nil
}

// UpdateCounters adds one billing tick's consumption to the session row.
func (st *Store) UpdateCounters(ctx context.Context, id int64, pointsDelta float64, secondsDelta int) error {
	const query = `
		UPDATE chat_sessions
		SET points_consumed = points_consumed + $1, duration_seconds = duration_seconds + $2
		WHERE id = $3`

	if _, err := st.db.ExecContext(ctx, query, pointsDelta, secondsDelta, id); err != nil {
		return fmt.Errorf("session: update counters %d: %w", id, err)
	}
	return nil
}

// ActiveForUser returns every active session naming the user as either party.
// Used by the disconnect cascade.
func (st *Store) ActiveForUser(ctx context.Context, userID int64) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE status = 'active' AND (user1_id = $1 OR user2_id = $1)`

	rows, err := st.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("session: active for user %d: %w", userID, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		var endedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.InitiatorID, &s.CounterpartID, &s.Status,
			&s.StartedAt, &endedAt, &s.PointsConsumed, &s.DurationSeconds); err != nil {
			return nil, fmt.Errorf("session: scan active for user %d: %w", userID, err)
		}
		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}
