// Package companion implements the automated chat partners: persona-backed
// profiles stored in PostgreSQL and a responder that generates replies for
// them via a language model, with a canned fallback pool when the model is
// unavailable.
package companion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
)

// Personas assigned to seeded companion profiles.
var personaPool = []string{
	"Enthusiastic tech enthusiast who loves discussing gadgets and programming",
	"Friendly bookworm who enjoys literature and creative writing",
	"Cheerful fitness enthusiast who loves sports and healthy living",
	"Curious traveler who enjoys sharing stories about different places",
	"Witty movie buff who can discuss films for hours",
	"Creative artist who loves talking about art and design",
	"Passionate foodie who enjoys discussing recipes and cuisines",
	"Philosophical thinker who enjoys deep conversations",
	"Music lover who can talk about various genres and artists",
	"Gaming enthusiast who enjoys discussing video games and strategies",
}

// RandomPersona picks a persona for a new companion profile.
func RandomPersona() string {
	return personaPool[rand.Intn(len(personaPool))]
}

// ProfileStore manages companion profile rows in PostgreSQL.
type ProfileStore struct {
	db *sql.DB
}

// NewProfileStore creates a profile store backed by the given database handle.
func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// Create registers a user as a companion with the given persona.
func (s *ProfileStore) Create(ctx context.Context, userID int64, persona string) error {
	const query = `
		INSERT INTO companion_profiles (user_id, persona)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET persona = EXCLUDED.persona`

	if _, err := s.db.ExecContext(ctx, query, userID, persona); err != nil {
		return fmt.Errorf("companion: create profile %d: %w", userID, err)
	}
	return nil
}

// Persona returns the persona string for a companion. ok is false when the
// user has no companion profile.
func (s *ProfileStore) Persona(ctx context.Context, userID int64) (string, bool, error) {
	const query = `SELECT persona FROM companion_profiles WHERE user_id = $1`

	var persona string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&persona)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("companion: persona %d: %w", userID, err)
	}
	return persona, true, nil
}

// IsCompanion reports whether the user has a companion profile.
func (s *ProfileStore) IsCompanion(ctx context.Context, userID int64) (bool, error) {
	_, ok, err := s.Persona(ctx, userID)
	return ok, err
}

// Companions returns the user ids of all companion profiles. Companions are
// always listed as online in the presence roster.
func (s *ProfileStore) Companions(ctx context.Context) ([]int64, error) {
	const query = `SELECT user_id FROM companion_profiles ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("companion: list profiles: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("companion: scan profile: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
