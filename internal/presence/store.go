package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecordPrefix is the Redis key prefix for presence record hashes.
const RecordPrefix = "presence:"

// Record is the persisted presence state for one user. The in-memory
// registry is the source of truth for reachability within this process; the
// Redis record is the durable view other services read.
type Record struct {
	UserID   int64  `redis:"user_id"`
	Online   bool   `redis:"online"`
	ConnID   string `redis:"conn_id"`
	LastSeen int64  `redis:"last_seen"` // unix timestamp
}

// RecordStore persists presence records in Redis.
type RecordStore struct {
	client *redis.Client
}

// NewRecordStore creates a presence record store on the given Redis client.
func NewRecordStore(client *redis.Client) *RecordStore {
	return &RecordStore{client: client}
}

// SetOnline marks a user online and records the connection serving them.
// Re-authentication simply overwrites the previous record.
func (s *RecordStore) SetOnline(ctx context.Context, userID int64, connID string) error {
	key := fmt.Sprintf("%s%d", RecordPrefix, userID)
	err := s.client.HSet(ctx, key, map[string]interface{}{
		"user_id":   userID,
		"online":    true,
		"conn_id":   connID,
		"last_seen": time.Now().Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("presence: set online user=%d: %w", userID, err)
	}
	return nil
}

// SetOffline marks a user offline and stamps last_seen.
func (s *RecordStore) SetOffline(ctx context.Context, userID int64) error {
	key := fmt.Sprintf("%s%d", RecordPrefix, userID)
	err := s.client.HSet(ctx, key,
		"online", false,
		"conn_id", "",
		"last_seen", time.Now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("presence: set offline user=%d: %w", userID, err)
	}
	return nil
}

// Get retrieves a user's presence record. Returns nil if the user has never
// been seen.
func (s *RecordStore) Get(ctx context.Context, userID int64) (*Record, error) {
	key := fmt.Sprintf("%s%d", RecordPrefix, userID)
	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, fmt.Errorf("presence: get user=%d: %w", userID, err)
	}
	if rec.UserID == 0 {
		return nil, nil // not found
	}
	return &rec, nil
}
