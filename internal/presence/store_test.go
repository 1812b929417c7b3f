package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence test users live in a high id range so cleanup cannot collide with
// real data on a shared local Redis.
const testUserBase int64 = 900000

// newTestStore creates a RecordStore connected to a local Redis instance and
// removes leftover test keys. Tests that call this helper require a running
// Redis on localhost:6379 and are skipped otherwise.
func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		iter := client.Scan(ctx, 0, RecordPrefix+"9000*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewRecordStore(client)
}

func TestRecordStore_GetUnknownUser(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Get(context.Background(), testUserBase+1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for unseen user, got %+v", rec)
	}
}

func TestRecordStore_OnlineOfflineCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := testUserBase + 2

	if err := store.SetOnline(ctx, uid, "conn-abc"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	rec, err := store.Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || !rec.Online {
		t.Fatalf("expected online record, got %+v", rec)
	}
	if rec.ConnID != "conn-abc" {
		t.Errorf("expected conn-abc, got %q", rec.ConnID)
	}
	if rec.LastSeen == 0 {
		t.Error("last_seen should be stamped")
	}

	if err := store.SetOffline(ctx, uid); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	rec, err = store.Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get after offline: %v", err)
	}
	if rec == nil || rec.Online {
		t.Fatalf("expected offline record, got %+v", rec)
	}
	if rec.ConnID != "" {
		t.Errorf("conn_id should be cleared, got %q", rec.ConnID)
	}
}

func TestRecordStore_ReauthenticationOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := testUserBase + 3

	if err := store.SetOnline(ctx, uid, "conn-old"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := store.SetOnline(ctx, uid, "conn-new"); err != nil {
		t.Fatalf("SetOnline again: %v", err)
	}

	rec, err := store.Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ConnID != "conn-new" {
		t.Errorf("expected newest conn id, got %q", rec.ConnID)
	}
}
