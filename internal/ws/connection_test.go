package ws

import (
	"net"
	"testing"
	"time"
)

func testConn(t *testing.T, id string, fd int) *Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return &Connection{
		ID:        id,
		Conn:      server,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
}

func TestConnectionManager_AddAndLookup(t *testing.T) {
	cm := NewConnectionManager()
	c := testConn(t, "conn-1", 10)
	cm.Add(c)

	if got := cm.Get("conn-1"); got != c {
		t.Error("Get by id failed")
	}
	if got := cm.GetByFd(10); got != c {
		t.Error("Get by fd failed")
	}
	if cm.Count() != 1 {
		t.Errorf("expected count 1, got %d", cm.Count())
	}
}

func TestBindUser_ResolvesAfterAuthentication(t *testing.T) {
	cm := NewConnectionManager()
	c := testConn(t, "conn-1", 10)
	cm.Add(c)

	if got := cm.ResolveUser(42); got != nil {
		t.Error("unauthenticated user should not resolve")
	}

	if !cm.BindUser("conn-1", 42) {
		t.Fatal("BindUser failed for registered connection")
	}
	if c.UserID() != 42 {
		t.Errorf("expected bound user 42, got %d", c.UserID())
	}
	if got := cm.ResolveUser(42); got != c {
		t.Error("bound user should resolve to its connection")
	}
}

func TestBindUser_UnknownConnection(t *testing.T) {
	cm := NewConnectionManager()
	if cm.BindUser("ghost", 42) {
		t.Error("BindUser should fail for unregistered connection")
	}
}

func TestBindUser_LastWriterWins(t *testing.T) {
	cm := NewConnectionManager()
	c1 := testConn(t, "conn-1", 10)
	c2 := testConn(t, "conn-2", 11)
	cm.Add(c1)
	cm.Add(c2)

	cm.BindUser("conn-1", 42)
	cm.BindUser("conn-2", 42)

	if got := cm.ResolveUser(42); got != c2 {
		t.Error("newest authentication must win the user index")
	}

	// Removing the stale connection must not evict the new binding.
	cm.Remove("conn-1")
	if got := cm.ResolveUser(42); got != c2 {
		t.Error("removing the stale connection dropped the current binding")
	}
}

func TestBindUser_RebindSameConnection(t *testing.T) {
	cm := NewConnectionManager()
	c := testConn(t, "conn-1", 10)
	cm.Add(c)

	cm.BindUser("conn-1", 42)
	cm.BindUser("conn-1", 43)

	if got := cm.ResolveUser(43); got != c {
		t.Error("new user should resolve")
	}
	if got := cm.ResolveUser(42); got != nil {
		t.Error("previous user of the connection must stop resolving")
	}
}

func TestRemove_DropsUserBinding(t *testing.T) {
	cm := NewConnectionManager()
	c := testConn(t, "conn-1", 10)
	cm.Add(c)
	cm.BindUser("conn-1", 42)

	if !cm.Remove("conn-1") {
		t.Fatal("Remove failed")
	}
	if got := cm.ResolveUser(42); got != nil {
		t.Error("removed connection should not resolve")
	}
	if cm.Remove("conn-1") {
		t.Error("second Remove should report not found")
	}
}

func TestRemoveByFd_SameSemantics(t *testing.T) {
	cm := NewConnectionManager()
	c := testConn(t, "conn-1", 10)
	cm.Add(c)
	cm.BindUser("conn-1", 42)

	removed := cm.RemoveByFd(10)
	if removed != c {
		t.Fatal("RemoveByFd should return the connection")
	}
	if cm.ResolveUser(42) != nil {
		t.Error("user binding should be dropped")
	}
	if cm.RemoveByFd(10) != nil {
		t.Error("second RemoveByFd should return nil")
	}
}

func TestAuthenticated_SnapshotsBoundConnections(t *testing.T) {
	cm := NewConnectionManager()
	c1 := testConn(t, "conn-1", 10)
	c2 := testConn(t, "conn-2", 11)
	c3 := testConn(t, "conn-3", 12)
	cm.Add(c1)
	cm.Add(c2)
	cm.Add(c3)
	cm.BindUser("conn-1", 1)
	cm.BindUser("conn-2", 2)

	auth := cm.Authenticated()
	if len(auth) != 2 {
		t.Fatalf("expected 2 authenticated connections, got %d", len(auth))
	}
	for _, c := range auth {
		if c.UserID() == 0 {
			t.Error("authenticated snapshot contains anonymous connection")
		}
	}
}
