package ws

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T, userID string) *Connection {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	conn := &Connection{
		UserID:    userID,
		Conn:      server,
		CreatedAt: time.Now(),
	}
	conn.Touch()
	return conn
}

func TestManagerAddAndGet(t *testing.T) {
	cm := NewConnectionManager()
	conn := newTestConn(t, "alice")

	displaced := cm.Add(conn)
	assert.Nil(t, displaced)
	assert.Equal(t, conn, cm.Get("alice"))
	assert.Equal(t, 1, cm.Count())
	assert.Nil(t, cm.Get("bob"))
}

func TestManagerReconnectDisplaces(t *testing.T) {
	cm := NewConnectionManager()
	first := newTestConn(t, "alice")
	second := newTestConn(t, "alice")

	require.Nil(t, cm.Add(first))
	displaced := cm.Add(second)
	assert.Equal(t, first, displaced)
	assert.Equal(t, second, cm.Get("alice"))
	assert.Equal(t, 1, cm.Count())
}

func TestManagerRemoveIdentity(t *testing.T) {
	cm := NewConnectionManager()
	first := newTestConn(t, "alice")
	second := newTestConn(t, "alice")

	cm.Add(first)
	cm.Add(second)

	// Removing the displaced connection must not evict the live one.
	assert.False(t, cm.Remove(first))
	assert.Equal(t, second, cm.Get("alice"))

	assert.True(t, cm.Remove(second))
	assert.Nil(t, cm.Get("alice"))
	assert.Equal(t, 0, cm.Count())

	// Removing an absent connection is a no-op.
	assert.False(t, cm.Remove(second))
}

func TestManagerAll(t *testing.T) {
	cm := NewConnectionManager()
	cm.Add(newTestConn(t, "alice"))
	cm.Add(newTestConn(t, "bob"))

	all := cm.All()
	assert.Len(t, all, 2)

	ids := map[string]bool{}
	for _, c := range all {
		ids[c.UserID] = true
	}
	assert.True(t, ids["alice"])
	assert.True(t, ids["bob"])
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	conn := newTestConn(t, "alice")
	before := conn.LastSeen()

	time.Sleep(5 * time.Millisecond)
	conn.Touch()

	assert.True(t, conn.LastSeen().After(before))
}
