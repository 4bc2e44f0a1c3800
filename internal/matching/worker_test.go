package matching

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olyx/video-chat/internal/gate"
	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
	"github.com/olyx/video-chat/internal/session"
)

func newWorkerFixture(t *testing.T, profiles *fakeProfiles, userID string, entry queue.Entry) (*Worker, *queue.Store, *session.Store, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.NewStore(rdb)
	sessions := session.NewStore(rdb)
	bus := newFakeBus()
	coord := NewCoordinator(rdb, q, sessions, profiles, bus, bus)
	sel := NewSelector(q, sessions, DefaultSelectorConfig())

	w := NewWorker(userID, entry, profiles, q, sel, coord, sessions, DefaultWorkerConfig())
	return w, q, sessions, rdb
}

func TestTickPairsWithCompatiblePeer(t *testing.T) {
	ctx := context.Background()

	alice := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	peerGender := gate.EligibleGender(alice.Gender, alice.PatternSeed, alice.PatternPosition)
	bob := &profile.Profile{ID: "bob", Gender: peerGender}
	profiles := newFakeProfiles(alice, bob)

	entry := queue.Entry{UserID: "alice", Gender: profile.GenderFemale}
	w, q, _, _ := newWorkerFixture(t, profiles, "alice", entry)

	require.NoError(t, q.Upsert(ctx, entry))
	require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "bob", Gender: peerGender}))

	var paired *session.Session
	w.OnPaired = func(s *session.Session) { paired = s }

	assert.True(t, w.tick(ctx))
	require.NotNil(t, paired)
	assert.Equal(t, "alice", paired.InitiatorID)
	assert.Equal(t, "bob", paired.ResponderID)
}

func TestTickNoCandidateKeepsPolling(t *testing.T) {
	ctx := context.Background()

	alice := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	profiles := newFakeProfiles(alice)

	entry := queue.Entry{UserID: "alice", Gender: profile.GenderFemale}
	w, q, _, _ := newWorkerFixture(t, profiles, "alice", entry)
	require.NoError(t, q.Upsert(ctx, entry))

	assert.False(t, w.tick(ctx))

	queued, err := q.IsQueued(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestTickStopsWhenClaimedAsResponder(t *testing.T) {
	ctx := context.Background()

	alice := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	profiles := newFakeProfiles(alice)

	entry := queue.Entry{UserID: "alice", Gender: profile.GenderFemale}
	w, q, _, rdb := newWorkerFixture(t, profiles, "alice", entry)
	require.NoError(t, q.Upsert(ctx, entry))

	// Another coordinator paired alice as the responder.
	require.NoError(t, rdb.Set(ctx, session.MemberKey("alice"), "sess-x", session.SessionTTL).Err())

	var paired bool
	w.OnPaired = func(*session.Session) { paired = true }

	assert.True(t, w.tick(ctx))
	assert.False(t, paired, "responder side is notified via the bus, not OnPaired")

	// The leftover queue entry is cleared.
	queued, err := q.IsQueued(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestTickRestoresEntryAfterConflict(t *testing.T) {
	ctx := context.Background()

	alice := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	profiles := newFakeProfiles(alice)

	entry := queue.Entry{UserID: "alice", Gender: profile.GenderFemale}
	w, q, _, _ := newWorkerFixture(t, profiles, "alice", entry)

	// Dequeued by a conflicted attempt, but no session materialized.
	assert.False(t, w.tick(ctx))

	queued, err := q.IsQueued(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, queued, "worker restores its own entry")
}
