package matching

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
	"github.com/olyx/video-chat/internal/session"
)

type fakeProfiles struct {
	mu        sync.Mutex
	profiles  map[string]*profile.Profile
	positions map[string]int
	presence  map[string]string
	matches   map[string]int
}

func newFakeProfiles(ps ...*profile.Profile) *fakeProfiles {
	f := &fakeProfiles{
		profiles:  map[string]*profile.Profile{},
		positions: map[string]int{},
		presence:  map[string]string{},
		matches:   map[string]int{},
	}
	for _, p := range ps {
		f.profiles[p.ID] = p
	}
	return f
}

func (f *fakeProfiles) Get(_ context.Context, userID string) (*profile.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[userID], nil
}

func (f *fakeProfiles) AdvancePatternPosition(_ context.Context, userID string, sequenceLength int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[userID] = (f.positions[userID] + 1) % sequenceLength
	return nil
}

func (f *fakeProfiles) SetPresenceAll(_ context.Context, userIDs []string, presence string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range userIDs {
		f.presence[id] = presence
	}
	return nil
}

func (f *fakeProfiles) IncrementMatchCount(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches[userID]++
	return nil
}

type fakeBus struct {
	mu      sync.Mutex
	created map[string][]byte // user_id -> last payload
	closed  map[string][]byte // session_id -> last payload
}

func newFakeBus() *fakeBus {
	return &fakeBus{created: map[string][]byte{}, closed: map[string][]byte{}}
}

func (f *fakeBus) PublishSessionCreated(userID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[userID] = data
	return nil
}

func (f *fakeBus) PublishSessionClosed(sessionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[sessionID] = data
	return nil
}

func newCoordinatorFixture(t *testing.T, profiles *fakeProfiles) (*Coordinator, *queue.Store, *session.Store, *fakeBus) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.NewStore(rdb)
	sessions := session.NewStore(rdb)
	bus := newFakeBus()
	coord := NewCoordinator(rdb, q, sessions, profiles, bus, bus)
	return coord, q, sessions, bus
}

func TestTryPairCreatesExclusiveSession(t *testing.T) {
	ctx := context.Background()

	requester := &profile.Profile{ID: "alice", DisplayName: "Alice", Gender: profile.GenderFemale}
	responder := &profile.Profile{ID: "bob", DisplayName: "Bob", Gender: profile.GenderMale}
	profiles := newFakeProfiles(requester, responder)
	coord, q, sessions, bus := newCoordinatorFixture(t, profiles)

	require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "alice", Gender: profile.GenderFemale}))
	require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "bob", Gender: profile.GenderMale}))
	candidate, err := q.Get(ctx, "bob")
	require.NoError(t, err)

	sess, err := coord.TryPair(ctx, requester, *candidate)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "alice", sess.InitiatorID)
	assert.Equal(t, "bob", sess.ResponderID)

	// Both participants now hold membership keys.
	for _, id := range []string{"alice", "bob"} {
		sid, err := sessions.MemberSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, sid)
	}

	// Both queue entries are gone.
	for _, id := range []string{"alice", "bob"} {
		queued, err := q.IsQueued(ctx, id)
		require.NoError(t, err)
		assert.False(t, queued, "user %s still queued", id)
	}

	// Pattern position advances for the requester only.
	assert.Equal(t, 1, profiles.positions["alice"])
	assert.Equal(t, 0, profiles.positions["bob"])

	// Presence and counters update for both.
	assert.Equal(t, profile.PresenceInChat, profiles.presence["alice"])
	assert.Equal(t, profile.PresenceInChat, profiles.presence["bob"])
	assert.Equal(t, 1, profiles.matches["alice"])
	assert.Equal(t, 1, profiles.matches["bob"])

	// Each side is told about the other.
	var evt Created
	require.NoError(t, json.Unmarshal(bus.created["alice"], &evt))
	assert.Equal(t, sess.ID, evt.SessionID)
	assert.Equal(t, "bob", evt.Peer.ID)
	assert.Equal(t, "Bob", evt.Peer.DisplayName)

	require.NoError(t, json.Unmarshal(bus.created["bob"], &evt))
	assert.Equal(t, "alice", evt.Peer.ID)
}

func TestTryPairConflictWhenCandidateClaimed(t *testing.T) {
	ctx := context.Background()

	requester := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	profiles := newFakeProfiles(requester)
	coord, q, _, _ := newCoordinatorFixture(t, profiles)

	mr := coord.rdb
	// A concurrent pairing already claimed bob.
	require.NoError(t, mr.Set(ctx, session.MemberKey("bob"), "other-sess", session.SessionTTL).Err())
	require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "alice", Gender: profile.GenderFemale}))

	_, err := coord.TryPair(ctx, requester, queue.Entry{UserID: "bob", Gender: profile.GenderMale})
	assert.ErrorIs(t, err, ErrPairingConflict)

	// The requester keeps their queue entry on conflict.
	queued, err := q.IsQueued(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestTryPairConflictWhenRequesterClaimed(t *testing.T) {
	ctx := context.Background()

	requester := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	profiles := newFakeProfiles(requester)
	coord, _, _, _ := newCoordinatorFixture(t, profiles)

	require.NoError(t, coord.rdb.Set(ctx, session.MemberKey("alice"), "other-sess", session.SessionTTL).Err())

	_, err := coord.TryPair(ctx, requester, queue.Entry{UserID: "bob", Gender: profile.GenderMale})
	assert.ErrorIs(t, err, ErrPairingConflict)
}

func TestTryPairConcurrentMutualSelection(t *testing.T) {
	ctx := context.Background()

	alice := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	bob := &profile.Profile{ID: "bob", Gender: profile.GenderMale}
	profiles := newFakeProfiles(alice, bob)
	coord, q, sessions, _ := newCoordinatorFixture(t, profiles)

	// Two search loops select each other in the same instant. The pair
	// script must admit exactly one of them, every time.
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "alice", Gender: profile.GenderFemale}))
		require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "bob", Gender: profile.GenderMale}))

		start := make(chan struct{})
		results := make(chan error, 2)
		var created *session.Session
		var mu sync.Mutex

		pair := func(requester *profile.Profile, candidate string) {
			<-start
			sess, err := coord.TryPair(ctx, requester, queue.Entry{UserID: candidate})
			if sess != nil {
				mu.Lock()
				created = sess
				mu.Unlock()
			}
			results <- err
		}
		go pair(alice, "bob")
		go pair(bob, "alice")
		close(start)

		var conflicts, wins int
		for j := 0; j < 2; j++ {
			switch err := <-results; {
			case err == nil:
				wins++
			case errors.Is(err, ErrPairingConflict):
				conflicts++
			default:
				t.Fatalf("round %d: unexpected error: %v", i, err)
			}
		}
		require.Equal(t, 1, wins, "round %d: exactly one pairing must win", i)
		require.Equal(t, 1, conflicts, "round %d", i)

		require.NotNil(t, created)
		for _, id := range []string{"alice", "bob"} {
			sid, err := sessions.MemberSession(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, created.ID, sid, "round %d: user %s", i, id)
		}

		require.NoError(t, coord.EndSession(ctx, created.ID, "ended"))
	}
}

func TestEndSessionTearsDown(t *testing.T) {
	ctx := context.Background()

	requester := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	responder := &profile.Profile{ID: "bob", Gender: profile.GenderMale}
	profiles := newFakeProfiles(requester, responder)
	coord, q, sessions, bus := newCoordinatorFixture(t, profiles)

	require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "bob", Gender: profile.GenderMale}))
	sess, err := coord.TryPair(ctx, requester, queue.Entry{UserID: "bob", Gender: profile.GenderMale})
	require.NoError(t, err)

	require.NoError(t, coord.EndSession(ctx, sess.ID, "ended"))

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Equal(t, profile.PresenceOnline, profiles.presence["alice"])
	assert.Equal(t, profile.PresenceOnline, profiles.presence["bob"])

	var payload map[string]string
	require.NoError(t, json.Unmarshal(bus.closed[sess.ID], &payload))
	assert.Equal(t, "ended", payload["reason"])
}

func TestEndSessionReleasesUsersForRepairing(t *testing.T) {
	ctx := context.Background()

	requester := &profile.Profile{ID: "alice", Gender: profile.GenderFemale}
	responder := &profile.Profile{ID: "bob", Gender: profile.GenderMale}
	profiles := newFakeProfiles(requester, responder)
	coord, q, sessions, _ := newCoordinatorFixture(t, profiles)

	require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "bob", Gender: profile.GenderMale}))
	first, err := coord.TryPair(ctx, requester, queue.Entry{UserID: "bob", Gender: profile.GenderMale})
	require.NoError(t, err)

	// Until the session ends, both users are claimed.
	_, err = coord.TryPair(ctx, requester, queue.Entry{UserID: "bob", Gender: profile.GenderMale})
	require.ErrorIs(t, err, ErrPairingConflict)

	require.NoError(t, coord.EndSession(ctx, first.ID, "ended"))

	// Teardown released the membership keys, so the same pair can match
	// again on their next search.
	require.NoError(t, q.Upsert(ctx, queue.Entry{UserID: "bob", Gender: profile.GenderMale}))
	second, err := coord.TryPair(ctx, requester, queue.Entry{UserID: "bob", Gender: profile.GenderMale})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	sid, err := sessions.MemberSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.ID, sid)
}

func TestEndSessionAbsentIsNoop(t *testing.T) {
	profiles := newFakeProfiles()
	coord, _, _, bus := newCoordinatorFixture(t, profiles)

	require.NoError(t, coord.EndSession(context.Background(), "missing", "ended"))
	assert.Empty(t, bus.closed)
}
