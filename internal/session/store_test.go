package session

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewStore(rdb), rdb
}

// seedSession writes a session record the way the pairing script does.
func seedSession(t *testing.T, rdb *redis.Client, sessionID, initiator, responder string) {
	t.Helper()
	ctx := context.Background()

	created := strconv.FormatInt(time.Now().UnixMilli(), 10)
	require.NoError(t, rdb.HSet(ctx, Key(sessionID), map[string]interface{}{
		"initiator_id": initiator,
		"responder_id": responder,
		"created_at":   created,
	}).Err())
	require.NoError(t, rdb.Set(ctx, MemberKey(initiator), sessionID, SessionTTL).Err())
	require.NoError(t, rdb.Set(ctx, MemberKey(responder), sessionID, SessionTTL).Err())
}

func TestGetAbsentSession(t *testing.T) {
	store, _ := newTestStore(t)

	sess, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestGetAndMembership(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()

	seedSession(t, rdb, "sess-1", "alice", "bob")

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "alice", sess.InitiatorID)
	assert.Equal(t, "bob", sess.ResponderID)
	assert.True(t, sess.IsParticipant("alice"))
	assert.True(t, sess.IsParticipant("bob"))
	assert.False(t, sess.IsParticipant("carol"))
	assert.Equal(t, "bob", sess.Peer("alice"))
	assert.Equal(t, "alice", sess.Peer("bob"))

	sid, err := store.MemberSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)

	sid, err = store.MemberSession(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "", sid)
}

func TestSetOfferExactlyOnce(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()

	seedSession(t, rdb, "sess-1", "alice", "bob")

	require.NoError(t, store.SetOffer(ctx, "sess-1", "v=0 offer-a"))
	err := store.SetOffer(ctx, "sess-1", "v=0 offer-b")
	assert.ErrorIs(t, err, ErrDuplicateDescription)

	// The first write wins.
	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "v=0 offer-a", sess.Offer)
}

func TestSetAnswerExactlyOnce(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()

	seedSession(t, rdb, "sess-1", "alice", "bob")

	require.NoError(t, store.SetAnswer(ctx, "sess-1", "v=0 answer-a"))
	assert.ErrorIs(t, store.SetAnswer(ctx, "sess-1", "v=0 answer-b"), ErrDuplicateDescription)

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer-a", sess.Answer)
}

func TestAppendCandidateSequencing(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()

	seedSession(t, rdb, "sess-1", "alice", "bob")

	c1, err := store.AppendCandidate(ctx, "sess-1", "alice", `{"candidate":"a"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c1.Seq)

	c2, err := store.AppendCandidate(ctx, "sess-1", "bob", `{"candidate":"b"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c2.Seq)

	all, err := store.Candidates(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].SenderID)
	assert.Equal(t, int64(1), all[0].Seq)
	assert.Equal(t, "bob", all[1].SenderID)
	assert.Equal(t, `{"candidate":"b"}`, all[1].Payload)
}

func TestDeleteReleasesMembership(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()

	seedSession(t, rdb, "sess-1", "alice", "bob")
	_, err := store.AppendCandidate(ctx, "sess-1", "alice", `{"candidate":"a"}`)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "sess-1"))

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, sess)

	sid, err := store.MemberSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "", sid)

	cands, err := store.Candidates(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, cands)

	// Deleting again is a no-op.
	require.NoError(t, store.Delete(ctx, "sess-1"))
}

func TestDeleteKeepsNewerMembership(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()

	seedSession(t, rdb, "sess-1", "alice", "bob")
	// Alice has already moved on to a newer session.
	require.NoError(t, rdb.Set(ctx, MemberKey("alice"), "sess-2", SessionTTL).Err())

	require.NoError(t, store.Delete(ctx, "sess-1"))

	sid, err := store.MemberSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", sid)

	sid, err = store.MemberSession(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "", sid)
}

func TestCountSkipsMemberAndCandidateKeys(t *testing.T) {
	store, rdb := newTestStore(t)
	ctx := context.Background()

	seedSession(t, rdb, "sess-1", "alice", "bob")
	seedSession(t, rdb, "sess-2", "carol", "dave")
	_, err := store.AppendCandidate(ctx, "sess-1", "alice", `{"candidate":"a"}`)
	require.NoError(t, err)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
