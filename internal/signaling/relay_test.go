package signaling

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olyx/video-chat/internal/session"
)

type recordingHandler struct {
	mu           sync.Mutex
	descriptions []string // kind
	sdps         []string
	candidates   []string
}

func (h *recordingHandler) OnRemoteDescription(kind, sdp string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.descriptions = append(h.descriptions, kind)
	h.sdps = append(h.sdps, sdp)
}

func (h *recordingHandler) OnRemoteCandidate(payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.candidates = append(h.candidates, payload)
}

type fakeSignalBus struct {
	mu         sync.Mutex
	sdp        [][]byte
	candidates [][]byte
}

func (b *fakeSignalBus) PublishSignalSDP(_ string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sdp = append(b.sdp, data)
	return nil
}

func (b *fakeSignalBus) SubscribeSignalSDP(_, _ string, _ func(data []byte)) error { return nil }

func (b *fakeSignalBus) UnsubscribeSignalSDP(string) error { return nil }

func (b *fakeSignalBus) PublishSignalCandidate(_ string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candidates = append(b.candidates, data)
	return nil
}

func (b *fakeSignalBus) SubscribeSignalCandidate(_, _ string, _ func(data []byte)) error { return nil }

func (b *fakeSignalBus) UnsubscribeSignalCandidate(string) error { return nil }

func newRelayFixture(t *testing.T, selfID, peerID string) (*Relay, *session.Store, *recordingHandler) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := session.NewStore(rdb)
	ctx := context.Background()
	created := strconv.FormatInt(time.Now().UnixMilli(), 10)
	require.NoError(t, rdb.HSet(ctx, session.Key("sess-1"), map[string]interface{}{
		"initiator_id": selfID,
		"responder_id": peerID,
		"created_at":   created,
	}).Err())

	h := &recordingHandler{}
	r := NewRelay(NewSessionContext("sess-1", selfID, peerID), store, nil, h)
	return r, store, h
}

func TestResyncDeliversStoredOfferToAnswerer(t *testing.T) {
	// "bob" > "alice", so bob is the answerer.
	r, store, h := newRelayFixture(t, "bob", "alice")
	ctx := context.Background()

	require.NoError(t, store.SetOffer(ctx, "sess-1", "v=0 offer"))
	require.NoError(t, r.Resync(ctx))

	assert.Equal(t, []string{KindOffer}, h.descriptions)
	assert.Equal(t, []string{"v=0 offer"}, h.sdps)
	assert.Equal(t, StateOfferReceived, r.Machine().Current())
}

func TestResyncSkipsOwnRoleDescription(t *testing.T) {
	// "alice" < "bob", so alice is the offerer; the stored offer is her
	// own and must not be replayed to her.
	r, store, h := newRelayFixture(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, store.SetOffer(ctx, "sess-1", "v=0 offer"))
	require.NoError(t, r.Resync(ctx))

	assert.Empty(t, h.descriptions)
	assert.Equal(t, StateNew, r.Machine().Current())
}

func TestResyncBuffersPeerCandidates(t *testing.T) {
	r, store, h := newRelayFixture(t, "bob", "alice")
	ctx := context.Background()

	require.NoError(t, store.SetOffer(ctx, "sess-1", "v=0 offer"))
	_, err := store.AppendCandidate(ctx, "sess-1", "alice", "cand-1")
	require.NoError(t, err)
	_, err = store.AppendCandidate(ctx, "sess-1", "bob", "own-cand")
	require.NoError(t, err)
	_, err = store.AppendCandidate(ctx, "sess-1", "alice", "cand-2")
	require.NoError(t, err)

	require.NoError(t, r.Resync(ctx))

	// Candidates stay buffered until the remote description is applied
	// locally, then flush in append order with own candidates dropped.
	assert.Empty(t, h.candidates)
	r.RemoteDescriptionApplied()
	assert.Equal(t, []string{"cand-1", "cand-2"}, h.candidates)
}

func TestResyncSessionGone(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	r := NewRelay(NewSessionContext("missing", "alice", "bob"), session.NewStore(rdb), nil, &recordingHandler{})
	assert.Error(t, r.Resync(context.Background()))
}

func TestSendCandidateCarriesLogPosition(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := session.NewStore(rdb)
	ctx := context.Background()
	require.NoError(t, rdb.HSet(ctx, session.Key("sess-1"), map[string]interface{}{
		"initiator_id": "alice",
		"responder_id": "bob",
		"created_at":   strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Err())

	bus := &fakeSignalBus{}
	r := NewRelay(NewSessionContext("sess-1", "alice", "bob"), store, bus, &recordingHandler{})

	require.NoError(t, r.SendCandidate(ctx, "cand-1"))
	require.NoError(t, r.SendCandidate(ctx, "cand-2"))

	require.Len(t, bus.candidates, 2)
	var n CandidateNotice
	require.NoError(t, json.Unmarshal(bus.candidates[0], &n))
	assert.Equal(t, "alice", n.SenderID)
	assert.Equal(t, int64(1), n.Seq)
	require.NoError(t, json.Unmarshal(bus.candidates[1], &n))
	assert.Equal(t, int64(2), n.Seq)

	// The notices mirror the store's append-only log positions.
	cands, err := store.Candidates(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, n.Seq, cands[1].Seq)
}

func TestOutOfOrderDescriptionDropped(t *testing.T) {
	r, store, h := newRelayFixture(t, "bob", "alice")
	ctx := context.Background()

	require.NoError(t, store.SetOffer(ctx, "sess-1", "v=0 offer"))
	require.NoError(t, r.Resync(ctx))
	require.Len(t, h.descriptions, 1)

	// A second replay of the same offer is illegal in offer_received and
	// must not reach the handler again.
	require.NoError(t, r.Resync(ctx))
	assert.Len(t, h.descriptions, 1)
}
