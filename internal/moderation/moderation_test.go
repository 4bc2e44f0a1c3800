package moderation

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olyx/video-chat/internal/report"
	"github.com/olyx/video-chat/internal/session"
)

type fakeEnder struct {
	sessionID string
	reason    string
	err       error
}

func (f *fakeEnder) EndSession(_ context.Context, sessionID, reason string) error {
	f.sessionID = sessionID
	f.reason = reason
	return f.err
}

type fakeReports struct {
	created []*report.Report
	err     error
}

func (f *fakeReports) Create(_ context.Context, r *report.Report) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, r)
	return nil
}

type fakeCounters struct {
	bumped []string
}

func (f *fakeCounters) IncrementReportCount(_ context.Context, userID string) error {
	f.bumped = append(f.bumped, userID)
	return nil
}

func newHandlerFixture(t *testing.T) (*Handler, *redis.Client, *fakeEnder, *fakeReports, *fakeCounters) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ender := &fakeEnder{}
	reports := &fakeReports{}
	counters := &fakeCounters{}
	h := NewHandler(session.NewStore(rdb), ender, reports, counters)
	return h, rdb, ender, reports, counters
}

func seedSession(t *testing.T, rdb *redis.Client, sessionID, initiator, responder string) {
	t.Helper()

	created := strconv.FormatInt(time.Now().UnixMilli(), 10)
	require.NoError(t, rdb.HSet(context.Background(), session.Key(sessionID), map[string]interface{}{
		"initiator_id": initiator,
		"responder_id": responder,
		"created_at":   created,
	}).Err())
}

func TestOnViolationEndsSessionAndAutoReports(t *testing.T) {
	h, rdb, ender, reports, counters := newHandlerFixture(t)
	seedSession(t, rdb, "sess-1", "alice", "bob")

	err := h.OnViolation(context.Background(), Violation{
		SessionID: "sess-1",
		UserID:    "bob",
		Kind:      ViolationNSFWContent,
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", ender.sessionID)
	assert.Equal(t, "nsfw_content", ender.reason)

	// The report is filed by the peer against the flagged user.
	require.Len(t, reports.created, 1)
	r := reports.created[0]
	assert.Equal(t, "alice", r.ReporterID)
	assert.Equal(t, "bob", r.ReportedID)
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, report.ReasonInappropriate, r.Reason)

	assert.Equal(t, []string{"bob"}, counters.bumped)
}

func TestOnViolationBotMapsToFakeVideo(t *testing.T) {
	h, rdb, _, reports, _ := newHandlerFixture(t)
	seedSession(t, rdb, "sess-1", "alice", "bob")

	err := h.OnViolation(context.Background(), Violation{
		SessionID: "sess-1",
		UserID:    "alice",
		Kind:      ViolationBotDetected,
	})
	require.NoError(t, err)

	require.Len(t, reports.created, 1)
	assert.Equal(t, report.ReasonFakeVideo, reports.created[0].Reason)
	assert.Equal(t, "bob", reports.created[0].ReporterID)
}

func TestOnViolationAbsentSession(t *testing.T) {
	h, _, ender, reports, counters := newHandlerFixture(t)

	err := h.OnViolation(context.Background(), Violation{
		SessionID: "missing",
		UserID:    "bob",
		Kind:      ViolationNSFWContent,
	})
	require.NoError(t, err)

	// Teardown still runs for idempotency, but no report is filed.
	assert.Equal(t, "missing", ender.sessionID)
	assert.Empty(t, reports.created)
	assert.Empty(t, counters.bumped)
}

func TestOnViolationTeardownFailureIsFatal(t *testing.T) {
	h, rdb, ender, reports, _ := newHandlerFixture(t)
	seedSession(t, rdb, "sess-1", "alice", "bob")
	ender.err = errors.New("redis down")

	err := h.OnViolation(context.Background(), Violation{
		SessionID: "sess-1",
		UserID:    "bob",
		Kind:      ViolationNSFWContent,
	})
	assert.Error(t, err)
	assert.Empty(t, reports.created)
}

func TestOnViolationReportFailureNotFatal(t *testing.T) {
	h, rdb, _, reports, counters := newHandlerFixture(t)
	seedSession(t, rdb, "sess-1", "alice", "bob")
	reports.err = errors.New("postgres down")

	err := h.OnViolation(context.Background(), Violation{
		SessionID: "sess-1",
		UserID:    "bob",
		Kind:      ViolationNSFWContent,
	})
	require.NoError(t, err)

	// The counter still bumps despite the failed insert.
	assert.Equal(t, []string{"bob"}, counters.bumped)
}
