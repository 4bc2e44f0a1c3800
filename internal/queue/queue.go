// Package queue implements the Redis-backed store of users currently
// waiting to be paired. Entries carry the compatibility attributes the
// candidate selector filters on. At most one entry exists per user:
// re-enqueueing replaces the previous entry (upsert semantics).
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olyx/video-chat/internal/profile"
)

const (
	// Redis key patterns for the queue data structures.
	keyWaiting  = "queue:waiting" // Sorted set, score = enqueue timestamp (ms)
	entryPrefix = "queue:user:"   // + <user_id> -> Hash
	entryKeyTTL = 5 * time.Minute // auto-expire abandoned entries
)

// WaitingKey returns the sorted-set key holding the waiting order.
// Exported for the pairing coordinator's atomic script.
func WaitingKey() string { return keyWaiting }

// EntryKey returns the hash key for a user's queue entry.
// Exported for the pairing coordinator's atomic script.
func EntryKey(userID string) string { return entryPrefix + userID }

// Entry represents one waiting user. FilterGender and FilterRegion are
// nil unless the user is paid and unsanctioned at enqueue time.
type Entry struct {
	UserID       string
	Gender       profile.Gender
	Region       string
	IsPaid       bool
	FilterGender *profile.Gender
	FilterRegion *string
	EnqueuedAt   time.Time
}

// Store manages the Redis data structures for the waiting queue.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a queue store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Upsert adds a user to the queue, replacing any previous entry. The
// enqueue time always reflects the latest call.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	now := time.Now()
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = now
	}

	fields := map[string]interface{}{
		"gender":      string(e.Gender),
		"region":      e.Region,
		"is_paid":     strconv.FormatBool(e.IsPaid),
		"enqueued_at": strconv.FormatInt(e.EnqueuedAt.UnixMilli(), 10),
	}
	if e.FilterGender != nil {
		fields["filter_gender"] = string(*e.FilterGender)
	}
	if e.FilterRegion != nil {
		fields["filter_region"] = *e.FilterRegion
	}

	key := EntryKey(e.UserID)

	pipe := s.rdb.Pipeline()
	// Reset the hash so a re-enqueue doesn't inherit stale filters.
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, entryKeyTTL)
	pipe.ZAdd(ctx, keyWaiting, redis.Z{
		Score:  float64(e.EnqueuedAt.UnixMilli()),
		Member: e.UserID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Remove deletes a user's queue entry. Removing an absent entry is a no-op.
func (s *Store) Remove(ctx context.Context, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, keyWaiting, userID)
	pipe.Del(ctx, EntryKey(userID))
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a user's queue entry. Returns nil if not queued.
func (s *Store) Get(ctx context.Context, userID string) (*Entry, error) {
	result, err := s.rdb.HGetAll(ctx, EntryKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return entryFromHash(userID, result), nil
}

// IsQueued checks whether a user currently has a queue entry.
func (s *Store) IsQueued(ctx context.Context, userID string) (bool, error) {
	_, err := s.rdb.ZScore(ctx, keyWaiting, userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Count returns the number of users currently waiting.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyWaiting).Result()
}

// Window returns up to limit waiting entries, oldest first, excluding
// the given user. Entries whose hash has expired are skipped; a cleanup
// pass removes them from the sorted set eventually.
func (s *Store) Window(ctx context.Context, excludeUserID string, limit int) ([]Entry, error) {
	// Over-fetch by one in case the requester is inside the window.
	ids, err := s.rdb.ZRange(ctx, keyWaiting, 0, int64(limit)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if id == excludeUserID {
			continue
		}
		if len(entries) == limit {
			break
		}
		result, err := s.rdb.HGetAll(ctx, EntryKey(id)).Result()
		if err != nil || len(result) == 0 {
			continue // stale sorted-set member
		}
		entries = append(entries, *entryFromHash(id, result))
	}
	return entries, nil
}

// RemoveStale drops sorted-set members whose entry hash has expired.
func (s *Store) RemoveStale(ctx context.Context) (int, error) {
	ids, err := s.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		exists, err := s.rdb.Exists(ctx, EntryKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			if err := s.rdb.ZRem(ctx, keyWaiting, id).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func entryFromHash(userID string, h map[string]string) *Entry {
	e := &Entry{
		UserID: userID,
		Gender: profile.Gender(h["gender"]),
		Region: h["region"],
		IsPaid: h["is_paid"] == "true",
	}
	if ms, err := strconv.ParseInt(h["enqueued_at"], 10, 64); err == nil {
		e.EnqueuedAt = time.UnixMilli(ms)
	}
	if v, ok := h["filter_gender"]; ok {
		g := profile.Gender(v)
		e.FilterGender = &g
	}
	if v, ok := h["filter_region"]; ok {
		r := v
		e.FilterRegion = &r
	}
	return e
}
