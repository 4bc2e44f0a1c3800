package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Store manages profile records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a profile store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves a profile by user ID. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	const query = `
		SELECT id, display_name, gender, region, is_paid,
		       filter_gender, filter_region, presence, ban_until,
		       report_count, match_count,
		       match_pattern_seed, match_pattern_position
		FROM profiles
		WHERE id = $1`

	var (
		p            Profile
		filterGender sql.NullString
		filterRegion sql.NullString
		banUntil     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.ID, &p.DisplayName, &p.Gender, &p.Region, &p.IsPaid,
		&filterGender, &filterRegion, &p.Presence, &banUntil,
		&p.ReportCount, &p.MatchCount,
		&p.PatternSeed, &p.PatternPosition,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get %s: %w", userID, err)
	}

	if filterGender.Valid {
		g := Gender(filterGender.String)
		p.FilterGender = &g
	}
	if filterRegion.Valid {
		r := filterRegion.String
		p.FilterRegion = &r
	}
	if banUntil.Valid {
		t := banUntil.Time
		p.BanUntil = &t
	}
	return &p, nil
}

// SetPresence updates the presence status for a single user.
func (s *Store) SetPresence(ctx context.Context, userID, presence string) error {
	const query = `UPDATE profiles SET presence = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, userID, presence); err != nil {
		return fmt.Errorf("profile: set presence %s: %w", userID, err)
	}
	return nil
}

// SetPresenceAll updates the presence status for several users at once.
func (s *Store) SetPresenceAll(ctx context.Context, userIDs []string, presence string) error {
	const query = `UPDATE profiles SET presence = $2 WHERE id = ANY($1)`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(userIDs), presence); err != nil {
		return fmt.Errorf("profile: set presence %v: %w", userIDs, err)
	}
	return nil
}

// AdvancePatternPosition moves the user's pattern position forward by
// one, wrapping at sequenceLength. The pairing coordinator serializes
// calls per user, so a plain read-modify-write in SQL is sufficient.
func (s *Store) AdvancePatternPosition(ctx context.Context, userID string, sequenceLength int) error {
	const query = `
		UPDATE profiles
		SET match_pattern_position = (match_pattern_position + 1) % $2
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, userID, sequenceLength); err != nil {
		return fmt.Errorf("profile: advance pattern %s: %w", userID, err)
	}
	return nil
}

// IncrementMatchCount bumps the user's lifetime match counter.
// Best-effort: callers log failures and never block pairing on them.
func (s *Store) IncrementMatchCount(ctx context.Context, userID string) error {
	const query = `UPDATE profiles SET match_count = match_count + 1 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("profile: increment match count %s: %w", userID, err)
	}
	return nil
}

// IncrementReportCount bumps the user's lifetime report counter.
// Best-effort, same as IncrementMatchCount.
func (s *Store) IncrementReportCount(ctx context.Context, userID string) error {
	const query = `UPDATE profiles SET report_count = report_count + 1 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("profile: increment report count %s: %w", userID, err)
	}
	return nil
}
