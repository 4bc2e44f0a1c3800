// Package report provides PostgreSQL-backed storage for user reports.
// Each report captures who reported whom, the session it happened in,
// and the reason, for moderator review and sanction decisions.
package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reason values accepted for a report, matching the CHECK constraint on
// the reports table.
const (
	ReasonInappropriate    = "inappropriate"
	ReasonSexualAggression = "sexual_aggression"
	ReasonHarassment       = "harassment"
	ReasonViolence         = "violence"
	ReasonSpam             = "spam"
	ReasonFakeVideo        = "fake_video"
)

var validReasons = map[string]bool{
	ReasonInappropriate:    true,
	ReasonSexualAggression: true,
	ReasonHarassment:       true,
	ReasonViolence:         true,
	ReasonSpam:             true,
	ReasonFakeVideo:        true,
}

// ValidReason reports whether the reason is one of the accepted values.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Store manages user reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report represents a single user report to be persisted.
type Report struct {
	ReporterID string
	ReportedID string
	SessionID  string
	Reason     string
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. The reason is validated against the allowed
// set before insertion.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !validReasons[report.Reason] {
		return fmt.Errorf("report: invalid reason %q", report.Reason)
	}

	const query = `
		INSERT INTO reports (reporter_id, reported_id, session_id, reason)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query,
		report.ReporterID,
		report.ReportedID,
		report.SessionID,
		report.Reason,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within
// the given time window. Sanction tooling uses this to decide bans.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
