// Package moderation reacts to violation verdicts produced by external
// content analysis. Detection itself happens outside this service; this
// package owns what follows a verdict: immediate session teardown, an
// automatic report against the offender, and the offender's report
// counter.
package moderation

import (
	"context"
	"fmt"

	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/report"
	"github.com/olyx/video-chat/internal/session"
)

// ViolationKind identifies what the analyzer flagged.
type ViolationKind string

const (
	ViolationNSFWContent ViolationKind = "nsfw_content"
	ViolationBotDetected ViolationKind = "bot_detected"
)

// Violation is a verdict delivered for a live session.
type Violation struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"` // the flagged participant
	Kind      ViolationKind `json:"kind"`
}

// reason maps a violation kind to the report reason recorded against
// the offender.
func (v Violation) reason() string {
	switch v.Kind {
	case ViolationBotDetected:
		return report.ReasonFakeVideo
	default:
		return report.ReasonInappropriate
	}
}

// SessionEnder tears down a session; the pairing coordinator implements it.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID, reason string) error
}

// ReportWriter persists the automatic report.
type ReportWriter interface {
	Create(ctx context.Context, r *report.Report) error
}

// CounterWriter bumps the offender's report counter.
type CounterWriter interface {
	IncrementReportCount(ctx context.Context, userID string) error
}

// Handler applies the consequences of a violation.
type Handler struct {
	sessions *session.Store
	ender    SessionEnder
	reports  ReportWriter
	counters CounterWriter
}

// NewHandler wires a violation handler.
func NewHandler(sessions *session.Store, ender SessionEnder, reports ReportWriter, counters CounterWriter) *Handler {
	return &Handler{sessions: sessions, ender: ender, reports: reports, counters: counters}
}

// OnViolation ends the session immediately and files an automatic
// report from the peer against the flagged user. Teardown failure is
// the only fatal outcome; bookkeeping failures are logged and the
// verdict still stands.
func (h *Handler) OnViolation(ctx context.Context, v Violation) error {
	sess, err := h.sessions.Get(ctx, v.SessionID)
	if err != nil {
		return fmt.Errorf("moderation: load session %s: %w", v.SessionID, err)
	}

	var peerID string
	if sess != nil {
		peerID = sess.Peer(v.UserID)
	}

	if err := h.ender.EndSession(ctx, v.SessionID, string(v.Kind)); err != nil {
		return fmt.Errorf("moderation: end session %s: %w", v.SessionID, err)
	}

	if sess == nil {
		logger.Warn("violation for absent session", "session", v.SessionID, "kind", v.Kind)
		return nil
	}

	auto := &report.Report{
		ReporterID: peerID,
		ReportedID: v.UserID,
		SessionID:  v.SessionID,
		Reason:     v.reason(),
	}
	if err := h.reports.Create(ctx, auto); err != nil {
		logger.Error("auto report failed", "session", v.SessionID, "user", v.UserID, "error", err)
	}
	if err := h.counters.IncrementReportCount(ctx, v.UserID); err != nil {
		logger.Warn("report counter failed", "user", v.UserID, "error", err)
	}

	logger.Info("violation handled", "session", v.SessionID, "user", v.UserID, "kind", v.Kind)
	return nil
}
