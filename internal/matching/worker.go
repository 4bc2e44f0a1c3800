package matching

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
	"github.com/olyx/video-chat/internal/session"
)

// ProfileReader is the slice of the profile store a worker reads.
type ProfileReader interface {
	Get(ctx context.Context, userID string) (*profile.Profile, error)
}

// WorkerConfig controls a search worker's polling cadence.
type WorkerConfig struct {
	// Interval is the base poll period; Jitter is the maximum random
	// extra delay added to each poll so concurrent workers don't hammer
	// the queue store in lockstep.
	Interval time.Duration
	Jitter   time.Duration
}

// DefaultWorkerConfig returns the standard cadence.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Interval: 2 * time.Second, Jitter: 500 * time.Millisecond}
}

// Worker drives one waiting user's periodic search. Workers share no
// in-process state with each other; all coordination happens through
// the stores, and the coordinator's atomic pairing is the only
// correctness boundary.
type Worker struct {
	userID      string
	entry       queue.Entry // the entry to restore on re-enqueue
	profiles    ProfileReader
	queue       *queue.Store
	selector    *Selector
	coordinator *Coordinator
	sessions    MembershipChecker
	cfg         WorkerConfig

	// OnPaired is invoked once when this worker's own TryPair succeeds.
	// Responder-side discovery happens via the session.created
	// notification instead, not through the worker.
	OnPaired func(sess *session.Session)
}

// NewWorker creates a search worker for the given queued user.
func NewWorker(userID string, entry queue.Entry, profiles ProfileReader, q *queue.Store,
	selector *Selector, coordinator *Coordinator, sessions MembershipChecker, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg = DefaultWorkerConfig()
	}
	return &Worker{
		userID:      userID,
		entry:       entry,
		profiles:    profiles,
		queue:       q,
		selector:    selector,
		coordinator: coordinator,
		sessions:    sessions,
		cfg:         cfg,
	}
}

// Run polls until the user is paired or ctx is cancelled. Cancelling
// the context is the only way to stop an unpaired worker; callers do so
// on leave, "next", and disconnect.
func (w *Worker) Run(ctx context.Context) {
	for {
		delay := w.cfg.Interval
		if w.cfg.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(w.cfg.Jitter)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if done := w.tick(ctx); done {
			return
		}
	}
}

// tick runs one search attempt. Returns true when the worker's job is
// finished (paired, or claimed by the other side).
func (w *Worker) tick(ctx context.Context) bool {
	// A concurrent pairing may have claimed us as the responder. The
	// session.created notification carries the details; here we only
	// clear the leftover queue entry and stop searching.
	sid, err := w.sessions.MemberSession(ctx, w.userID)
	if err != nil {
		logger.Warn("membership check failed", "user", w.userID, "error", err)
		return false
	}
	if sid != "" {
		if err := w.queue.Remove(ctx, w.userID); err != nil {
			logger.Warn("dequeue after claim failed", "user", w.userID, "error", err)
		}
		return true
	}

	// A prior conflicted attempt may have left us dequeued but
	// unmatched. Observing no session, restore the entry and keep
	// polling.
	queued, err := w.queue.IsQueued(ctx, w.userID)
	if err != nil {
		logger.Warn("queue check failed", "user", w.userID, "error", err)
		return false
	}
	if !queued {
		if err := w.queue.Upsert(ctx, w.entry); err != nil {
			logger.Warn("re-enqueue failed", "user", w.userID, "error", err)
			return false
		}
	}

	prof, err := w.profiles.Get(ctx, w.userID)
	if err != nil {
		logger.Warn("load profile failed", "user", w.userID, "error", err)
		return false
	}

	candidate, err := w.selector.Select(ctx, prof)
	if err != nil {
		logger.Warn("candidate selection failed", "user", w.userID, "error", err)
		return false
	}
	if candidate == nil {
		return false
	}

	sess, err := w.coordinator.TryPair(ctx, prof, *candidate)
	if errors.Is(err, ErrPairingConflict) {
		// Expected race: someone claimed us or the candidate first.
		// Next tick either observes our own session or searches again.
		return false
	}
	if err != nil {
		logger.Warn("pairing failed", "user", w.userID, "error", err)
		return false
	}

	if w.OnPaired != nil {
		w.OnPaired(sess)
	}
	return true
}
