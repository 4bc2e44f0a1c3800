// Package matching pairs waiting users: the selector scans the queue
// for the best compatible peer, the coordinator converts a selection
// into an exclusive session, and per-user workers drive the periodic
// search loops.
package matching

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/olyx/video-chat/internal/gate"
	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
)

// MembershipChecker reports which open session, if any, contains a user.
type MembershipChecker interface {
	MemberSession(ctx context.Context, userID string) (string, error)
}

// SelectorConfig holds the selection policy knobs.
type SelectorConfig struct {
	// Window bounds how many waiting entries one pass examines.
	Window int
	// SanctionMatchProbability is the chance a sanctioned requester's
	// attempt proceeds at all. Throttles, never eliminates, their
	// ability to match.
	SanctionMatchProbability float64
}

// DefaultSelectorConfig returns the standard policy.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{Window: 10, SanctionMatchProbability: 0.1}
}

// Selector scans the queue store for a requester's best compatible peer.
type Selector struct {
	queue    *queue.Store
	sessions MembershipChecker
	cfg      SelectorConfig

	// randFloat and now are injectable for tests.
	randFloat func() float64
	now       func() time.Time
}

// NewSelector creates a selector over the given stores.
func NewSelector(q *queue.Store, sessions MembershipChecker, cfg SelectorConfig) *Selector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultSelectorConfig().Window
	}
	return &Selector{
		queue:     q,
		sessions:  sessions,
		cfg:       cfg,
		randFloat: rand.Float64,
		now:       time.Now,
	}
}

// Select returns the best compatible waiting peer for the requester, or
// nil if none is currently available. An empty queue, a missing
// requester profile, or a requester that is already in a session all
// yield (nil, nil): "no candidate" is not an error.
func (s *Selector) Select(ctx context.Context, requester *profile.Profile) (*queue.Entry, error) {
	if requester == nil {
		return nil, nil
	}

	// Sanctioned users get a probability gate. Failing it looks exactly
	// like an empty queue to the caller.
	sanctioned := requester.Sanctioned(s.now())
	if sanctioned && s.randFloat() > s.cfg.SanctionMatchProbability {
		return nil, nil
	}

	// A requester already claimed by a concurrent pairing must not
	// select anyone else.
	if sid, err := s.sessions.MemberSession(ctx, requester.ID); err != nil {
		return nil, err
	} else if sid != "" {
		return nil, nil
	}

	window, err := s.queue.Window(ctx, requester.ID, s.cfg.Window)
	if err != nil {
		return nil, err
	}
	if len(window) == 0 {
		return nil, nil
	}

	compatible := window[:0]
	for i := range window {
		if s.compatible(requester, sanctioned, &window[i]) {
			compatible = append(compatible, window[i])
		}
	}
	if len(compatible) == 0 {
		return nil, nil
	}

	// Paid candidates first, then oldest first. The window is already
	// in enqueue order, so a stable sort on the paid flag suffices.
	sort.SliceStable(compatible, func(i, j int) bool {
		return compatible[i].IsPaid && !compatible[j].IsPaid
	})

	top := compatible[0]
	return &top, nil
}

// compatible applies the gender gate and the premium filters.
func (s *Selector) compatible(requester *profile.Profile, sanctioned bool, c *queue.Entry) bool {
	if !requester.IsPaid {
		// Free users match whichever gender their pattern permits this
		// turn. Both sides compute this independently and identically.
		if c.Gender != gate.EligibleGender(requester.Gender, requester.PatternSeed, requester.PatternPosition) {
			return false
		}
		return true
	}

	if !sanctioned {
		if requester.FilterGender != nil && c.Gender != *requester.FilterGender {
			return false
		}
		if requester.FilterRegion != nil && c.Region != *requester.FilterRegion {
			return false
		}

		// Mutual satisfaction: a paid candidate's filters must accept
		// the requester too.
		if c.IsPaid {
			if c.FilterGender != nil && requester.Gender != *c.FilterGender {
				return false
			}
			if c.FilterRegion != nil && requester.Region != *c.FilterRegion {
				return false
			}
		}
	}

	return true
}

// SetRandForTest overrides the probability-gate randomness source.
func (s *Selector) SetRandForTest(f func() float64) { s.randFloat = f }

// SetNowForTest overrides the clock used for sanction checks.
func (s *Selector) SetNowForTest(f func() time.Time) { s.now = f }
