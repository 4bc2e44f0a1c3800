package matching

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/olyx/video-chat/internal/logger"
	"github.com/olyx/video-chat/internal/messaging"
	"github.com/olyx/video-chat/internal/metrics"
	"github.com/olyx/video-chat/internal/profile"
	"github.com/olyx/video-chat/internal/queue"
)

// SearchRequest is the NATS payload sent by a gateway when a user
// starts searching. Filters are requested preferences; the service only
// honors them for paid, unsanctioned users.
type SearchRequest struct {
	UserID       string  `json:"user_id"`
	FilterGender *string `json:"filter_gender,omitempty"`
	FilterRegion *string `json:"filter_region,omitempty"`
}

// CancelRequest is the NATS payload sent when a user stops searching.
type CancelRequest struct {
	UserID string `json:"user_id"`
}

// ProfileStore is the full profile access the service needs.
type ProfileStore interface {
	ProfileReader
	SetPresence(ctx context.Context, userID, presence string) error
}

// Service hosts one search worker per waiting user, driven by search
// requests arriving over NATS.
type Service struct {
	nats        *messaging.NATSClient
	queue       *queue.Store
	profiles    ProfileStore
	selector    *Selector
	coordinator *Coordinator
	sessions    MembershipChecker
	workerCfg   WorkerConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*workerHandle
}

type workerHandle struct {
	cancel context.CancelFunc
}

// NewService wires the matching service.
func NewService(nats *messaging.NATSClient, q *queue.Store, profiles ProfileStore,
	selector *Selector, coordinator *Coordinator, sessions MembershipChecker, workerCfg WorkerConfig) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		nats:        nats,
		queue:       q,
		profiles:    profiles,
		selector:    selector,
		coordinator: coordinator,
		sessions:    sessions,
		workerCfg:   workerCfg,
		ctx:         ctx,
		cancel:      cancel,
		workers:     make(map[string]*workerHandle),
	}
}

// Start subscribes to NATS subjects and starts the maintenance loop.
func (s *Service) Start() error {
	if err := s.nats.SubscribeSearchRequest(s.handleSearchRequest); err != nil {
		return err
	}
	if err := s.nats.SubscribeSearchCancel(s.handleCancelRequest); err != nil {
		return err
	}

	go s.maintenanceLoop()

	logger.Info("matching service started")
	return nil
}

// Stop cancels every worker and shuts the service down.
func (s *Service) Stop() {
	s.cancel()

	s.mu.Lock()
	for _, h := range s.workers {
		h.cancel()
	}
	s.workers = make(map[string]*workerHandle)
	s.mu.Unlock()

	logger.Info("matching service stopped")
}

func (s *Service) handleSearchRequest(data []byte) {
	var req SearchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Warn("invalid search request", "error", err)
		return
	}
	if req.UserID == "" {
		return
	}

	prof, err := s.profiles.Get(s.ctx, req.UserID)
	if err != nil || prof == nil {
		logger.Warn("search request for unknown profile", "user", req.UserID, "error", err)
		return
	}

	entry := queue.Entry{
		UserID: prof.ID,
		Gender: prof.Gender,
		Region: prof.Region,
		IsPaid: prof.IsPaid,
	}
	// Filters are only honored for paid, unsanctioned users; everyone
	// else enqueues unfiltered.
	if prof.IsPaid && !prof.Sanctioned(time.Now()) {
		if req.FilterGender != nil {
			g := profile.Gender(*req.FilterGender)
			entry.FilterGender = &g
		}
		entry.FilterRegion = req.FilterRegion
	}

	if err := s.queue.Upsert(s.ctx, entry); err != nil {
		logger.Error("enqueue failed", "user", prof.ID, "error", err)
		return
	}
	if err := s.profiles.SetPresence(s.ctx, prof.ID, profile.PresenceSearching); err != nil {
		logger.Warn("set presence failed", "user", prof.ID, "error", err)
	}

	s.spawnWorker(prof.ID, entry)

	size, _ := s.queue.Count(s.ctx)
	metrics.QueueSize.Set(float64(size))
	logger.Info("user enqueued", "user", prof.ID, "queue_size", size)
}

func (s *Service) handleCancelRequest(data []byte) {
	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Warn("invalid cancel request", "error", err)
		return
	}

	s.stopWorker(req.UserID)

	if err := s.queue.Remove(s.ctx, req.UserID); err != nil {
		logger.Warn("dequeue failed", "user", req.UserID, "error", err)
	}
	if err := s.profiles.SetPresence(s.ctx, req.UserID, profile.PresenceOnline); err != nil {
		logger.Warn("set presence failed", "user", req.UserID, "error", err)
	}

	logger.Info("search cancelled", "user", req.UserID)
}

// spawnWorker starts (or restarts) the search worker for a user.
func (s *Service) spawnWorker(userID string, entry queue.Entry) {
	wctx, cancel := context.WithCancel(s.ctx)
	handle := &workerHandle{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.workers[userID]; ok {
		prev.cancel()
	}
	s.workers[userID] = handle
	s.mu.Unlock()

	w := NewWorker(userID, entry, s.profiles, s.queue, s.selector, s.coordinator, s.sessions, s.workerCfg)
	go func() {
		w.Run(wctx)
		cancel()
		s.mu.Lock()
		if s.workers[userID] == handle {
			delete(s.workers, userID)
		}
		s.mu.Unlock()
	}()
}

func (s *Service) stopWorker(userID string) {
	s.mu.Lock()
	if h, ok := s.workers[userID]; ok {
		h.cancel()
		delete(s.workers, userID)
	}
	s.mu.Unlock()
}

// maintenanceLoop prunes stale queue members and refreshes gauges.
func (s *Service) maintenanceLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if removed, err := s.queue.RemoveStale(s.ctx); err != nil {
				logger.Warn("queue cleanup failed", "error", err)
			} else if removed > 0 {
				logger.Info("queue cleanup", "removed", removed)
			}

			if size, err := s.queue.Count(s.ctx); err == nil {
				metrics.QueueSize.Set(float64(size))
			}
		}
	}
}
