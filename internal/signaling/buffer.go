package signaling

import "sync"

// CandidateBuffer holds network candidates that arrive before the
// remote description is applied. Once marked ready, buffered candidates
// are flushed in arrival order and later candidates pass straight
// through.
type CandidateBuffer struct {
	mu      sync.Mutex
	ready   bool
	pending []string
	apply   func(payload string)
}

// NewCandidateBuffer creates a buffer that delivers candidates through
// apply once Ready has been called.
func NewCandidateBuffer(apply func(payload string)) *CandidateBuffer {
	return &CandidateBuffer{apply: apply}
}

// Add delivers the candidate immediately when ready, otherwise queues
// it for the flush.
func (b *CandidateBuffer) Add(payload string) {
	b.mu.Lock()
	if !b.ready {
		b.pending = append(b.pending, payload)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.apply(payload)
}

// Ready flushes all buffered candidates in arrival order and switches
// the buffer to pass-through. Calling it again is a no-op.
func (b *CandidateBuffer) Ready() {
	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		return
	}
	b.ready = true
	flushed := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, payload := range flushed {
		b.apply(payload)
	}
}

// Pending returns the number of candidates still waiting for the flush.
func (b *CandidateBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
