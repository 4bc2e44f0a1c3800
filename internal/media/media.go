// Package media models local audio/video acquisition for a call. A
// Source produces the WebRTC tracks a connection publishes; Capture
// wraps a source with single-acquire, idempotent-release semantics so
// a connection never holds the device twice and teardown paths can all
// call Release safely.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrAccessDenied reports that the local device refused capture, for
// example a revoked camera or microphone permission.
var ErrAccessDenied = errors.New("media: device access denied")

// Source provides local tracks for a peer connection.
type Source interface {
	// Acquire opens the underlying devices and returns the tracks to
	// publish. It returns ErrAccessDenied when permission is refused.
	Acquire() ([]webrtc.TrackLocal, error)
	// Release closes the devices. It must be safe to call repeatedly.
	Release()
}

// Capture mediates access to a Source: the first Acquire opens it, the
// tracks are reused until Release, and Release is idempotent.
type Capture struct {
	mu       sync.Mutex
	source   Source
	tracks   []webrtc.TrackLocal
	acquired bool
}

// NewCapture wraps a source.
func NewCapture(source Source) *Capture {
	return &Capture{source: source}
}

// Acquire opens the source on first use and returns the cached tracks
// afterwards.
func (c *Capture) Acquire() ([]webrtc.TrackLocal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquired {
		return c.tracks, nil
	}

	tracks, err := c.source.Acquire()
	if err != nil {
		return nil, err
	}
	c.tracks = tracks
	c.acquired = true
	return tracks, nil
}

// Release closes the source. Repeated calls are no-ops.
func (c *Capture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquired {
		return
	}
	c.source.Release()
	c.tracks = nil
	c.acquired = false
}

// Acquired reports whether the source is currently held.
func (c *Capture) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}
