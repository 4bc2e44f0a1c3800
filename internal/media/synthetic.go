package media

import (
	"context"
	"math"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SyntheticSource generates placeholder audio and video tracks for
// headless peers and tests, where no physical devices exist. The video
// track carries empty VP8 samples at a fixed frame rate and the audio
// track a generated Opus-framed sine pattern.
type SyntheticSource struct {
	cancel context.CancelFunc

	// Deny simulates a permission refusal; when set, Acquire returns
	// ErrAccessDenied without producing tracks.
	Deny bool
}

// NewSyntheticSource returns an unstarted synthetic source.
func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{}
}

// Acquire builds the sample tracks and starts the frame feeders.
func (s *SyntheticSource) Acquire() ([]webrtc.TrackLocal, error) {
	if s.Deny {
		return nil, ErrAccessDenied
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "synthetic")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "synthetic")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go feedVideo(ctx, video)
	go feedAudio(ctx, audio)

	return []webrtc.TrackLocal{video, audio}, nil
}

// Release stops the frame feeders. Safe to call repeatedly.
func (s *SyntheticSource) Release() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func feedVideo(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(time.Second / 15)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{
				Data:     []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a},
				Duration: time.Second / 15,
			})
		}
	}
}

func feedAudio(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	var t float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data := make([]byte, 40)
			for i := range data {
				data[i] = byte(128 + 64*math.Sin(t))
				t += 0.05
			}
			_ = track.WriteSample(media.Sample{Data: data, Duration: frame})
		}
	}
}
