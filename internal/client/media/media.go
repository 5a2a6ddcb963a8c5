// Package media is the capture capability consumed by the negotiation
// coordinator. Tracks are opaque handles passed straight to the peer
// connection.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// ErrCapabilityDenied is returned when capture is refused. It is fatal to
// the attempt; callers retry explicitly.
var ErrCapabilityDenied = errors.New("media capability denied")

type Source interface {
	Tracks(ctx context.Context) ([]webrtc.TrackLocal, error)
	// Close stops every track the source handed out.
	Close()
}

// NoneSource captures nothing; the participant only receives.
type NoneSource struct{}

func (NoneSource) Tracks(context.Context) ([]webrtc.TrackLocal, error) { return nil, nil }
func (NoneSource) Close()                                              {}

// DeniedSource always refuses capture.
type DeniedSource struct{}

func (DeniedSource) Tracks(context.Context) ([]webrtc.TrackLocal, error) {
	return nil, ErrCapabilityDenied
}
func (DeniedSource) Close() {}

// opusSilence is a single Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SyntheticSource produces one Opus audio track carrying silence, enough
// for remote peers to observe an established media track.
type SyntheticSource struct {
	streamID string

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyntheticSource(streamID string) *SyntheticSource {
	return &SyntheticSource{streamID: streamID}
}

func (s *SyntheticSource) Tracks(ctx context.Context) ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track != nil {
		return []webrtc.TrackLocal{s.track}, nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", s.streamID,
	)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.track, s.cancel, s.done = track, cancel, make(chan struct{})
	go s.pump(runCtx, track, s.done)
	return []webrtc.TrackLocal{track}, nil
}

func (s *SyntheticSource) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "media").Msg("write sample")
			}
		}
	}
}

func (s *SyntheticSource) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.track, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// ByName returns the source for a CLI value: "none", "synthetic" or "denied".
func ByName(name, streamID string) (Source, error) {
	switch name {
	case "", "none":
		return NoneSource{}, nil
	case "synthetic":
		return NewSyntheticSource(streamID), nil
	case "denied":
		return DeniedSource{}, nil
	default:
		return nil, errors.New("unknown media source: " + name)
	}
}
