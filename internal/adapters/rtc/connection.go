// Package rtc adapts a pion PeerConnection to the negotiation capability.
package rtc

import (
	"errors"
	"io"
	"sync"

	"github.com/dkeye/meetrelay/internal/client/negotiation"
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	logger zerolog.Logger

	mu       sync.Mutex
	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(negotiation.RemoteTrack)
	onClosed func()
	closed   sync.Once
}

// Config builds a pion configuration from ICE server URLs.
func Config(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceServers,
			},
		},
	}
}

// Factory returns a negotiation.PeerFactory opening connections with cfg.
func Factory(cfg webrtc.Configuration) negotiation.PeerFactory {
	return func(remote domain.ParticipantID) (negotiation.PeerConnection, error) {
		return NewWebRTCConnection(cfg, remote)
	}
}

func NewWebRTCConnection(cfg webrtc.Configuration, remote domain.ParticipantID) (*WebRTCConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:     pc,
		remote: remote,
		logger: log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
	}
	c.wire()
	return c, nil
}

func (c *WebRTCConnection) wire() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.fireClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go c.drain(track)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
}

// drain consumes inbound RTP so the receive buffers never fill up.
func (c *WebRTCConnection) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug().Err(err).Str("track_id", track.ID()).Msg("track read stopped")
			}
			return
		}
	}
}

func (c *WebRTCConnection) fireClosed() {
	c.closed.Do(func() {
		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	// Without a local track the offer still needs a media section to receive.
	if len(c.pc.GetTransceivers()) == 0 {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track to the PeerConnection.
func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP must be read for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(negotiation.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// OnClosed sets application-level callback fired once the connection fails or closes.
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	err := c.pc.Close()
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("closed")
	}
	return err
}

var _ negotiation.PeerConnection = (*WebRTCConnection)(nil)
