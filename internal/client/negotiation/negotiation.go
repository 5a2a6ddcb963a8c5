// Package negotiation drives one peer-connection state machine per remote
// participant over the signaling channel.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/meetrelay/internal/client/media"
	"github.com/dkeye/meetrelay/internal/client/signal"
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/pion/webrtc/v4"
)

var (
	ErrCapabilityDenied = media.ErrCapabilityDenied
	ErrClosed           = errors.New("coordinator closed")
)

type Phase int32

const (
	Idle Phase = iota
	Offering
	Answering
	Connected
	Closed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteTrack is what the application learns about an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the media-connection capability for one remote peer.
// CreateOffer and CreateAnswer also apply the result as the local
// description. Callbacks may fire on any goroutine.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnClosed(fn func())
	Close() error
}

// PeerFactory opens a fresh connection towards remote.
type PeerFactory func(remote domain.ParticipantID) (PeerConnection, error)

// Transport is the signaling channel as seen by the coordinator. Inbound
// messages and open notifications carry the connection generation.
type Transport interface {
	Run(ctx context.Context) error
	Send(msg protocol.Message) error
	Incoming() <-chan signal.Inbound
	Opened() <-chan uint64
	Close()
}

type EventKind int

const (
	// PeerStream reports an established inbound track from Peer.
	PeerStream EventKind = iota
	// PeerLeft reports that the state for Peer was released.
	PeerLeft
	// Chat carries a chat payload. Local marks the echo of our own message.
	Chat
)

func (k EventKind) String() string {
	switch k {
	case PeerStream:
		return "peer-stream"
	case PeerLeft:
		return "peer-left"
	case Chat:
		return "chat"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Peer    domain.ParticipantID
	Track   RemoteTrack
	Message json.RawMessage
	Local   bool
}
