package negotiation

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// peer is the negotiation state for one remote participant. Every operation
// on it runs on its own goroutine in submission order.
type peer struct {
	id     domain.ParticipantID
	c      *Coordinator
	logger zerolog.Logger
	phase  atomic.Int32

	mu    sync.Mutex
	inbox deque.Deque
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once

	// owned by the peer goroutine
	pc        PeerConnection
	remoteSet bool
	pending   deque.Deque
}

func newPeer(c *Coordinator, id domain.ParticipantID) *peer {
	return &peer{
		id:     id,
		c:      c,
		logger: log.With().Str("module", "negotiation").Str("remote", string(id)).Logger(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

func (p *peer) Phase() Phase { return Phase(p.phase.Load()) }

func (p *peer) setPhase(ph Phase) {
	old := Phase(p.phase.Swap(int32(ph)))
	if old != ph {
		p.logger.Debug().Str("from", old.String()).Str("to", ph.String()).Msg("phase")
	}
}

// enqueue never blocks, so the dispatch loop keeps serving other peers.
func (p *peer) enqueue(op func()) {
	p.mu.Lock()
	p.inbox.PushBack(op)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *peer) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inbox.Len() == 0 {
		return nil, false
	}
	return p.inbox.PopFront().(func()), true
}

func (p *peer) shutdown() { p.once.Do(func() { close(p.stop) }) }

func (p *peer) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *peer) run() {
	defer p.release()
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for !p.stopped() {
			op, ok := p.next()
			if !ok {
				break
			}
			op()
		}
	}
}

func (p *peer) release() {
	p.setPhase(Closed)
	if p.pc != nil {
		if err := p.pc.Close(); err != nil {
			p.logger.Debug().Err(err).Msg("close peer connection")
		}
		p.pc = nil
	}
	for p.pending.Len() > 0 {
		p.pending.PopFront()
	}
}

// connect opens a fresh connection with local tracks attached.
func (p *peer) connect() error {
	pc, err := p.c.newPeer(p.id)
	if err != nil {
		return err
	}
	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		raw, err := json.Marshal(ci)
		if err != nil {
			p.logger.Error().Err(err).Msg("encode candidate")
			return
		}
		p.c.send(protocol.ICECandidate{Target: p.id, Candidate: raw})
	})
	pc.OnTrack(func(t RemoteTrack) {
		p.enqueue(func() { p.trackArrived(pc, t) })
	})
	pc.OnClosed(func() {
		p.enqueue(func() {
			if p.pc == pc {
				p.c.removePeer(p)
			}
		})
	})
	for _, t := range p.c.localTracks() {
		if err := pc.AddTrack(t); err != nil {
			p.logger.Error().Err(err).Str("track", t.ID()).Msg("add local track")
		}
	}
	p.pc = pc
	p.remoteSet = false
	return nil
}

// reset discards the current connection. Buffered candidates are kept: they
// belong to the remote description about to be applied.
func (p *peer) reset() {
	if p.pc != nil {
		_ = p.pc.Close()
		p.pc = nil
	}
	p.remoteSet = false
	p.setPhase(Idle)
}

func (p *peer) offer() {
	if p.Phase() != Idle {
		return
	}
	if p.pc == nil {
		if err := p.connect(); err != nil {
			p.logger.Error().Err(err).Msg("open peer connection")
			return
		}
	}
	sdp, err := p.pc.CreateOffer()
	if err != nil {
		p.logger.Error().Err(err).Msg("create offer")
		return
	}
	raw, err := json.Marshal(sdp)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode offer")
		return
	}
	p.setPhase(Offering)
	p.c.send(protocol.Offer{Target: p.id, Offer: raw})
}

func (p *peer) answer(raw json.RawMessage) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		p.logger.Error().Err(err).Msg("decode offer")
		return
	}

	if p.Phase() == Offering {
		self := p.c.selfID()
		if self != "" && self < p.id {
			p.logger.Info().Msg("glare, keeping local offer")
			return
		}
		p.logger.Info().Msg("glare, yielding to remote offer")
		p.reset()
	}
	if p.pc == nil {
		if err := p.connect(); err != nil {
			p.logger.Error().Err(err).Msg("open peer connection")
			return
		}
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		p.logger.Error().Err(err).Msg("apply remote offer")
		return
	}
	p.remoteSet = true
	p.flush()

	sdp, err := p.pc.CreateAnswer()
	if err != nil {
		p.logger.Error().Err(err).Msg("create answer")
		return
	}
	out, err := json.Marshal(sdp)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode answer")
		return
	}
	if p.Phase() != Connected {
		p.setPhase(Answering)
	}
	p.c.send(protocol.Answer{Target: p.id, Answer: out})
}

func (p *peer) acceptAnswer(raw json.RawMessage) {
	if p.Phase() != Offering {
		p.logger.Warn().Str("phase", p.Phase().String()).Msg("unexpected answer, ignored")
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		p.logger.Error().Err(err).Msg("decode answer")
		return
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		p.logger.Error().Err(err).Msg("apply remote answer")
		return
	}
	p.remoteSet = true
	p.flush()
}

func (p *peer) candidate(raw json.RawMessage) {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		p.logger.Error().Err(err).Msg("decode candidate")
		return
	}
	if !p.remoteSet {
		p.pending.PushBack(ci)
		return
	}
	if err := p.pc.AddICECandidate(ci); err != nil {
		p.logger.Error().Err(err).Msg("add candidate")
	}
}

// flush applies buffered candidates in arrival order.
func (p *peer) flush() {
	for p.pending.Len() > 0 {
		ci := p.pending.PopFront().(webrtc.ICECandidateInit)
		if err := p.pc.AddICECandidate(ci); err != nil {
			p.logger.Error().Err(err).Msg("add buffered candidate")
		}
	}
}

func (p *peer) trackArrived(pc PeerConnection, t RemoteTrack) {
	if p.pc != pc {
		return
	}
	p.setPhase(Connected)
	p.logger.Info().Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("remote track")
	p.c.events.emit(Event{Kind: PeerStream, Peer: p.id, Track: t})
}
