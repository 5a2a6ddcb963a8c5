package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meetrelay/internal/client/media"
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type Options struct {
	Transport Transport
	NewPeer   PeerFactory
	Media     media.Source
	// EventBuffer bounds each subscription's queue.
	EventBuffer int
}

// Coordinator owns every peer state of one local participant. Inbound
// messages are dispatched on one goroutine; each peer then runs its own
// operations in order, so a slow negotiation never stalls other peers.
type Coordinator struct {
	transport Transport
	newPeer   PeerFactory
	media     media.Source
	events    *hub

	mu     sync.Mutex
	self   domain.ParticipantID
	room   domain.RoomID
	tracks []webrtc.TrackLocal
	peers  map[domain.ParticipantID]*peer
	closed bool

	cancel  context.CancelFunc
	wg      conc.WaitGroup
	cleanup sync.Once
}

func New(opts Options) *Coordinator {
	src := opts.Media
	if src == nil {
		src = media.NoneSource{}
	}
	return &Coordinator{
		transport: opts.Transport,
		newPeer:   opts.NewPeer,
		media:     src,
		events:    newHub(opts.EventBuffer),
		peers:     make(map[domain.ParticipantID]*peer),
	}
}

// Start runs the transport and the dispatch loop until ctx is done or
// Cleanup is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Go(func() {
		if err := c.transport.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Info().Err(err).Str("module", "negotiation").Msg("transport stopped")
		}
	})
	c.wg.Go(func() { c.dispatch(ctx) })
}

// dispatch owns gen, the newest connection generation seen. Messages from an
// older connection are stale and dropped; the first message of a newer one
// implies its reopen even if the open signal has not been read yet.
func (c *Coordinator) dispatch(ctx context.Context) {
	incoming, opened := c.transport.Incoming(), c.transport.Opened()
	var gen uint64
	advance := func(next uint64) {
		if next > gen {
			gen = next
			c.reopened()
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-opened:
			advance(next)
		case in, ok := <-incoming:
			if !ok {
				return
			}
			if in.Gen < gen {
				log.Debug().Str("module", "negotiation").Str("type", string(in.Msg.Type())).
					Uint64("gen", in.Gen).Uint64("current", gen).Msg("stale message dropped")
				continue
			}
			advance(in.Gen)
			c.handle(in.Msg)
		}
	}
}

func (c *Coordinator) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Welcome:
		c.mu.Lock()
		c.self = m.UserID
		c.mu.Unlock()
		log.Info().Str("module", "negotiation").Str("self", string(m.UserID)).Msg("welcome")
	case protocol.UserJoined:
		if m.UserID == c.selfID() {
			return
		}
		p, created := c.peerFor(m.UserID)
		if p == nil {
			return
		}
		if !created {
			log.Debug().Str("module", "negotiation").Str("remote", string(m.UserID)).Msg("duplicate user-joined ignored")
			return
		}
		p.enqueue(p.offer)
	case protocol.UserLeft:
		c.mu.Lock()
		p := c.peers[m.UserID]
		c.mu.Unlock()
		if p != nil {
			c.removePeer(p)
		}
	case protocol.Offer:
		if p, _ := c.peerFor(m.From); p != nil {
			p.enqueue(func() { p.answer(m.Offer) })
		}
	case protocol.Answer:
		if p := c.existing(m.From); p != nil {
			p.enqueue(func() { p.acceptAnswer(m.Answer) })
		}
	case protocol.ICECandidate:
		if p := c.existing(m.From); p != nil {
			p.enqueue(func() { p.candidate(m.Candidate) })
		}
	case protocol.ChatMessage:
		c.events.emit(Event{Kind: Chat, Message: m.Message})
	default:
		log.Debug().Str("module", "negotiation").Str("type", string(msg.Type())).Msg("ignored")
	}
}

// peerFor returns the state for id, creating it if absent.
func (c *Coordinator) peerFor(id domain.ParticipantID) (*peer, bool) {
	if id == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	if p, ok := c.peers[id]; ok {
		return p, false
	}
	p := newPeer(c, id)
	c.peers[id] = p
	c.wg.Go(p.run)
	return p, true
}

func (c *Coordinator) existing(id domain.ParticipantID) *peer {
	c.mu.Lock()
	p := c.peers[id]
	c.mu.Unlock()
	if p == nil {
		log.Debug().Str("module", "negotiation").Str("remote", string(id)).Msg("no peer state, dropped")
	}
	return p
}

// removePeer releases p if it is still the registered state for its id.
func (c *Coordinator) removePeer(p *peer) {
	c.mu.Lock()
	if c.peers[p.id] != p {
		c.mu.Unlock()
		return
	}
	delete(c.peers, p.id)
	c.mu.Unlock()

	p.shutdown()
	log.Info().Str("module", "negotiation").Str("remote", string(p.id)).Msg("peer left")
	c.events.emit(Event{Kind: PeerLeft, Peer: p.id})
}

func (c *Coordinator) dropAll() {
	c.mu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		c.removePeer(p)
	}
}

// reopened runs after every (re)connect: state negotiated over the old
// connection is stale, and the relay forgot our membership.
func (c *Coordinator) reopened() {
	c.dropAll()
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room != "" {
		log.Info().Str("module", "negotiation").Str("room", string(room)).Msg("rejoining")
		c.send(protocol.Join{RoomID: room})
	}
}

// Join acquires local media and enters roomID. A join that cannot be sent
// because the channel is down is sent once it opens.
func (c *Coordinator) Join(ctx context.Context, roomID domain.RoomID) error {
	if err := roomID.Validate(); err != nil {
		return err
	}
	tracks, err := c.media.Tracks(ctx)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.room
	c.room = roomID
	c.tracks = tracks
	c.mu.Unlock()

	if prev != "" && prev != roomID {
		c.dropAll()
	}
	if err := c.transport.Send(protocol.Join{RoomID: roomID}); err != nil {
		log.Info().Err(err).Str("module", "negotiation").Str("room", string(roomID)).Msg("join deferred until connected")
	}
	return nil
}

// Leave exits the current room and releases every peer.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.mu.Unlock()
	if room == "" {
		return
	}
	c.dropAll()
	c.send(protocol.Leave{})
}

// SendChat broadcasts payload to the room and echoes it to local subscribers.
func (c *Coordinator) SendChat(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: chat payload is not JSON", protocol.ErrMalformed)
	}
	if err := c.transport.Send(protocol.ChatMessage{Message: payload}); err != nil {
		return err
	}
	c.events.emit(Event{Kind: Chat, Peer: c.selfID(), Message: payload, Local: true})
	return nil
}

func (c *Coordinator) Subscribe() *Subscription { return c.events.add() }

// Peers reports the phase of every live peer state.
func (c *Coordinator) Peers() map[domain.ParticipantID]Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.ParticipantID]Phase, len(c.peers))
	for id, p := range c.peers {
		out[id] = p.Phase()
	}
	return out
}

func (c *Coordinator) Self() domain.ParticipantID { return c.selfID() }

// Cleanup tears everything down: retry loop, peers, transport, media and
// subscriptions. It blocks until every goroutine has exited.
func (c *Coordinator) Cleanup() {
	c.cleanup.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancel
		peers := c.peers
		c.peers = make(map[domain.ParticipantID]*peer)
		c.tracks = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.transport.Close()
		for _, p := range peers {
			p.shutdown()
		}
		c.wg.Wait()
		c.media.Close()
		c.events.close()
		log.Info().Str("module", "negotiation").Int("peers", len(peers)).Msg("cleaned up")
	})
}

func (c *Coordinator) selfID() domain.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Coordinator) localTracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks
}

func (c *Coordinator) send(msg protocol.Message) {
	if err := c.transport.Send(msg); err != nil {
		log.Debug().Err(err).Str("module", "negotiation").Str("type", string(msg.Type())).Msg("send failed")
	}
}
