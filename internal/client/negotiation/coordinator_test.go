package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meetrelay/internal/client/media"
	clientsignal "github.com/dkeye/meetrelay/internal/client/signal"
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	incoming chan clientsignal.Inbound
	opened   chan uint64

	mu     sync.Mutex
	gen    uint64
	sent   []protocol.Message
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan clientsignal.Inbound, 32),
		opened:   make(chan uint64, 1),
	}
}

func (t *fakeTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (t *fakeTransport) Send(msg protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Incoming() <-chan clientsignal.Inbound { return t.incoming }
func (t *fakeTransport) Opened() <-chan uint64                 { return t.opened }

func (t *fakeTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// deliver queues msgs as arriving on the current connection.
func (t *fakeTransport) deliver(msgs ...protocol.Message) {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()
	t.deliverOn(gen, msgs...)
}

func (t *fakeTransport) deliverOn(gen uint64, msgs ...protocol.Message) {
	for _, m := range msgs {
		t.incoming <- clientsignal.Inbound{Gen: gen, Msg: m}
	}
}

// reopen simulates a reconnect and returns the new generation.
func (t *fakeTransport) reopen() uint64 {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	t.opened <- gen
	return gen
}

func (t *fakeTransport) sentOf(typ protocol.Type) []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.Message
	for _, m := range t.sent {
		if m.Type() == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeTrack struct{ id string }

func (f fakeTrack) ID() string                { return f.id }
func (f fakeTrack) StreamID() string          { return "stream-" + f.id }
func (f fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

// fakePC refuses candidates until a remote description is applied, the way a
// real connection does.
type fakePC struct {
	remote domain.ParticipantID
	seq    int

	mu        sync.Mutex
	remoteSDP *webrtc.SessionDescription
	applied   []string
	tracks    int
	closed    bool
	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(RemoteTrack)
	onClosed  func()
}

func (f *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", f.remote, f.seq)}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", f.remote, f.seq)}, nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSDP = &desc
	return nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteSDP == nil {
		return errors.New("remote description not set")
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakePC) AddTrack(webrtc.TrackLocal) error {
	f.mu.Lock()
	f.tracks++
	f.mu.Unlock()
	return nil
}

func (f *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onICE = fn }
func (f *fakePC) OnTrack(fn func(RemoteTrack))                    { f.onTrack = fn }
func (f *fakePC) OnClosed(fn func())                              { f.onClosed = fn }

func (f *fakePC) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePC) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs map[domain.ParticipantID][]*fakePC
}

func (ff *fakeFactory) New(remote domain.ParticipantID) (PeerConnection, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	pc := &fakePC{remote: remote, seq: len(ff.pcs[remote])}
	ff.pcs[remote] = append(ff.pcs[remote], pc)
	return pc, nil
}

func (ff *fakeFactory) of(remote domain.ParticipantID) []*fakePC {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*fakePC(nil), ff.pcs[remote]...)
}

type harness struct {
	t         *testing.T
	coord     *Coordinator
	transport *fakeTransport
	factory   *fakeFactory
	sub       *Subscription
}

func newHarness(t *testing.T, src media.Source) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: newFakeTransport(),
		factory:   &fakeFactory{pcs: make(map[domain.ParticipantID][]*fakePC)},
	}
	h.coord = New(Options{Transport: h.transport, NewPeer: h.factory.New, Media: src, EventBuffer: 16})
	h.sub = h.coord.Subscribe()
	h.coord.Start(context.Background())
	t.Cleanup(h.coord.Cleanup)
	return h
}

func (h *harness) waitSent(typ protocol.Type, n int) []protocol.Message {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.transport.sentOf(typ)) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d %s messages", n, typ)
	return h.transport.sentOf(typ)
}

func (h *harness) waitPhase(id domain.ParticipantID, ph Phase) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		got, ok := h.coord.Peers()[id]
		return ok && got == ph
	}, 2*time.Second, 5*time.Millisecond, "peer %s never reached %s", id, ph)
}

func (h *harness) nextEvent() Event {
	h.t.Helper()
	select {
	case ev, ok := <-h.sub.Events():
		require.True(h.t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("no event")
		return Event{}
	}
}

func candidate(s string) json.RawMessage {
	raw, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: s})
	return raw
}

func sdp(typ webrtc.SDPType, s string) json.RawMessage {
	raw, _ := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: s})
	return raw
}

func TestUserJoinedStartsOffer(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.Welcome{UserID: "a"}, protocol.UserJoined{UserID: "b"})

	offers := h.waitSent(protocol.TypeOffer, 1)
	offer := offers[0].(protocol.Offer)
	assert.Equal(t, domain.ParticipantID("b"), offer.Target)

	var desc webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offer.Offer, &desc))
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
	h.waitPhase("b", Offering)
}

func TestDuplicateUserJoinedKeepsOneState(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.UserJoined{UserID: "b"}, protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)

	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`"sync"`)})
	assert.Equal(t, Chat, h.nextEvent().Kind)
	assert.Len(t, h.factory.of("b"), 1)
	assert.Len(t, h.transport.sentOf(protocol.TypeOffer), 1)
	assert.Len(t, h.coord.Peers(), 1)
}

func TestInboundOfferIsAnswered(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.Offer{From: "a", Target: "b", Offer: sdp(webrtc.SDPTypeOffer, "remote")})

	answers := h.waitSent(protocol.TypeAnswer, 1)
	answer := answers[0].(protocol.Answer)
	assert.Equal(t, domain.ParticipantID("a"), answer.Target)
	h.waitPhase("a", Answering)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)
	pc := h.factory.of("b")[0]

	h.transport.deliver(
		protocol.ICECandidate{From: "b", Candidate: candidate("c1")},
		protocol.ICECandidate{From: "b", Candidate: candidate("c2")},
	)
	// chat is dispatched after both candidates; once it arrives they are queued
	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`1`)})
	h.nextEvent()
	assert.Empty(t, pc.appliedCandidates())

	h.transport.deliver(
		protocol.Answer{From: "b", Answer: sdp(webrtc.SDPTypeAnswer, "remote")},
		protocol.ICECandidate{From: "b", Candidate: candidate("c3")},
	)
	require.Eventually(t, func() bool { return len(pc.appliedCandidates()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.appliedCandidates())
}

func TestTrackMovesToConnected(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)
	h.transport.deliver(protocol.Answer{From: "b", Answer: sdp(webrtc.SDPTypeAnswer, "remote")})

	pc := h.factory.of("b")[0]
	pc.onTrack(fakeTrack{id: "audio"})

	ev := h.nextEvent()
	assert.Equal(t, PeerStream, ev.Kind)
	assert.Equal(t, domain.ParticipantID("b"), ev.Peer)
	assert.Equal(t, "audio", ev.Track.ID())
	h.waitPhase("b", Connected)
}

func TestLocalCandidatesAreSent(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)

	h.factory.of("b")[0].onICE(webrtc.ICECandidateInit{Candidate: "local"})
	sent := h.waitSent(protocol.TypeICECandidate, 1)[0].(protocol.ICECandidate)
	assert.Equal(t, domain.ParticipantID("b"), sent.Target)
	assert.JSONEq(t, string(candidate("local")), string(sent.Candidate))
}

func TestUserLeftReleasesPeer(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)
	pc := h.factory.of("b")[0]

	h.transport.deliver(protocol.UserLeft{UserID: "b"}, protocol.UserLeft{UserID: "b"})
	ev := h.nextEvent()
	assert.Equal(t, PeerLeft, ev.Kind)
	assert.Equal(t, domain.ParticipantID("b"), ev.Peer)
	require.Eventually(t, pc.isClosed, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.coord.Peers())

	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`"after"`)})
	assert.Equal(t, Chat, h.nextEvent().Kind)
}

func TestConnectionClosedReleasesPeer(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)

	h.factory.of("b")[0].onClosed()
	assert.Equal(t, PeerLeft, h.nextEvent().Kind)
	assert.Empty(t, h.coord.Peers())
}

func TestGlareLowerIDKeepsOffer(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.Welcome{UserID: "a"}, protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)

	h.transport.deliver(protocol.Offer{From: "b", Offer: sdp(webrtc.SDPTypeOffer, "theirs")})
	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`1`)})
	h.nextEvent()

	assert.Never(t, func() bool { return len(h.transport.sentOf(protocol.TypeAnswer)) > 0 },
		100*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, h.factory.of("b"), 1)
	h.waitPhase("b", Offering)
}

func TestGlareHigherIDYields(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.Welcome{UserID: "c"}, protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)

	h.transport.deliver(protocol.Offer{From: "b", Offer: sdp(webrtc.SDPTypeOffer, "theirs")})
	h.waitSent(protocol.TypeAnswer, 1)
	h.waitPhase("b", Answering)

	pcs := h.factory.of("b")
	require.Len(t, pcs, 2)
	assert.True(t, pcs[0].isClosed())

	// the discarded connection reporting closure must not tear down the new one
	pcs[0].onClosed()
	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`1`)})
	assert.Equal(t, Chat, h.nextEvent().Kind)
	h.waitPhase("b", Answering)
}

func TestReconnectDropsPeersAndRejoins(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	require.NoError(t, h.coord.Join(context.Background(), "r1"))
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)

	h.transport.reopen()
	ev := h.nextEvent()
	assert.Equal(t, PeerLeft, ev.Kind)

	joins := h.waitSent(protocol.TypeJoin, 2)
	assert.Equal(t, protocol.Join{RoomID: "r1"}, joins[1])
	assert.Empty(t, h.coord.Peers())
}

func TestJoinSurfacesCapabilityDenial(t *testing.T) {
	h := newHarness(t, media.DeniedSource{})
	err := h.coord.Join(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	assert.Empty(t, h.transport.sentOf(protocol.TypeJoin))
}

func TestJoinRejectsInvalidRoom(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	assert.ErrorIs(t, h.coord.Join(context.Background(), ""), domain.ErrRoomIDEmpty)
}

func TestLocalTracksAttachedToEveryPeer(t *testing.T) {
	src := media.NewSyntheticSource("local")
	h := newHarness(t, src)
	require.NoError(t, h.coord.Join(context.Background(), "r1"))

	h.transport.deliver(protocol.UserJoined{UserID: "b"}, protocol.UserJoined{UserID: "c"})
	h.waitSent(protocol.TypeOffer, 2)
	for _, id := range []domain.ParticipantID{"b", "c"} {
		pc := h.factory.of(id)[0]
		pc.mu.Lock()
		assert.Equal(t, 1, pc.tracks)
		pc.mu.Unlock()
	}
}

func TestChatEchoAndInbound(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.Welcome{UserID: "a"})

	require.Eventually(t, func() bool { return h.coord.Self() == "a" }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.coord.SendChat(json.RawMessage(`"hi"`)))
	local := h.nextEvent()
	assert.True(t, local.Local)
	assert.Equal(t, domain.ParticipantID("a"), local.Peer)
	assert.Len(t, h.waitSent(protocol.TypeChatMessage, 1), 1)

	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`"yo"`)})
	remote := h.nextEvent()
	assert.False(t, remote.Local)
	assert.JSONEq(t, `"yo"`, string(remote.Message))

	assert.ErrorIs(t, h.coord.SendChat(json.RawMessage(`{`)), protocol.ErrMalformed)
}

func TestLeaveReleasesPeers(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	require.NoError(t, h.coord.Join(context.Background(), "r1"))
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)

	h.coord.Leave()
	assert.Equal(t, PeerLeft, h.nextEvent().Kind)
	h.waitSent(protocol.TypeLeave, 1)

	// no room, so a reconnect does not rejoin
	h.transport.reopen()
	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`1`)})
	h.nextEvent()
	assert.Len(t, h.transport.sentOf(protocol.TypeJoin), 1)
}

func TestCleanupReleasesEverything(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)
	pc := h.factory.of("b")[0]

	h.coord.Cleanup()
	h.coord.Cleanup()

	assert.True(t, pc.isClosed())
	assert.Empty(t, h.coord.Peers())
	h.transport.mu.Lock()
	assert.True(t, h.transport.closed)
	h.transport.mu.Unlock()

	_, ok := <-h.sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, h.coord.Join(context.Background(), "r1"), ErrClosed)

	late := h.coord.Subscribe()
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	other := h.coord.Subscribe()
	other.Unsubscribe()
	other.Unsubscribe()
	_, ok := <-other.Events()
	assert.False(t, ok)

	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`1`)})
	assert.Equal(t, Chat, h.nextEvent().Kind)
}

func TestJoinAcceptsLongRoomID(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	room := domain.RoomID(strings.Repeat("r", 1024))
	require.NoError(t, h.coord.Join(context.Background(), room))
	assert.Equal(t, protocol.Join{RoomID: room}, h.waitSent(protocol.TypeJoin, 1)[0])
}

func TestStaleMessagesAfterReopenAreDropped(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	require.NoError(t, h.coord.Join(context.Background(), "r1"))
	h.transport.reopen()
	h.waitSent(protocol.TypeJoin, 2)

	// frames left behind by connection 0
	h.transport.deliverOn(0,
		protocol.UserJoined{UserID: "b"},
		protocol.Offer{From: "c", Offer: sdp(webrtc.SDPTypeOffer, "stale")},
	)
	h.transport.deliver(protocol.ChatMessage{Message: json.RawMessage(`1`)})
	assert.Equal(t, Chat, h.nextEvent().Kind)

	assert.Empty(t, h.coord.Peers())
	assert.Empty(t, h.transport.sentOf(protocol.TypeOffer))
	assert.Empty(t, h.transport.sentOf(protocol.TypeAnswer))
	assert.Len(t, h.transport.sentOf(protocol.TypeJoin), 2)
}

func TestNewerMessageImpliesReopen(t *testing.T) {
	h := newHarness(t, media.NoneSource{})
	require.NoError(t, h.coord.Join(context.Background(), "r1"))
	h.transport.deliver(protocol.UserJoined{UserID: "b"})
	h.waitSent(protocol.TypeOffer, 1)

	// the first frame of connection 1 arrives without its open signal
	h.transport.deliverOn(1, protocol.UserJoined{UserID: "c"})
	assert.Equal(t, PeerLeft, h.nextEvent().Kind)
	h.waitSent(protocol.TypeJoin, 2)
	h.waitPhase("c", Offering)
	_, ok := h.coord.Peers()["b"]
	assert.False(t, ok)

	// the late open signal for the same connection changes nothing
	h.transport.opened <- 1
	h.transport.deliverOn(1, protocol.ChatMessage{Message: json.RawMessage(`1`)})
	assert.Equal(t, Chat, h.nextEvent().Kind)
	assert.Len(t, h.transport.sentOf(protocol.TypeJoin), 2)
	h.waitPhase("c", Offering)
}
