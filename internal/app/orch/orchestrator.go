package orch

import (
	"sync"

	"github.com/dkeye/meetrelay/internal/app"
	"github.com/dkeye/meetrelay/internal/core"
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/metrics"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the relay: it binds connections to rooms and routes
// envelopes by room membership or explicit target. It never looks inside
// negotiation or chat payloads.
//
// Every mutation of the room directory and the fan-out it triggers runs
// under mu, so a broadcast always sees one consistent membership.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Metrics  *metrics.Metrics

	mu sync.Mutex
}

func New(reg *app.Registry, rooms core.RoomManager, policy app.Policy, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		Rooms:    rooms,
		Policy:   policy,
		Metrics:  m,
	}
}

// Route dispatches one decoded envelope received from id.
func (o *Orchestrator) Route(id domain.ParticipantID, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Join:
		o.Metrics.Message(string(m.Type()))
		o.Join(id, m.RoomID)
	case protocol.Leave:
		o.Metrics.Message(string(m.Type()))
		o.Leave(id)
	case protocol.ChatMessage:
		o.Metrics.Message(string(m.Type()))
		o.Chat(id, m)
	case protocol.Unicast:
		o.Metrics.Message(string(m.Type()))
		o.Forward(id, m)
	default:
		// Server-originated variants are not accepted from clients.
		log.Warn().Str("module", "orch").Str("participant", string(id)).Str("type", string(msg.Type())).Msg("unexpected message from client")
		o.Metrics.Dropped(metrics.ReasonProtocol, 1)
	}
}

// ProtocolViolation records an envelope that failed to decode. The
// connection stays open.
func (o *Orchestrator) ProtocolViolation(id domain.ParticipantID, err error) {
	log.Warn().Err(err).Str("module", "orch").Str("participant", string(id)).Msg("discarding envelope")
	o.Metrics.Dropped(metrics.ReasonProtocol, 1)
}

func (o *Orchestrator) encode(msg protocol.Message) (core.Frame, bool) {
	b, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(msg.Type())).Msg("encode")
		return nil, false
	}
	return b, true
}

// handleDropped applies the backpressure policy to members whose queue was
// full. Kicked members are closed; their read side then runs Disconnect.
func (o *Orchestrator) handleDropped(room core.RoomService, res core.PublishResult) {
	if len(res.Dropped) == 0 {
		return
	}
	o.Metrics.Dropped(metrics.ReasonBackpressure, len(res.Dropped))
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		action := o.Policy.OnBackPressure(room, slow)
		log.Warn().Str("module", "orch").Str("participant", string(slow.ID())).Str("action", action.String()).Msg("backpressure")
		switch action {
		case app.KickMember:
			o.Registry.Cancel(slow.ID())
			slow.Signal().Close()
		case app.DropFrame, app.NoAction:
		}
	}
}
