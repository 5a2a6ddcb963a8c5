package orch

import (
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/metrics"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Chat forwards the frame unchanged to every other member of the
// sender's room. Senders outside a room are ignored.
func (o *Orchestrator) Chat(id domain.ParticipantID, msg protocol.ChatMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	roomID, _, ok := o.Registry.RoomOf(id)
	if !ok {
		log.Debug().Str("module", "orch").Str("participant", string(id)).Msg("chat outside a room")
		return
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return
	}
	if frame, ok := o.encode(msg); ok {
		o.handleDropped(room, room.Broadcast(id, frame))
	}
}

// Forward delivers a negotiation envelope to its target within the sender's
// room. Only from is rewritten, to the true sender. A target that is not in the
// room is a silent routing miss.
func (o *Orchestrator) Forward(id domain.ParticipantID, msg protocol.Unicast) {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.With().
		Str("module", "orch").
		Str("participant", string(id)).
		Str("type", string(msg.Type())).
		Str("target", string(msg.Recipient())).
		Logger()

	roomID, _, ok := o.Registry.RoomOf(id)
	if !ok {
		logger.Debug().Msg("routing miss: sender not in a room")
		o.Metrics.Dropped(metrics.ReasonRoutingMiss, 1)
		return
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		o.Metrics.Dropped(metrics.ReasonRoutingMiss, 1)
		return
	}

	frame, ok := o.encode(msg.Stamp(id))
	if !ok {
		return
	}
	res, found := room.SendTo(msg.Recipient(), frame)
	if !found {
		logger.Debug().Msg("routing miss: target not in room")
		o.Metrics.Dropped(metrics.ReasonRoutingMiss, 1)
		return
	}
	o.handleDropped(room, res)
}
