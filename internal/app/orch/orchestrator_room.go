package orch

import (
	"github.com/dkeye/meetrelay/internal/core"
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/dkeye/meetrelay/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Connect registers a freshly accepted connection and tells it its id.
func (o *Orchestrator) Connect(sess core.MemberSession, cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Registry.Bind(sess, cancel)
	o.Metrics.ConnectionOpened()
	if frame, ok := o.encode(protocol.Welcome{UserID: sess.ID()}); ok {
		if err := sess.Signal().TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("participant", string(sess.ID())).Msg("welcome not delivered")
		}
	}
}

// Join binds id to roomID, creating the room if absent, and announces the
// newcomer to every other member in join order. A connection already in
// another room leaves it first; joining the current room again is a no-op.
func (o *Orchestrator) Join(id domain.ParticipantID, roomID domain.RoomID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, ok := o.Registry.GetSession(id)
	if !ok {
		return
	}
	if current, _, in := o.Registry.RoomOf(id); in {
		if current == roomID {
			log.Debug().Str("module", "orch").Str("participant", string(id)).Str("room", string(roomID)).Msg("already in room")
			return
		}
		o.leaveLocked(id)
		log.Info().Str("module", "orch").Str("participant", string(id)).Str("from_room", string(current)).Msg("switched room")
	}

	room := o.Rooms.GetOrCreate(roomID)
	room.AddMember(sess)
	o.Registry.UpdateRoom(id, roomID)
	o.Metrics.SetRooms(o.Rooms.Len())
	log.Info().Str("module", "orch").Str("participant", string(id)).Str("room", string(roomID)).Msg("joined room")

	if frame, ok := o.encode(protocol.UserJoined{UserID: id}); ok {
		o.handleDropped(room, room.Broadcast(id, frame))
	}
}

// Leave removes id from its room and announces the departure. It has no
// effect when id is not in a room.
func (o *Orchestrator) Leave(id domain.ParticipantID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leaveLocked(id)
}

// Disconnect is the transport-close path: leave plus forgetting the
// connection. Calling it twice is harmless.
func (o *Orchestrator) Disconnect(id domain.ParticipantID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leaveLocked(id)
	if o.Registry.Unbind(id) {
		o.Metrics.ConnectionClosed()
	}
}

func (o *Orchestrator) leaveLocked(id domain.ParticipantID) bool {
	roomID, _, ok := o.Registry.RoomOf(id)
	if !ok {
		return false
	}
	o.Registry.RemoveRoom(id)

	room, ok := o.Rooms.Get(roomID)
	if !ok || !room.RemoveMember(id) {
		return true
	}
	log.Info().Str("module", "orch").Str("participant", string(id)).Str("room", string(roomID)).Msg("left room")

	if o.Rooms.RemoveIfEmpty(roomID) {
		o.Metrics.SetRooms(o.Rooms.Len())
		return true
	}
	if frame, ok := o.encode(protocol.UserLeft{UserID: id}); ok {
		o.handleDropped(room, room.Broadcast(id, frame))
	}
	return true
}

// EvictRoom closes every member connection and drops the room at once.
// Members are not notified of each other's departure.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return false
	}
	for _, m := range room.MembersSnapshot() {
		o.Registry.RemoveRoom(m.ID)
		if sess, ok := o.Registry.GetSession(m.ID); ok {
			o.Registry.Cancel(m.ID)
			sess.Signal().Close()
		}
	}
	o.Rooms.StopRoom(roomID)
	o.Metrics.SetRooms(o.Rooms.Len())
	log.Info().Str("module", "orch").Str("room", string(roomID)).Msg("room evicted")
	return true
}
