package core

import (
	"sync"

	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/elliotchance/orderedmap"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room *domain.Room
	mu   sync.RWMutex
	// members maps domain.ParticipantID to MemberSession in join order.
	members *orderedmap.OrderedMap
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:    room,
		members: orderedmap.NewOrderedMap(),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members.Len()
}

func (r *roomImpl) Has(id domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members.Get(id)
	return ok
}

func (r *roomImpl) AddMember(ms MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members.Get(ms.ID()); ok {
		return false
	}
	r.members.Set(ms.ID(), ms)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("participant", string(ms.ID())).Msg("member added")
	return true
}

func (r *roomImpl) RemoveMember(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.members.Delete(id) {
		return false
	}
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("participant", string(id)).Msg("member removed")
	return true
}

// sessions returns the members in join order. Callers hold r.mu.
func (r *roomImpl) sessions() []MemberSession {
	keys := r.members.Keys()
	out := make([]MemberSession, 0, len(keys))
	for _, k := range keys {
		v, _ := r.members.Get(k)
		out = append(out, v.(MemberSession))
	}
	return out
}

func (r *roomImpl) Broadcast(from domain.ParticipantID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, m := range r.sessions() {
		if m.ID() == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendTo(to domain.ParticipantID, data Frame) (PublishResult, bool) {
	r.mu.RLock()
	v, ok := r.members.Get(to)
	r.mu.RUnlock()
	if !ok {
		return PublishResult{}, false
	}
	m := v.(MemberSession)
	if err := m.Signal().TrySend(data); err != nil {
		return PublishResult{Dropped: []MemberSession{m}}, true
	}
	return PublishResult{SendTo: 1}, true
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, r.members.Len())
	for _, ms := range r.sessions() {
		out = append(out, MemberDTO{ID: ms.ID()})
	}
	return out
}
