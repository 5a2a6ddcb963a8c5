package app

import (
	"context"
	"sync"

	"github.com/dkeye/meetrelay/internal/core"
	"github.com/dkeye/meetrelay/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	RoomID  domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry tracks every accepted connection and the room it is bound to.
// A connection is in at most one room at a time.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ParticipantID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ParticipantID]*sessionEntry),
	}
}

func (r *Registry) Bind(sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID()] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("participant", string(sess.ID())).Msg("bound session")
}

func (r *Registry) GetSession(id domain.ParticipantID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind forgets the connection and reports whether it was known.
func (r *Registry) Unbind(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("unbind session")
	return true
}

func (r *Registry) RoomOf(id domain.ParticipantID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[id]
	if !ok || entry.RoomID == "" {
		return "", nil, false
	}
	return entry.RoomID, entry.Session, true
}

func (r *Registry) UpdateRoom(id domain.ParticipantID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return false
	}
	entry.RoomID = room
	log.Debug().Str("module", "app.registry").Str("participant", string(id)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[id]; ok {
		entry.RoomID = ""
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel stops the connection's pumps; the read side then runs the leave path.
func (r *Registry) Cancel(id domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("canceled session")
	return true
}

// CancelAll stops every connection. Used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.Cancel != nil {
			cancels = append(cancels, e.Cancel)
		}
	}
	r.mu.RUnlock()
	for _, c := range cancels {
		c()
	}
}
