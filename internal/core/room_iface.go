package core

import (
	"github.com/dkeye/meetrelay/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID domain.ParticipantID `json:"id"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
// Iteration and broadcast follow join order.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO
	Has(id domain.ParticipantID) bool

	// AddMember reports false when the participant is already a member.
	AddMember(ms MemberSession) bool
	RemoveMember(id domain.ParticipantID) bool
	Broadcast(from domain.ParticipantID, data Frame) PublishResult
	// SendTo reports false when to is not a member.
	SendTo(to domain.ParticipantID, data Frame) (PublishResult, bool)
}

type RoomInfo struct {
	ID          domain.RoomID `json:"roomId"`
	MemberCount int           `json:"members"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	// RemoveIfEmpty deletes the room once its membership is empty.
	RemoveIfEmpty(id domain.RoomID) bool
	List() []RoomInfo
	Len() int
	StopRoom(id domain.RoomID)
}
