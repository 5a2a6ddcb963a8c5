package core

import "github.com/dkeye/meetrelay/internal/domain"

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	ID() domain.ParticipantID
	Meta() *domain.Member
	Signal() SignalConnection
}
