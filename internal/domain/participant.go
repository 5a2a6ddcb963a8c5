// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

var ErrRoomIDEmpty = errors.New("room id empty")

// ParticipantID is the routing address of one connection. It is generated
// once per accepted connection and never reused.
type ParticipantID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

type Participant struct {
	ID ParticipantID `json:"id"`
}

func NewParticipant() *Participant {
	return &Participant{ID: NewParticipantID()}
}
