package domain

import "time"

// Member represents participant's membership meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	Participant *Participant
	JoinedAt    time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(p *Participant) *Member {
	return &Member{Participant: p, JoinedAt: time.Now()}
}
