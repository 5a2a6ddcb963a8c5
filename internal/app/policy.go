package app

import "github.com/dkeye/meetrelay/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// SimplePolicy disconnects any member whose outbound queue is full.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	return KickMember
}

// LenientPolicy drops the frame and keeps the member connected.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	return DropFrame
}

// PolicyByName maps a config value to a Policy, defaulting to SimplePolicy.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return LenientPolicy{}
	}
	return SimplePolicy{}
}
