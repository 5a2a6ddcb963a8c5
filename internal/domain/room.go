package domain

// RoomID is caller-supplied and opaque. Only the empty id is invalid; frame
// size is bounded by the transport read limit.
type RoomID string

type Room struct {
	ID RoomID
}

func (id RoomID) Validate() error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	return nil
}
