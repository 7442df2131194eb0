package state

import "errors"

var (
	ErrRoomFull      = errors.New("room is full")
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotInRoom     = errors.New("participant not in room")
	ErrInvalidRoomID = errors.New("invalid room ID")
)
