package rooms

import "errors"

// カスタムエラー定義
var (
	ErrRoomNotFound          = errors.New("room not found")
	ErrRoomFull              = errors.New("room is full")
	ErrRoomLocked            = errors.New("room is testing")
	ErrParticipantNotFound   = errors.New("participant not found")
	ErrNotAdmin              = errors.New("forbidden: not room admin")
	ErrNotEnoughParticipants = errors.New("not enough active participants")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrRoundNotActive        = errors.New("no test round in progress")
	ErrRoomIDExhausted       = errors.New("failed to generate unique room ID after multiple attempts")
)
