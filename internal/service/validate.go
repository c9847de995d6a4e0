package service

import (
	"errors"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/speedrace/speedrace-server/internal/idgen"
	"github.com/speedrace/speedrace-server/internal/models"
	"github.com/speedrace/speedrace-server/internal/rooms"
)

const maxUsernameLength = 32

func normalizeUsername(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationError("username required")
	}
	if utf8.RuneCountInString(name) > maxUsernameLength {
		return "", validationError("username must be at most %d characters", maxUsernameLength)
	}
	return name, nil
}

func normalizeRoomCode(id string) (string, error) {
	id = idgen.NormalizeRoomID(id)
	if id == "" {
		return "", validationError("roomId required")
	}
	if !idgen.ValidRoomID(id) {
		return "", validationError("invalid room code")
	}
	return id, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// normalizeMetrics は計測値を検証します。pingが0ならlatencyで補います
func normalizeMetrics(m models.Metrics) (models.Metrics, error) {
	fields := []struct {
		name string
		v    float64
	}{
		{"downloadSpeed", m.DownloadSpeed},
		{"uploadSpeed", m.UploadSpeed},
		{"latency", m.Latency},
		{"ping", m.Ping},
		{"jitter", m.Jitter},
	}
	for _, f := range fields {
		if !finite(f.v) || f.v < 0 {
			return m, validationError("%s must be a non-negative number", f.name)
		}
	}
	if m.Ping == 0 {
		m.Ping = m.Latency
	}
	return m, nil
}

// errorEvent はエラーをクライアントへ返すイベントに変換します
// internalは想定外のエラーかどうか
func errorEvent(roomId string, err error) (evt Event, internal bool) {
	switch {
	case errors.Is(err, rooms.ErrRoomFull):
		return Event{Type: EventRoomFull, Payload: RoomRefPayload{RoomId: roomId}}, false
	case errors.Is(err, rooms.ErrRoomLocked):
		return Event{Type: EventRoomLocked, Payload: RoomRefPayload{RoomId: roomId}}, false
	}

	codes := []struct {
		err     error
		code    string
		message string
	}{
		{rooms.ErrRoomNotFound, "room_not_found", "Room not found"},
		{rooms.ErrParticipantNotFound, "not_participant", "You are not a participant of this room"},
		{rooms.ErrNotAdmin, "forbidden", "Only the room admin can do that"},
		{rooms.ErrNotEnoughParticipants, "not_enough_participants", "At least 2 active participants are required"},
		{rooms.ErrInvalidTransition, "invalid_state", "That is not possible in the room's current state"},
		{rooms.ErrRoundNotActive, "round_not_active", "No test is in progress"},
		{rooms.ErrRoomIDExhausted, "room_id_exhausted", "Could not allocate a room code, please retry"},
		{ErrForbidden, "forbidden", "Identity does not match this connection"},
		{ErrNotInRoom, "not_in_room", "Join a room first"},
		{ErrUnknownCommand, "unknown_command", "Unknown command"},
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return Event{Type: EventError, Payload: ErrorPayload{Message: c.message, Code: c.code}}, false
		}
	}
	if errors.Is(err, ErrValidation) {
		msg := strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")
		return Event{Type: EventError, Payload: ErrorPayload{Message: msg, Code: "validation"}}, false
	}
	return Event{Type: EventError, Payload: ErrorPayload{Message: "internal error", Code: "internal"}}, true
}

// ErrorEvent はコマンドの処理前に起きたエラー（デコード失敗など）をイベントに変換します
func ErrorEvent(err error) Event {
	evt, _ := errorEvent("", err)
	return evt
}
