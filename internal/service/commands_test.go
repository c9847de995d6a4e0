package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Command
	}{
		{"create-room", `{"username":"Alice"}`, CreateRoom{Username: "Alice"}},
		{"join-room", `{"roomId":"abc234","username":"Bob"}`, JoinRoom{RoomId: "abc234", Username: "Bob"}},
		{"leave-room", `{"roomId":"ABC234","userId":"u1"}`, LeaveRoom{RoomId: "ABC234", UserId: "u1"}},
		{"start-speed-test", ``, StartTest{}},
		{"restart-test", `null`, RestartTest{}},
		{"rejoin-room", `{"roomId":"ABC234","userId":"u1","rejoinToken":"t1"}`, RejoinRoom{RoomId: "ABC234", UserId: "u1", RejoinToken: "t1"}},
		{"test-progress", `{"phase":"upload","progress":50}`, ReportProgress{Phase: "upload", Progress: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand(tt.name, json.RawMessage(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
			assert.Equal(t, CommandName(tt.name), cmd.Name())
		})
	}
}

func TestDecodeSubmitResult(t *testing.T) {
	cmd, err := DecodeCommand("client-test-completed",
		json.RawMessage(`{"roomId":"ABC234","downloadSpeed":93.5,"uploadSpeed":12,"latency":14,"jitter":2,"testedAt":"2026-01-01T00:00:00Z"}`))
	require.NoError(t, err)

	sr, ok := cmd.(SubmitResult)
	require.True(t, ok)
	assert.Equal(t, 93.5, sr.DownloadSpeed)
	assert.Equal(t, 14.0, sr.Latency)
	assert.Zero(t, sr.Ping)
	require.NotNil(t, sr.TestedAt)
	assert.Equal(t, 2026, sr.TestedAt.Year())
}

func TestDecodeCommandErrors(t *testing.T) {
	_, err := DecodeCommand("drop-tables", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	// 切断はクライアントからは送れない
	_, err = DecodeCommand("disconnect", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = DecodeCommand("join-room", json.RawMessage(`{"roomId":42}`))
	assert.ErrorIs(t, err, ErrValidation)
}
