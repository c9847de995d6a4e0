package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/speedrace/speedrace-server/internal/models"
)

// CommandName はクライアントから届くコマンドの種類です
type CommandName string

const (
	CmdCreateRoom     CommandName = "create-room"
	CmdJoinRoom       CommandName = "join-room"
	CmdLeaveRoom      CommandName = "leave-room"
	CmdStartTest      CommandName = "start-speed-test"
	CmdSubmitResult   CommandName = "client-test-completed"
	CmdRestartTest    CommandName = "restart-test"
	CmdReportProgress CommandName = "test-progress"
	CmdRejoinRoom     CommandName = "rejoin-room"
	CmdDisconnect     CommandName = "disconnect"
)

// Command はコーディネーターが受け付けるコマンドです
// このパッケージの型だけが実装できます
type Command interface {
	Name() CommandName
	isCommand()
}

type CreateRoom struct {
	Username string `json:"username"`
}

type JoinRoom struct {
	RoomId   string `json:"roomId"`
	Username string `json:"username"`
}

type LeaveRoom struct {
	RoomId string `json:"roomId"`
	UserId string `json:"userId"`
}

type StartTest struct {
	RoomId string `json:"roomId"`
	UserId string `json:"userId"`
}

// SubmitResult はクライアントが計測を終えたときに送る結果です
type SubmitResult struct {
	RoomId string `json:"roomId"`
	UserId string `json:"userId"`
	models.Metrics
	TestedAt *time.Time `json:"testedAt,omitempty"`
}

type RestartTest struct {
	RoomId string `json:"roomId"`
	UserId string `json:"userId"`
}

// ReportProgress は計測中の途中経過です。保存はせず他の参加者へ中継するだけ
type ReportProgress struct {
	RoomId       string  `json:"roomId"`
	UserId       string  `json:"userId"`
	Phase        string  `json:"phase"`
	Progress     float64 `json:"progress"`
	CurrentSpeed float64 `json:"currentSpeed"`
}

// RejoinRoom は既存の参加者として接続し直すためのコマンドです
// RejoinTokenには作成・参加時に受け取ったトークンを指定します
type RejoinRoom struct {
	RoomId      string `json:"roomId"`
	UserId      string `json:"userId"`
	RejoinToken string `json:"rejoinToken"`
	Username    string `json:"username"`
}

// Disconnect はトランスポートが接続の切断を検知したときに発行します
type Disconnect struct{}

func (CreateRoom) Name() CommandName     { return CmdCreateRoom }
func (JoinRoom) Name() CommandName       { return CmdJoinRoom }
func (LeaveRoom) Name() CommandName      { return CmdLeaveRoom }
func (StartTest) Name() CommandName      { return CmdStartTest }
func (SubmitResult) Name() CommandName   { return CmdSubmitResult }
func (RestartTest) Name() CommandName    { return CmdRestartTest }
func (ReportProgress) Name() CommandName { return CmdReportProgress }
func (RejoinRoom) Name() CommandName     { return CmdRejoinRoom }
func (Disconnect) Name() CommandName     { return CmdDisconnect }

func (CreateRoom) isCommand()     {}
func (JoinRoom) isCommand()       {}
func (LeaveRoom) isCommand()      {}
func (StartTest) isCommand()      {}
func (SubmitResult) isCommand()   {}
func (RestartTest) isCommand()    {}
func (ReportProgress) isCommand() {}
func (RejoinRoom) isCommand()     {}
func (Disconnect) isCommand()     {}

func decodeAs[T Command](raw json.RawMessage) (Command, error) {
	var cmd T
	if len(raw) == 0 || string(raw) == "null" {
		return cmd, nil
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, validationError("malformed payload: %v", err)
	}
	return cmd, nil
}

// decoders はワイヤー上のコマンド名からデコーダーを引く表です
// Disconnectはクライアントからは送れないので含めません
var decoders = map[CommandName]func(json.RawMessage) (Command, error){
	CmdCreateRoom:     decodeAs[CreateRoom],
	CmdJoinRoom:       decodeAs[JoinRoom],
	CmdLeaveRoom:      decodeAs[LeaveRoom],
	CmdStartTest:      decodeAs[StartTest],
	CmdSubmitResult:   decodeAs[SubmitResult],
	CmdRestartTest:    decodeAs[RestartTest],
	CmdReportProgress: decodeAs[ReportProgress],
	CmdRejoinRoom:     decodeAs[RejoinRoom],
}

// DecodeCommand はメッセージタイプとペイロードからコマンドを組み立てます
func DecodeCommand(name string, payload json.RawMessage) (Command, error) {
	dec, ok := decoders[CommandName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return dec(payload)
}
