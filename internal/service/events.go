package service

import (
	"github.com/speedrace/speedrace-server/internal/models"
)

// EventType はクライアントへ送るイベントの種類です
type EventType string

const (
	EventRoomCreated           EventType = "room-created"
	EventRoomJoined            EventType = "room-joined"
	EventRoomRejoined          EventType = "room-rejoined"
	EventParticipantListUpdate EventType = "participant-list-update"
	EventRoomFull              EventType = "room-full"
	EventRoomLocked            EventType = "room-locked"
	EventTestStarted           EventType = "test-started"
	EventResultReceived        EventType = "result-received"
	EventAllResultsReady       EventType = "all-results-ready"
	EventTestRestarted         EventType = "test-restarted"
	EventRoomClosed            EventType = "room-closed"
	EventTestProgress          EventType = "test-progress"
	EventError                 EventType = "error"
	EventPong                  EventType = "pong"
)

// Event はWebSocketで送信するメッセージです
type Event struct {
	Type    EventType `json:"type"`              // メッセージタイプ
	Payload any       `json:"payload,omitempty"` // メッセージのペイロード
}

// RoomView は作成・参加した本人に返すルームの情報
type RoomView struct {
	RoomId       string               `json:"roomId"`
	UserId       string               `json:"userId"`
	AdminId      string               `json:"adminId"`
	Participants []models.Participant `json:"participants"`
	Status       models.Status        `json:"status"`
	MaxCapacity  int                  `json:"maxCapacity"`
	IsPersisted  bool                 `json:"isPersisted"`
	// RejoinToken はroom-createdとroom-joinedで本人にだけ渡す再接続用のトークン
	RejoinToken string `json:"rejoinToken,omitempty"`
}

// ParticipantListPayload は参加者一覧の更新通知
type ParticipantListPayload struct {
	RoomId       string               `json:"roomId"`
	Participants []models.Participant `json:"participants"`
	Status       models.Status        `json:"status"`
	MaxCapacity  int                  `json:"maxCapacity"`
	AdminId      string               `json:"adminId"`
	IsPersisted  bool                 `json:"isPersisted"`
}

// RoomRefPayload はルームIDだけを運ぶ通知（満員・ロック中）
type RoomRefPayload struct {
	RoomId string `json:"roomId"`
}

// RoomClosedPayload は最後の参加者が抜けてルームが削除された通知
type RoomClosedPayload struct {
	RoomId      string `json:"roomId"`
	IsPersisted bool   `json:"isPersisted"`
}

// TestStartedPayload は計測開始の通知
type TestStartedPayload struct {
	RoomId       string               `json:"roomId"`
	Status       models.Status        `json:"status"`
	Participants []models.Participant `json:"participants"`
	IsPersisted  bool                 `json:"isPersisted"`
}

// ResultReceivedPayload は1人分の結果を受け付けた通知
type ResultReceivedPayload struct {
	RoomId      string            `json:"roomId"`
	Result      models.TestResult `json:"result"`
	IsPersisted bool              `json:"isPersisted"`
}

// AllResultsPayload は全員分の結果が揃った通知
type AllResultsPayload struct {
	RoomId      string              `json:"roomId"`
	Results     []models.TestResult `json:"results"`
	IsPersisted bool                `json:"isPersisted"`
}

// TestRestartedPayload はラウンドのリセット通知
type TestRestartedPayload struct {
	RoomId       string               `json:"roomId"`
	Status       models.Status        `json:"status"`
	Participants []models.Participant `json:"participants"`
	IsPersisted  bool                 `json:"isPersisted"`
}

// ProgressPayload は計測途中経過の中継
type ProgressPayload struct {
	UserId       string  `json:"userId"`
	Phase        string  `json:"phase"`
	Progress     float64 `json:"progress"`
	CurrentSpeed float64 `json:"currentSpeed,omitempty"`
}

// ErrorPayload はエラー通知
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (c *Coordinator) roomView(r *models.Room, userId string) RoomView {
	return RoomView{
		RoomId:       r.RoomId,
		UserId:       userId,
		AdminId:      r.AdminId,
		Participants: r.Participants,
		Status:       r.Status,
		MaxCapacity:  r.MaxCapacity,
		IsPersisted:  c.persisted(),
	}
}

func (c *Coordinator) participantList(r *models.Room) Event {
	return Event{Type: EventParticipantListUpdate, Payload: ParticipantListPayload{
		RoomId:       r.RoomId,
		Participants: r.Participants,
		Status:       r.Status,
		MaxCapacity:  r.MaxCapacity,
		AdminId:      r.AdminId,
		IsPersisted:  c.persisted(),
	}}
}
