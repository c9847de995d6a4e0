// Package models はアプリケーションで使用するデータ構造を定義します
package models

import "time"

// Status はルームのライフサイクル状態を表します
type Status string

const (
	StatusWaiting Status = "waiting" // 参加者待ち（アクティブ参加者が2人未満）
	StatusReady   Status = "ready"   // テスト開始可能
	StatusTesting Status = "testing" // 計測ラウンド実行中
	StatusResults Status = "results" // 全員の結果が揃った
)

// Valid は既知の状態かどうかを返します
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusReady, StatusTesting, StatusResults:
		return true
	}
	return false
}

// Participant はルームに参加しているユーザーを表します
type Participant struct {
	UserId   string    `json:"userId"`   // ユーザーの一意な識別子
	Username string    `json:"username"` // 表示名
	JoinedAt time.Time `json:"joinedAt"` // 参加日時
	IsActive bool      `json:"isActive"` // 接続中かどうか（再接続待ちの間はfalse）
}

// Metrics は1回の計測で得られる数値です
type Metrics struct {
	DownloadSpeed float64 `json:"downloadSpeed"` // Mbps
	UploadSpeed   float64 `json:"uploadSpeed"`   // Mbps
	Latency       float64 `json:"latency"`       // ms
	Ping          float64 `json:"ping"`          // ms
	Jitter        float64 `json:"jitter"`        // ms
}

// TestResult は参加者1人分の計測結果です
type TestResult struct {
	UserId string `json:"userId"`
	Metrics
	TestedAt time.Time `json:"testedAt"`
}

// Room はスピードテストのルームを表します
// 参加者と結果はルームに埋め込まれ、ひとつのドキュメントとして保存されます
type Room struct {
	RoomId       string        `json:"roomId"`       // 6文字のルームコード
	AdminId      string        `json:"adminId"`      // 作成者のユーザーID（変更されない）
	Participants []Participant `json:"participants"` // 参加順
	Status       Status        `json:"status"`
	MaxCapacity  int           `json:"maxCapacity"`
	TestResults  []TestResult  `json:"testResults"` // 現在のラウンドの結果（ユーザーごとに最大1件）
	CreatedAt    time.Time     `json:"createdAt"`

	// RejoinTokens はuserIdごとの再接続用トークン。本人にだけ返し、配信やHTTPの応答には含めない
	RejoinTokens map[string]string `json:"rejoinTokens,omitempty"`
}

// Session は接続中のクライアント1つ分の状態です
type Session struct {
	UserId       string    `json:"userId"`
	Username     string    `json:"username"`
	ConnectionId string    `json:"connectionId"`
	CurrentRoom  string    `json:"currentRoom,omitempty"` // 未参加なら空
	CreatedAt    time.Time `json:"createdAt"`
	LastActive   time.Time `json:"lastActive"`
}
