// Package idgen はルームコードやユーザーID、接続IDなどの識別子を生成します
package idgen

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// RoomAlphabet は読み間違えやすい文字（I, O, 0, 1）を除いたルームコードの文字集合
	RoomAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// RoomIDLength はルームコードの長さ
	RoomIDLength = 6
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID は時刻順に並ぶユーザーIDを生成します
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewConnectionID はWebSocket接続ごとのIDを生成します
func NewConnectionID() string {
	return uuid.NewString()
}

// NewRejoinToken は参加者が再接続するときに本人確認に使うトークンを生成します
func NewRejoinToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRoomID はランダムなルームコードを生成します
// 文字集合が32文字なので剰余による偏りはありません
func NewRoomID() (string, error) {
	b := make([]byte, RoomIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = RoomAlphabet[int(b[i])%len(RoomAlphabet)]
	}
	return string(b), nil
}

// NormalizeRoomID は入力されたルームコードを大文字に揃えます
func NormalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ValidRoomID はルームコードの形式を検証します
func ValidRoomID(id string) bool {
	if len(id) != RoomIDLength {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune(RoomAlphabet, c) {
			return false
		}
	}
	return true
}

// RoomIDGenerator はNewRoomIDを使うジェネレーターです
type RoomIDGenerator struct{}

// New は新しいルームコードを返します
func (RoomIDGenerator) New() (string, error) { return NewRoomID() }
