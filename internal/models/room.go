package models

import "crypto/subtle"

// MinActiveParticipants はテスト開始に必要なアクティブ参加者数です
const MinActiveParticipants = 2

// ParticipantIndex は参加者の位置を返します。見つからなければ-1
func (r *Room) ParticipantIndex(userId string) int {
	for i, p := range r.Participants {
		if p.UserId == userId {
			return i
		}
	}
	return -1
}

// HasParticipant はユーザーが参加者かどうかを返します
func (r *Room) HasParticipant(userId string) bool {
	return r.ParticipantIndex(userId) >= 0
}

// ActiveCount は接続中の参加者数を返します
func (r *Room) ActiveCount() int {
	n := 0
	for _, p := range r.Participants {
		if p.IsActive {
			n++
		}
	}
	return n
}

// ResultIndex はユーザーの結果の位置を返します。見つからなければ-1
func (r *Room) ResultIndex(userId string) int {
	for i, res := range r.TestResults {
		if res.UserId == userId {
			return i
		}
	}
	return -1
}

// RoundComplete は現在の参加者全員が結果を提出済みかどうかを返します
func (r *Room) RoundComplete() bool {
	return len(r.Participants) > 0 && len(r.TestResults) == len(r.Participants)
}

// LobbyStatus はメンバー構成から待機中の状態を導出します
// testing/resultsはメンバー変更では変わらないのでそのまま返します
func (r *Room) LobbyStatus() Status {
	if r.Status == StatusTesting || r.Status == StatusResults {
		return r.Status
	}
	return lobbyFromCount(r.ActiveCount())
}

// RecomputeStatus はLobbyStatusをStatusに反映します
func (r *Room) RecomputeStatus() {
	r.Status = r.LobbyStatus()
}

// ResetLobby は結果を破棄し、状態をメンバー構成から決め直します
func (r *Room) ResetLobby() {
	r.TestResults = []TestResult{}
	r.Status = lobbyFromCount(r.ActiveCount())
}

func lobbyFromCount(active int) Status {
	if active >= MinActiveParticipants {
		return StatusReady
	}
	return StatusWaiting
}

// Clone はスライスとマップを含めたディープコピーを返します
func (r *Room) Clone() *Room {
	c := *r
	if r.RejoinTokens != nil {
		c.RejoinTokens = make(map[string]string, len(r.RejoinTokens))
		for k, v := range r.RejoinTokens {
			c.RejoinTokens[k] = v
		}
	}
	c.Participants = append([]Participant(nil), r.Participants...)
	c.TestResults = append([]TestResult(nil), r.TestResults...)
	if c.Participants == nil {
		c.Participants = []Participant{}
	}
	if c.TestResults == nil {
		c.TestResults = []TestResult{}
	}
	return &c
}

// Public は再接続トークンを取り除いたコピーを返します
func (r *Room) Public() *Room {
	c := r.Clone()
	c.RejoinTokens = nil
	return c
}

// RejoinToken はユーザーの再接続トークンを返します。なければ空
func (r *Room) RejoinToken(userId string) string {
	return r.RejoinTokens[userId]
}

// CheckRejoinToken はtokenがユーザーの再接続トークンと一致するかどうかを返します
func (r *Room) CheckRejoinToken(userId, token string) bool {
	want := r.RejoinTokens[userId]
	if want == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
