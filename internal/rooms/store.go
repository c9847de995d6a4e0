// Package rooms はルームの保存と、ルームに対するアトミックな変更を提供します
// すべての変更はバックエンドのUpdateひとつで行われるため、確認と書き込みの間に他の変更が割り込むことはありません
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/speedrace/speedrace-server/internal/idgen"
	"github.com/speedrace/speedrace-server/internal/models"
	"github.com/speedrace/speedrace-server/internal/repo"
)

const (
	DefaultMaxCapacity   = 8  // ルームの最大人数
	defaultMaxIDAttempts = 32 // ルームコード生成の最大試行回数
)

// IDGenerator はユニークなIDを生成するインターフェース
type IDGenerator interface {
	New() (string, error) // 新しいIDを生成
}

// Store はルームのCRUDと状態遷移を担当します
type Store struct {
	backend       repo.Backend
	idg           IDGenerator
	maxCapacity   int
	maxIDAttempts int
	now           func() time.Time
	newToken      func() string
}

// Option はStoreの設定を変更します
type Option func(*Store)

// WithMaxCapacity はルームの最大人数を設定します
func WithMaxCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxCapacity = n
		}
	}
}

// WithClock はテスト用に時刻の取得方法を差し替えます
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTokenGenerator は再接続トークンの生成方法を差し替えます
func WithTokenGenerator(fn func() string) Option {
	return func(s *Store) { s.newToken = fn }
}

// NewStore は新しいStoreを作成します
func NewStore(b repo.Backend, idg IDGenerator, opts ...Option) *Store {
	s := &Store{
		backend:       b,
		idg:           idg,
		maxCapacity:   DefaultMaxCapacity,
		maxIDAttempts: defaultMaxIDAttempts,
		now:           time.Now,
		newToken:      idgen.NewRejoinToken,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxCapacity はルームの最大人数を返します
func (s *Store) MaxCapacity() int { return s.maxCapacity }

// Persistent はルームが永続ストアに保存されているかどうかを返します
func (s *Store) Persistent() bool { return s.backend.Persistent() }

// CreateRoom は新しいルームを作成し、作成者を最初の参加者として登録します
// 生成したコードが使用済みの場合は条件付き挿入が失敗するので、別のコードで再試行します
// 返すルームには作成者の再接続トークンが含まれます
func (s *Store) CreateRoom(ctx context.Context, adminId, username string) (*models.Room, error) {
	now := s.now().UTC()
	token := s.newToken()
	for i := 0; i < s.maxIDAttempts; i++ {
		roomId, err := s.idg.New()
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}

		room := &models.Room{
			RoomId:  roomId,
			AdminId: adminId,
			Participants: []models.Participant{
				{UserId: adminId, Username: username, JoinedAt: now, IsActive: true},
			},
			Status:       models.StatusWaiting,
			MaxCapacity:  s.maxCapacity,
			TestResults:  []models.TestResult{},
			CreatedAt:    now,
			RejoinTokens: map[string]string{adminId: token},
		}
		b, err := json.Marshal(room)
		if err != nil {
			return nil, err
		}

		err = s.backend.Create(ctx, repo.KindRoom, roomId, b)
		if errors.Is(err, repo.ErrConflict) {
			// ID被りがあった場合は次の試行へ
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		return room, nil
	}
	return nil, ErrRoomIDExhausted
}

// GetRoom はルームを取得します
func (s *Store) GetRoom(ctx context.Context, roomId string) (*models.Room, error) {
	b, err := s.backend.Get(ctx, repo.KindRoom, roomId)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return decodeRoom(b)
}

func decodeRoom(b []byte) (*models.Room, error) {
	var r models.Room
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	if r.Participants == nil {
		r.Participants = []models.Participant{}
	}
	if r.TestResults == nil {
		r.TestResults = []models.TestResult{}
	}
	return &r, nil
}

// errDeleteRoom はmutateにルームの削除を指示するための内部エラー
var errDeleteRoom = errors.New("delete room")

// mutate はルームを読み出してfnを適用し、書き戻します
// fnがerrDeleteRoomを返した場合はルームを削除し、deleted=trueを返します
// fnは再試行で複数回呼ばれることがあるので、外部の状態を変更してはいけません
func (s *Store) mutate(ctx context.Context, roomId string, fn func(r *models.Room) error) (room *models.Room, deleted bool, err error) {
	err = s.backend.Update(ctx, repo.KindRoom, roomId, func(cur []byte) ([]byte, error) {
		room, deleted = nil, false
		r, err := decodeRoom(cur)
		if err != nil {
			return nil, err
		}
		if err := fn(r); err != nil {
			if errors.Is(err, errDeleteRoom) {
				deleted = true
				return nil, nil
			}
			return nil, err
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		room = r
		return b, nil
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, ErrRoomNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return room, deleted, nil
}

// AddParticipant はルームに参加者を追加します
// テスト中のルームには参加できず、満員の場合も拒否されます
// 再接続はSetParticipantActiveで行うので、既に参加しているユーザーの追加はエラーです
// 追加した参加者には再接続トークンを発行します
func (s *Store) AddParticipant(ctx context.Context, roomId, userId, username string) (*models.Room, error) {
	now := s.now().UTC()
	token := s.newToken()
	room, _, err := s.mutate(ctx, roomId, func(r *models.Room) error {
		if r.Status == models.StatusTesting {
			return ErrRoomLocked
		}
		if r.HasParticipant(userId) {
			return fmt.Errorf("%w: %s is already a participant", ErrInvalidTransition, userId)
		}
		if len(r.Participants) >= r.MaxCapacity {
			return ErrRoomFull
		}
		r.Participants = append(r.Participants, models.Participant{
			UserId:   userId,
			Username: username,
			JoinedAt: now,
			IsActive: true,
		})
		if r.RejoinTokens == nil {
			r.RejoinTokens = make(map[string]string)
		}
		r.RejoinTokens[userId] = token
		r.RecomputeStatus()
		return nil
	})
	return room, err
}

// RemoveParticipant は参加者を削除します
// 最後の参加者が抜けた場合はルーム自体を削除し、deleted=trueを返します
// 今回のラウンドでその参加者が提出した結果も取り除きます
func (s *Store) RemoveParticipant(ctx context.Context, roomId, userId string) (room *models.Room, deleted bool, err error) {
	return s.mutate(ctx, roomId, func(r *models.Room) error {
		i := r.ParticipantIndex(userId)
		if i < 0 {
			return ErrParticipantNotFound
		}
		r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
		if len(r.Participants) == 0 {
			return errDeleteRoom
		}
		delete(r.RejoinTokens, userId)
		if j := r.ResultIndex(userId); j >= 0 {
			r.TestResults = append(r.TestResults[:j], r.TestResults[j+1:]...)
		}
		r.RecomputeStatus()
		return nil
	})
}

// AppendOrReplaceResult は参加者の結果を保存します
// 同じユーザーの結果が既にあれば置き換えるので、1人1件を超えることはありません
func (s *Store) AppendOrReplaceResult(ctx context.Context, roomId string, result models.TestResult) (*models.Room, error) {
	room, _, err := s.mutate(ctx, roomId, func(r *models.Room) error {
		if !r.HasParticipant(result.UserId) {
			return ErrParticipantNotFound
		}
		if r.Status != models.StatusTesting {
			return ErrRoundNotActive
		}
		if j := r.ResultIndex(result.UserId); j >= 0 {
			r.TestResults = append(r.TestResults[:j], r.TestResults[j+1:]...)
		}
		r.TestResults = append(r.TestResults, result)
		return nil
	})
	return room, err
}

// SetStatus は状態を直接設定します
func (s *Store) SetStatus(ctx context.Context, roomId string, status models.Status) (*models.Room, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	room, _, err := s.mutate(ctx, roomId, func(r *models.Room) error {
		r.Status = status
		return nil
	})
	return room, err
}

// ClearResults は現在のラウンドの結果を破棄します
func (s *Store) ClearResults(ctx context.Context, roomId string) (*models.Room, error) {
	room, _, err := s.mutate(ctx, roomId, func(r *models.Room) error {
		r.TestResults = []models.TestResult{}
		return nil
	})
	return room, err
}

// StartRound は計測ラウンドを開始します
// 管理者本人であること、アクティブ参加者が2人以上いること、まだラウンド中・結果表示中でないことを確認します
func (s *Store) StartRound(ctx context.Context, roomId, userId string) (*models.Room, error) {
	room, _, err := s.mutate(ctx, roomId, func(r *models.Room) error {
		if r.AdminId != userId {
			return ErrNotAdmin
		}
		if r.Status == models.StatusTesting || r.Status == models.StatusResults {
			return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, r.Status)
		}
		if r.ActiveCount() < models.MinActiveParticipants {
			return ErrNotEnoughParticipants
		}
		r.Status = models.StatusTesting
		r.TestResults = []models.TestResult{}
		return nil
	})
	return room, err
}

// CompleteRound は全員の結果が揃っていればtesting→resultsに遷移させます
// completedはこの呼び出しで遷移した場合だけtrueになるので、結果の通知は1ラウンドにつき1回だけ行われます
func (s *Store) CompleteRound(ctx context.Context, roomId string) (room *models.Room, completed bool, err error) {
	room, _, err = s.mutate(ctx, roomId, func(r *models.Room) error {
		completed = false
		if r.Status == models.StatusTesting && r.RoundComplete() {
			r.Status = models.StatusResults
			completed = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return room, completed, nil
}

// RestartRound は結果を破棄して待機状態に戻します（管理者のみ）
func (s *Store) RestartRound(ctx context.Context, roomId, userId string) (*models.Room, error) {
	room, _, err := s.mutate(ctx, roomId, func(r *models.Room) error {
		if r.AdminId != userId {
			return ErrNotAdmin
		}
		r.ResetLobby()
		return nil
	})
	return room, err
}

// SetParticipantActive は参加者の接続状態を切り替えます
// usernameが空でなければ表示名も更新します
func (s *Store) SetParticipantActive(ctx context.Context, roomId, userId string, active bool, username string) (*models.Room, error) {
	room, _, err := s.mutate(ctx, roomId, func(r *models.Room) error {
		i := r.ParticipantIndex(userId)
		if i < 0 {
			return ErrParticipantNotFound
		}
		r.Participants[i].IsActive = active
		if username != "" {
			r.Participants[i].Username = username
		}
		r.RecomputeStatus()
		return nil
	})
	return room, err
}
