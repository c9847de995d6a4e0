// Package sessions は接続IDからユーザーと参加中のルームを引くためのセッションディレクトリを提供します
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/speedrace/speedrace-server/internal/models"
	"github.com/speedrace/speedrace-server/internal/repo"
)

var ErrSessionNotFound = errors.New("session not found")

// Directory はセッションをuserIdで保存し、connectionId -> userIdの索引を持ちます
type Directory struct {
	backend repo.Backend
	now     func() time.Time
}

func NewDirectory(b repo.Backend) *Directory {
	return &Directory{backend: b, now: time.Now}
}

// Upsert はセッションを作成または更新します
// 既存のセッションはcreatedAtを保ったままlastActiveだけ更新されます
func (d *Directory) Upsert(ctx context.Context, userId, username, connectionId, currentRoom string) (*models.Session, error) {
	now := d.now().UTC()
	var prevConn string

	apply := func(s *models.Session) {
		prevConn = s.ConnectionId
		s.Username = username
		s.ConnectionId = connectionId
		s.CurrentRoom = currentRoom
		s.LastActive = now
	}

	var out *models.Session
	for attempt := 0; attempt < 2; attempt++ {
		err := d.backend.Update(ctx, repo.KindSession, userId, func(cur []byte) ([]byte, error) {
			var s models.Session
			if err := json.Unmarshal(cur, &s); err != nil {
				return nil, err
			}
			apply(&s)
			out = &s
			return json.Marshal(&s)
		})
		if err == nil {
			break
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("update session: %w", err)
		}

		s := &models.Session{UserId: userId, CreatedAt: now}
		apply(s)
		prevConn = ""
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		err = d.backend.Create(ctx, repo.KindSession, userId, b)
		if errors.Is(err, repo.ErrConflict) {
			// 同時に作成された場合は更新側でやり直す
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		out = s
		break
	}
	if out == nil {
		return nil, fmt.Errorf("upsert session %s: concurrent writers", userId)
	}

	if err := d.backend.Put(ctx, repo.KindConnection, connectionId, []byte(userId)); err != nil {
		return nil, fmt.Errorf("index connection: %w", err)
	}
	if prevConn != "" && prevConn != connectionId {
		d.dropIndex(ctx, prevConn, userId)
	}
	return out, nil
}

// Get はuserIdでセッションを取得します
func (d *Directory) Get(ctx context.Context, userId string) (*models.Session, error) {
	b, err := d.backend.Get(ctx, repo.KindSession, userId)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s models.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// FindByConnection は接続IDに紐づくセッションを返します
func (d *Directory) FindByConnection(ctx context.Context, connectionId string) (*models.Session, error) {
	b, err := d.backend.Get(ctx, repo.KindConnection, connectionId)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup connection: %w", err)
	}
	s, err := d.Get(ctx, string(b))
	if err != nil {
		return nil, err
	}
	// 索引が古い場合（別の接続に引き継がれた後）は見つからない扱い
	if s.ConnectionId != connectionId {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// AssignRoom はセッションの参加中ルームを設定します。空文字で未参加に戻します
func (d *Directory) AssignRoom(ctx context.Context, userId, roomId string) error {
	now := d.now().UTC()
	err := d.backend.Update(ctx, repo.KindSession, userId, func(cur []byte) ([]byte, error) {
		var s models.Session
		if err := json.Unmarshal(cur, &s); err != nil {
			return nil, err
		}
		s.CurrentRoom = roomId
		s.LastActive = now
		return json.Marshal(&s)
	})
	if errors.Is(err, repo.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// Delete はセッションと接続索引を削除します。存在しなくてもエラーにしません
func (d *Directory) Delete(ctx context.Context, userId string) error {
	s, err := d.Get(ctx, userId)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := d.backend.Delete(ctx, repo.KindSession, userId); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	d.dropIndex(ctx, s.ConnectionId, userId)
	return nil
}

// dropIndex は索引がまだuserIdを指している場合だけ削除します
func (d *Directory) dropIndex(ctx context.Context, connectionId, userId string) {
	_ = d.backend.Update(ctx, repo.KindConnection, connectionId, func(cur []byte) ([]byte, error) {
		if string(cur) != userId {
			return cur, nil
		}
		return nil, nil
	})
}
