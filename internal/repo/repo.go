// Package repo はルームとセッションのドキュメントを保存するストレージバックエンドを提供します
// Redis・SQLite・メモリの3実装があり、どれも同じ振る舞いをします
package repo

import (
	"context"
	"errors"
)

// Kind はドキュメントの種類（名前空間）です
type Kind string

const (
	KindRoom       Kind = "rooms"       // roomId -> Room
	KindSession    Kind = "sessions"    // userId -> Session
	KindConnection Kind = "connections" // connectionId -> userId
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record already exists")
	ErrUnavailable = errors.New("storage backend unavailable")
	// ErrContention は楽観ロックの再試行を使い切ったことを表します。バックエンドは生きています
	ErrContention  = errors.New("too much contention")
)

// Mutator は現在のドキュメントを受け取り、置き換え後のドキュメントを返します
// nilを返すとレコードを削除します。楽観ロックの再試行で複数回呼ばれることがあります
type Mutator func(cur []byte) ([]byte, error)

// Backend はキーごとにドキュメントを保存するストアです
type Backend interface {
	// Create はキーが未使用の場合だけ保存します。使用済みならErrConflict
	Create(ctx context.Context, kind Kind, key string, doc []byte) error
	Get(ctx context.Context, kind Kind, key string) ([]byte, error)
	Put(ctx context.Context, kind Kind, key string, doc []byte) error
	// Update はfnをアトミックに適用します。レコードがなければErrNotFound
	// fnが返したエラーはそのまま返され、書き込みは行われません
	Update(ctx context.Context, kind Kind, key string, fn Mutator) error
	Delete(ctx context.Context, kind Kind, key string) error

	// Persistent はプロセス再起動後もデータが残るかどうかを返します
	Persistent() bool
	Ping(ctx context.Context) error
	Close() error
}

// maxUpdateRetries は楽観ロック競合時の再試行回数です
const maxUpdateRetries = 16

func unavailable(op string, err error) error {
	return &backendError{op: op, err: err}
}

// backendError はI/O起因のエラーです。errors.Is(err, ErrUnavailable)で判定できます
type backendError struct {
	op  string
	err error
}

func (e *backendError) Error() string { return e.op + ": " + ErrUnavailable.Error() + ": " + e.err.Error() }

func (e *backendError) Unwrap() []error { return []error{ErrUnavailable, e.err} }
