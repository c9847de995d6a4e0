package repo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Failover は永続バックエンドへの操作が接続エラーで失敗した時点で、
// プロセスが終了するまでメモリバックエンドに切り替えます
// 永続ストアに残っていたデータは切り替え後は参照されません
type Failover struct {
	primary   Backend
	fallback  *MemoryRepo
	degraded  atomic.Bool
	once      sync.Once
	onDegrade func(error)
}

func NewFailover(primary Backend) *Failover {
	return &Failover{primary: primary, fallback: NewMemoryRepo()}
}

// OnDegrade は切り替え時に一度だけ呼ばれる関数を設定します
func (f *Failover) OnDegrade(fn func(error)) { f.onDegrade = fn }

// Degraded はメモリモードに切り替わったかどうかを返します
func (f *Failover) Degraded() bool { return f.degraded.Load() }

func (f *Failover) current() Backend {
	if f.degraded.Load() {
		return f.fallback
	}
	return f.primary
}

func (f *Failover) degrade(err error) {
	f.once.Do(func() {
		f.degraded.Store(true)
		logrus.WithError(err).Warn("storage backend unavailable, continuing in memory mode")
		if f.onDegrade != nil {
			f.onDegrade(err)
		}
	})
}

func (f *Failover) do(op func(Backend) error) error {
	b := f.current()
	err := op(b)
	if err != nil && b != Backend(f.fallback) && errors.Is(err, ErrUnavailable) {
		f.degrade(err)
		return op(f.fallback)
	}
	return err
}

func (f *Failover) Create(ctx context.Context, kind Kind, key string, doc []byte) error {
	return f.do(func(b Backend) error { return b.Create(ctx, kind, key, doc) })
}

func (f *Failover) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	var out []byte
	err := f.do(func(b Backend) error {
		var err error
		out, err = b.Get(ctx, kind, key)
		return err
	})
	return out, err
}

func (f *Failover) Put(ctx context.Context, kind Kind, key string, doc []byte) error {
	return f.do(func(b Backend) error { return b.Put(ctx, kind, key, doc) })
}

func (f *Failover) Update(ctx context.Context, kind Kind, key string, fn Mutator) error {
	return f.do(func(b Backend) error { return b.Update(ctx, kind, key, fn) })
}

func (f *Failover) Delete(ctx context.Context, kind Kind, key string) error {
	return f.do(func(b Backend) error { return b.Delete(ctx, kind, key) })
}

func (f *Failover) Persistent() bool {
	return !f.degraded.Load() && f.primary.Persistent()
}

func (f *Failover) Ping(ctx context.Context) error {
	return f.current().Ping(ctx)
}

func (f *Failover) Close() error {
	return f.primary.Close()
}
