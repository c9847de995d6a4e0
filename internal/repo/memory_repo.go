package repo

import (
	"context"
	"sync"

	"github.com/speedrace/speedrace-server/internal/keylock"
)

// MemoryRepo はプロセス内のマップに保存するバックエンドです
// 永続ストアが使えない場合のフォールバックとしても使われます
type MemoryRepo struct {
	mu    sync.RWMutex
	data  map[Kind]map[string][]byte
	locks keylock.Locker
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{data: make(map[Kind]map[string][]byte)}
}

func lockKey(kind Kind, key string) string { return string(kind) + "/" + key }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (m *MemoryRepo) load(kind Kind, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[kind][key]
	return b, ok
}

func (m *MemoryRepo) store(kind Kind, key string, doc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc == nil {
		delete(m.data[kind], key)
		return
	}
	bucket, ok := m.data[kind]
	if !ok {
		bucket = make(map[string][]byte)
		m.data[kind] = bucket
	}
	bucket[key] = clone(doc)
}

func (m *MemoryRepo) Create(ctx context.Context, kind Kind, key string, doc []byte) error {
	unlock := m.locks.Lock(lockKey(kind, key))
	defer unlock()
	if _, ok := m.load(kind, key); ok {
		return ErrConflict
	}
	m.store(kind, key, doc)
	return nil
}

func (m *MemoryRepo) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	b, ok := m.load(kind, key)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (m *MemoryRepo) Put(ctx context.Context, kind Kind, key string, doc []byte) error {
	unlock := m.locks.Lock(lockKey(kind, key))
	defer unlock()
	m.store(kind, key, doc)
	return nil
}

func (m *MemoryRepo) Update(ctx context.Context, kind Kind, key string, fn Mutator) error {
	unlock := m.locks.Lock(lockKey(kind, key))
	defer unlock()

	cur, ok := m.load(kind, key)
	if !ok {
		return ErrNotFound
	}
	next, err := fn(clone(cur))
	if err != nil {
		return err
	}
	m.store(kind, key, next)
	return nil
}

func (m *MemoryRepo) Delete(ctx context.Context, kind Kind, key string) error {
	unlock := m.locks.Lock(lockKey(kind, key))
	defer unlock()
	m.store(kind, key, nil)
	return nil
}

func (m *MemoryRepo) Persistent() bool { return false }

func (m *MemoryRepo) Ping(ctx context.Context) error { return nil }

func (m *MemoryRepo) Close() error { return nil }
