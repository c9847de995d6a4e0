// Package keylock はキー単位の排他ロックを提供します
// 使われていないキーのエントリは解放時に削除されるため、ルーム数に比例してメモリが増え続けることはありません
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker はキーごとのミューテックス表です。ゼロ値で使えます
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock はキーのロックを取得し、解放用の関数を返します
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*entry)
	}
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len は現在保持されているキーの数を返します
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
