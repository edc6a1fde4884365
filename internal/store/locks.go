package store

import "sync"

// KeyedLocks 按键维护互斥锁，序列化同一实体上的余额变更。
// 键是智能体 ID、用户账户键或出款请求键；持有同一键的写入方
// 互相排队，避免读改写互相覆盖。
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedLocks 创建锁管理器。
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock 锁定指定键并返回解锁函数。
func (l *KeyedLocks) Lock(key string) func() {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
