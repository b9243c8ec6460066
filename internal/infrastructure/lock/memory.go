package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryManager 进程内锁实现
// 单实例部署和测试环境使用，语义与 Redis 实现一致（非重入、按 value 释放）
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]string // key -> 持有者 value
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{locks: make(map[string]string)}
}

func (m *MemoryManager) NewLock(key, value string, expiration time.Duration) Locker {
	return &memoryLock{mgr: m, key: key, value: value}
}

type memoryLock struct {
	mgr   *MemoryManager
	key   string
	value string
}

func (l *memoryLock) tryLock() bool {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	if _, held := l.mgr.locks[l.key]; held {
		return false
	}
	l.mgr.locks[l.key] = l.value
	return true
}

func (l *memoryLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		if l.tryLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *memoryLock) Unlock(ctx context.Context) error {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	if holder, held := l.mgr.locks[l.key]; held && holder == l.value {
		delete(l.mgr.locks, l.key)
	}
	return nil
}
