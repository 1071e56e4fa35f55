package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLock 进程内锁（单实例模式）
// ttl 到期后锁自动失效，与 Redis 行为一致
type LocalLock struct {
	mu    sync.Mutex
	held  map[string]time.Time // key -> 过期时间
	retry time.Duration
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]time.Time), retry: 20 * time.Millisecond}
}

// Lock 获取锁
func (l *LocalLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// TryLock 尝试获取锁
func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

// Unlock 释放锁
func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; !ok {
		return fmt.Errorf("lock not held: %s", key)
	}
	delete(l.held, key)
	return nil
}

// Extend 延期
func (l *LocalLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, ok := l.held[key]; !ok || time.Now().After(expiry) {
		return fmt.Errorf("lock not held or expired: %s", key)
	}
	l.held[key] = time.Now().Add(ttl)
	return nil
}

// Close 无资源需要释放
func (l *LocalLock) Close() error {
	return nil
}
