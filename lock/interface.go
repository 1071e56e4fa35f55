package lock

import (
	"context"
	"fmt"
	"time"
)

// DistributedLock 锁接口：对账与交易决策互斥
type DistributedLock interface {
	// Lock 获取锁，阻塞直到成功或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 尝试获取锁，立即返回
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 关闭连接
	Close() error
}

// WithLock 持锁执行 fn，结束后释放
func WithLock(ctx context.Context, l DistributedLock, key string, ttl time.Duration, fn func() error) error {
	if err := l.Lock(ctx, key, ttl); err != nil {
		return fmt.Errorf("获取锁 %s 失败: %w", key, err)
	}
	// 释放时不受调用方取消影响
	defer l.Unlock(context.WithoutCancel(ctx), key)
	return fn()
}

// ReconcileKey 对账锁的 key
func ReconcileKey(account string) string {
	return "reconcile:" + account
}
