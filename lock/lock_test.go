package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/songjiangwork/auto-stock/config"
)

func TestLocalLockExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLock()
	key := ReconcileKey("DU123")

	ok, err := l.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("首次加锁应成功: %v %v", ok, err)
	}
	if ok, _ := l.TryLock(ctx, key, time.Minute); ok {
		t.Fatal("已持有的锁不应再次获取")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Lock(waitCtx, key, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("锁被占用时应等待到超时, 得到 %v", err)
	}

	if err := l.Unlock(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(ctx, key); err == nil {
		t.Error("重复释放应报错")
	}
}

func TestLocalLockExpires(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLock()
	if ok, _ := l.TryLock(ctx, "k", 10*time.Millisecond); !ok {
		t.Fatal("加锁失败")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := l.TryLock(ctx, "k", time.Minute); !ok {
		t.Error("过期后应可重新获取")
	}
}

func TestWithLockReleases(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLock()
	want := errors.New("boom")

	err := WithLock(ctx, l, "k", time.Minute, func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("应返回 fn 的错误, 得到 %v", err)
	}
	if ok, _ := l.TryLock(ctx, "k", time.Minute); !ok {
		t.Error("WithLock 结束后锁应已释放")
	}
}

func TestFactoryDisabledReturnsLocal(t *testing.T) {
	cfg := &config.Config{}
	l, err := NewDistributedLock(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*LocalLock); !ok {
		t.Errorf("未启用时应返回进程内锁, 得到 %T", l)
	}

	cfg.Lock.Enabled = true
	cfg.Lock.Type = "zookeeper"
	if _, err := NewDistributedLock(cfg); err == nil {
		t.Error("不支持的类型应报错")
	}
}
