package lock

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/songjiangwork/auto-stock/config"
)

// NewDistributedLock 根据配置创建锁
// 未启用时返回进程内锁
func NewDistributedLock(cfg *config.Config) (DistributedLock, error) {
	if !cfg.Lock.Enabled {
		return NewLocalLock(), nil
	}

	switch cfg.Lock.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			PoolSize: cfg.Lock.Redis.PoolSize,
		})
		return NewRedisLock(client, cfg.Lock.Prefix), nil

	case "local":
		return NewLocalLock(), nil

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Lock.Type)
	}
}
