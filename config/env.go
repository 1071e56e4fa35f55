package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// 环境变量覆盖项
const (
	EnvIBAccount     = "AUTOSTOCK_IB_ACCOUNT"
	EnvIBBaseURL     = "AUTOSTOCK_IB_BASE_URL"
	EnvDatabaseDSN   = "AUTOSTOCK_DATABASE_DSN"
	EnvRedisPassword = "AUTOSTOCK_REDIS_PASSWORD"
)

// DotEnvPath .env 文件路径，不存在时忽略
var DotEnvPath = ".env"

// applyEnv 读取 .env（不覆盖已有环境变量），再将 AUTOSTOCK_* 覆盖到配置上
func applyEnv(cfg *Config) {
	_ = godotenv.Load(DotEnvPath)

	if v := strings.TrimSpace(os.Getenv(EnvIBAccount)); v != "" {
		cfg.IB.Account = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvIBBaseURL)); v != "" {
		cfg.IB.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Lock.Redis.Password = v
	}
}
