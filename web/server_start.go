package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/logger"
)

// StatusServer 只读状态服务
type StatusServer struct {
	server *http.Server
	addr   string
}

// NewStatusServer 创建状态服务，未启用时返回 nil
func NewStatusServer(cfg *config.Config, db database.Database, account AccountProvider) *StatusServer {
	if !cfg.Web.Enabled {
		return nil
	}

	debug := strings.EqualFold(cfg.LogLevel, "debug")
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), GinLoggerMiddleware(debug))
	SetupRoutes(r, db, account)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	return &StatusServer{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start 后台监听，ctx 结束时关闭
func (s *StatusServer) Start(ctx context.Context) {
	if s == nil {
		return
	}

	go func() {
		logger.Info("🌐 状态服务启动在 http://%s", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ 状态服务启动失败: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop 停止服务
func (s *StatusServer) Stop() {
	if s == nil || s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logger.Error("❌ 状态服务关闭失败: %v", err)
		return
	}
	logger.Info("✅ 状态服务已关闭")
}
