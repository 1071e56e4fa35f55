package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/report"
	"github.com/songjiangwork/auto-stock/risk"
)

// AccountProvider 提供最近一次对账得到的账户状态
type AccountProvider interface {
	AccountState() *risk.AccountState
}

type handlers struct {
	db      database.Database
	account AccountProvider
	now     func() time.Time
}

// SetupRoutes 设置路由
func SetupRoutes(r *gin.Engine, db database.Database, account AccountProvider) {
	h := &handlers{db: db, account: account, now: time.Now}

	r.GET("/healthz", h.healthz)

	// Prometheus metrics 端点
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/status", h.status)
		api.GET("/report", h.report)
		api.GET("/account", h.accountState)
	}
}

func (h *handlers) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) status(c *gin.Context) {
	text, err := report.RenderStatus(c.Request.Context(), h.db)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.String(http.StatusOK, text)
}

func (h *handlers) report(c *gin.Context) {
	text, err := report.RenderDailyReport(c.Request.Context(), h.db, h.now())
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.String(http.StatusOK, text)
}

func (h *handlers) accountState(c *gin.Context) {
	if h.account == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "交易引擎未运行"})
		return
	}
	state := h.account.AccountState()
	if state == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "尚未完成对账"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":  state,
		"drawdown": state.Drawdown(),
	})
}
