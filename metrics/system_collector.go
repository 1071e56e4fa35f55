package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/songjiangwork/auto-stock/logger"
	"github.com/songjiangwork/auto-stock/monitor"
)

// SystemMetricsCollector 定期采集进程资源
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	cancel   context.CancelFunc
}

// NewSystemMetricsCollector 创建采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	return &SystemMetricsCollector{
		pm:       GetPrometheusMetrics(),
		interval: interval,
	}
}

// Start 启动采集，ctx 结束或调用 Stop 时退出
func (smc *SystemMetricsCollector) Start(ctx context.Context) {
	ctx, smc.cancel = context.WithCancel(ctx)
	go smc.collectLoop(ctx)
}

// Stop 停止采集
func (smc *SystemMetricsCollector) Stop() {
	if smc.cancel != nil {
		smc.cancel()
	}
}

func (smc *SystemMetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	smc.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			smc.collect()
		}
	}
}

func (smc *SystemMetricsCollector) collect() {
	m, err := monitor.CollectSystemMetrics()
	if err != nil {
		logger.Debug("采集进程指标失败: %v", err)
		return
	}
	smc.pm.SetProcess(m.MemoryMB, m.CPUPercent, runtime.NumGoroutine())
}
