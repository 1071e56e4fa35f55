package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 决策与风控
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autostock_decisions_total",
			Help: "Total number of combined decisions",
		},
		[]string{"symbol", "action"},
	)

	riskDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autostock_risk_denied_total",
			Help: "Total number of entries denied by the risk guard",
		},
		[]string{"symbol", "reason"},
	)

	stopLossTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autostock_stop_loss_total",
			Help: "Total number of stop-loss exits",
		},
		[]string{"symbol"},
	)

	// 订单
	ordersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autostock_orders_total",
			Help: "Total number of orders submitted",
		},
		[]string{"symbol", "side", "status"},
	)

	orderRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autostock_order_rejections_total",
			Help: "Total number of orders rejected by the broker",
		},
		[]string{"symbol"},
	)

	// 对账
	reconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autostock_reconcile_runs_total",
			Help: "Total number of reconciliation runs",
		},
		[]string{"result"},
	)

	reconcileConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autostock_reconcile_conflicts_total",
			Help: "Total number of local/broker conflicts resolved in the broker's favor",
		},
		[]string{"symbol"},
	)

	executionsIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autostock_executions_ingested_total",
			Help: "Total number of new broker executions stored",
		},
	)

	// 账户
	accountEquity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autostock_account_equity",
			Help: "Account equity reported by the broker",
		},
	)

	accountDrawdown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autostock_account_drawdown_ratio",
			Help: "Intraday drawdown ratio relative to day-start equity",
		},
	)

	openPositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autostock_open_positions",
			Help: "Number of open positions",
		},
	)

	consecutiveLosses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autostock_consecutive_losses",
			Help: "Consecutive losing closes per symbol",
		},
		[]string{"symbol"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autostock_cycle_duration_seconds",
			Help:    "Duration of one live decision cycle",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// 回测
	backtestTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autostock_backtest_task_duration_seconds",
			Help:    "Duration of one backtest replay task",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"scenario"},
	)

	backtestTradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autostock_backtest_trades_total",
			Help: "Total number of simulated closed trades",
		},
		[]string{"scenario"},
	)

	// 进程
	processMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autostock_process_memory_mb",
			Help: "Resident memory of the process in MB",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autostock_process_cpu_percent",
			Help: "CPU usage of the process in percent",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autostock_goroutines",
			Help: "Number of goroutines",
		},
	)
)

// PrometheusMetrics 指标记录入口
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建指标记录器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// RecordDecision 记录决策
func (pm *PrometheusMetrics) RecordDecision(symbol, action string) {
	decisionsTotal.WithLabelValues(symbol, action).Inc()
}

// RecordRiskDenied 记录风控拒绝
func (pm *PrometheusMetrics) RecordRiskDenied(symbol, reason string) {
	riskDeniedTotal.WithLabelValues(symbol, reason).Inc()
}

// RecordStopLoss 记录止损
func (pm *PrometheusMetrics) RecordStopLoss(symbol string) {
	stopLossTotal.WithLabelValues(symbol).Inc()
}

// RecordOrder 记录下单
func (pm *PrometheusMetrics) RecordOrder(symbol, side, status string) {
	ordersTotal.WithLabelValues(symbol, side, status).Inc()
}

// RecordOrderRejection 记录券商拒单
func (pm *PrometheusMetrics) RecordOrderRejection(symbol string) {
	orderRejectionsTotal.WithLabelValues(symbol).Inc()
}

// RecordReconcile 记录对账结果（ok / error）
func (pm *PrometheusMetrics) RecordReconcile(result string) {
	reconcileRunsTotal.WithLabelValues(result).Inc()
}

// RecordReconcileConflict 记录对账冲突
func (pm *PrometheusMetrics) RecordReconcileConflict(symbol string) {
	reconcileConflictsTotal.WithLabelValues(symbol).Inc()
}

// AddExecutionsIngested 新入库成交数
func (pm *PrometheusMetrics) AddExecutionsIngested(n int) {
	if n > 0 {
		executionsIngestedTotal.Add(float64(n))
	}
}

// SetAccount 更新账户指标
func (pm *PrometheusMetrics) SetAccount(equity, drawdown float64, open int) {
	accountEquity.Set(equity)
	accountDrawdown.Set(drawdown)
	openPositions.Set(float64(open))
}

// SetConsecutiveLosses 更新连亏计数
func (pm *PrometheusMetrics) SetConsecutiveLosses(symbol string, count int) {
	consecutiveLosses.WithLabelValues(symbol).Set(float64(count))
}

// ObserveCycle 记录周期耗时
func (pm *PrometheusMetrics) ObserveCycle(duration time.Duration) {
	cycleDuration.Observe(duration.Seconds())
}

// ObserveBacktestTask 记录回测任务耗时与成交数
func (pm *PrometheusMetrics) ObserveBacktestTask(scenario string, duration time.Duration, trades int) {
	backtestTaskDuration.WithLabelValues(scenario).Observe(duration.Seconds())
	if trades > 0 {
		backtestTradesTotal.WithLabelValues(scenario).Add(float64(trades))
	}
}

// SetProcess 更新进程资源指标
func (pm *PrometheusMetrics) SetProcess(memoryMB, cpuPercent float64, goroutines int) {
	processMemoryMB.Set(memoryMB)
	processCPUPercent.Set(cpuPercent)
	goroutineCount.Set(float64(goroutines))
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局指标记录器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
