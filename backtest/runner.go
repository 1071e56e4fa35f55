package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/songjiangwork/auto-stock/broker"
	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/indicators"
	"github.com/songjiangwork/auto-stock/logger"
	"github.com/songjiangwork/auto-stock/metrics"
)

// BarSource 历史 K 线来源（券商或缓存）
type BarSource interface {
	GetHistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]indicators.Bar, error)
}

// LoadTasks 逐个拉取 (标的, 场景) 的 K 线
// 连接错误中止；单个标的无数据时跳过
func LoadTasks(ctx context.Context, source BarSource, symbols []string, scenarios []Scenario) ([]Task, error) {
	tasks := make([]Task, 0, len(symbols)*len(scenarios))
	for _, symbol := range symbols {
		for _, sc := range scenarios {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			bars, err := source.GetHistoricalBars(ctx, symbol, sc.Duration, sc.BarSize)
			if err != nil {
				if broker.IsConnectivity(err) {
					return nil, err
				}
				logger.Warn("⚠️ [%s] 场景 %s 获取 K 线失败，跳过: %v", symbol, sc.Name, err)
				continue
			}
			if len(bars) == 0 {
				logger.Warn("⚠️ [%s] 场景 %s 没有 K 线，跳过", symbol, sc.Name)
				continue
			}
			logger.Info("📥 [%s] 场景 %s: %d 根K线 (%s 至 %s)", symbol, sc.Name, len(bars),
				bars[0].Time.Format("2006-01-02 15:04"), bars[len(bars)-1].Time.Format("2006-01-02 15:04"))
			tasks = append(tasks, Task{Symbol: symbol, Scenario: sc, Bars: bars})
		}
	}
	return tasks, nil
}

// unit 一个并行执行单元：单标的模式一个任务，组合模式一个场景的全部任务
type unit struct {
	scenario Scenario
	tasks    []Task
}

func planUnits(tasks []Task, mode string) []unit {
	if mode != config.BacktestPortfolio {
		units := make([]unit, len(tasks))
		for i, t := range tasks {
			units[i] = unit{scenario: t.Scenario, tasks: []Task{t}}
		}
		return units
	}
	var units []unit
	index := make(map[string]int)
	for _, t := range tasks {
		i, ok := index[t.Scenario.Name]
		if !ok {
			i = len(units)
			index[t.Scenario.Name] = i
			units = append(units, unit{scenario: t.Scenario})
		}
		units[i].tasks = append(units[i].tasks, t)
	}
	return units
}

// RunBatch 并行执行回放，结果顺序与任务顺序一致
// 每个单元使用独立的账户状态，汇总在全部完成后进行
func RunBatch(ctx context.Context, sim *Simulator, tasks []Task, mode string, parallelism int) ([]*Result, error) {
	units := planUnits(tasks, mode)
	results := make([]*Result, len(units))
	if parallelism <= 0 {
		parallelism = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, u := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var (
				res *Result
				err error
			)
			if mode == config.BacktestPortfolio {
				res, err = sim.RunPortfolio(u.scenario, u.tasks)
			} else {
				res, err = sim.Run(u.tasks[0])
			}
			if err != nil {
				return fmt.Errorf("回测 %s/%s 失败: %w", u.tasks[0].Symbol, u.scenario.Name, err)
			}
			metrics.GetPrometheusMetrics().ObserveBacktestTask(u.scenario.Name, res.Duration, len(res.Trades))
			logger.Info("✅ [%s] 场景 %s: K线 %d, 交易 %d, 胜率 %.1f%%, 盈亏 %.2f, 收益 %.2f%%, 最大回撤 %.2f%%",
				res.Symbol, u.scenario.Name, res.Bars, res.Metrics.TotalTrades, res.Metrics.WinRate,
				res.Metrics.TotalPnL, res.Metrics.TotalReturn, res.Metrics.MaxDrawdown)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Batch 一批回测的结果
type Batch struct {
	ID             string
	Mode           string
	StartedAt      time.Time
	InitialCapital float64
	Results        []*Result
}

// NewBatch 创建批次，ID 为 时间戳-短 uuid
func NewBatch(mode string, initialCapital float64, startedAt time.Time, results []*Result) *Batch {
	return &Batch{
		ID:             startedAt.Format("20060102_150405") + "-" + uuid.NewString()[:8],
		Mode:           mode,
		StartedAt:      startedAt,
		InitialCapital: initialCapital,
		Results:        results,
	}
}

// SaveRuns 将批次汇总写入 backtest_runs 表
func SaveRuns(ctx context.Context, db database.Database, b *Batch) error {
	runs := make([]*database.BacktestRun, 0, len(b.Results))
	for _, s := range b.Summaries() {
		runs = append(runs, &database.BacktestRun{
			Batch:          b.ID,
			Mode:           b.Mode,
			Symbol:         s.Symbol,
			Scenario:       s.Scenario,
			Bars:           s.Bars,
			Trades:         s.Trades,
			WinRate:        s.WinRatePct,
			PnL:            s.PnL,
			ReturnPct:      s.ReturnPct,
			MaxDrawdownPct: s.MaxDrawdownPct,
			InitialCapital: s.InitialCapital,
			FinalEquity:    s.FinalEquity,
			CreatedAt:      b.StartedAt.UTC(),
		})
	}
	return db.SaveBacktestRuns(ctx, runs)
}

// Summaries 每个结果的汇总行
func (b *Batch) Summaries() []Summary {
	summaries := make([]Summary, len(b.Results))
	for i, r := range b.Results {
		summaries[i] = Summarize(r)
	}
	return summaries
}
