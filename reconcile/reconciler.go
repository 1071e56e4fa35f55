// Package reconcile 以券商记录为准同步本地成交、每日盈亏、连亏计数与持仓
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/songjiangwork/auto-stock/broker"
	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/event"
	"github.com/songjiangwork/auto-stock/lock"
	"github.com/songjiangwork/auto-stock/logger"
	"github.com/songjiangwork/auto-stock/metrics"
	"github.com/songjiangwork/auto-stock/position"
	"github.com/songjiangwork/auto-stock/risk"
	"github.com/songjiangwork/auto-stock/utils"
)

// 数量与金额比较容差
const (
	qtyTolerance = 1e-6
	pnlTolerance = 1e-6
)

// 冲突类型
const (
	ConflictPosition = "position"
	ConflictDailyPnL = "daily_pnl"
)

// DayStartEquityKey 日初权益在 app_state 中的 key
func DayStartEquityKey(date string) string {
	return "day_start_equity:" + date
}

// DrawdownBreachedKey 当日回撤熔断标记在 app_state 中的 key
func DrawdownBreachedKey(date string) string {
	return "drawdown_breached:" + date
}

// Conflict 本地与券商不一致，总是以券商为准
type Conflict struct {
	Symbol    string  `json:"symbol"`
	Kind      string  `json:"kind"`
	LocalQty  float64 `json:"local_qty"`
	BrokerQty float64 `json:"broker_qty"`
	Note      string  `json:"note"`
}

// Report 一次对账的结果
type Report struct {
	NewExecutions int                `json:"new_executions"`
	AffectedDates []string           `json:"affected_dates"`
	Conflicts     []Conflict         `json:"conflicts"`
	State         *risk.AccountState `json:"state"`
	Duration      time.Duration      `json:"duration"`
}

// Reconciler 对账器
type Reconciler struct {
	cfg       *config.Config
	broker    broker.Broker
	db        database.Database
	lock      lock.DistributedLock
	publisher event.Publisher
	loc       *time.Location
	now       func() time.Time

	// 进程内串行
	mu sync.Mutex
}

// NewReconciler 创建对账器
func NewReconciler(cfg *config.Config, b broker.Broker, db database.Database, distributedLock lock.DistributedLock, publisher event.Publisher) *Reconciler {
	if distributedLock == nil {
		distributedLock = lock.NewLocalLock()
	}
	if publisher == nil {
		publisher = event.Discard{}
	}
	return &Reconciler{
		cfg:       cfg,
		broker:    b,
		db:        db,
		lock:      distributedLock,
		publisher: publisher,
		loc:       utils.GlobalLocation,
		now:       time.Now,
	}
}

// SetLocation 设置交易日所用时区
func (r *Reconciler) SetLocation(loc *time.Location) {
	if loc != nil {
		r.loc = loc
	}
}

// SetClock 替换时钟（测试用）
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Reconcile 执行对账并生成本周期的账户快照
// 在返回之前不允许任何交易决策读取账户状态
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pm := metrics.GetPrometheusMetrics()
	start := time.Now()
	ttl := time.Duration(r.cfg.Lock.DefaultTTL) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	var report *Report
	err := lock.WithLock(ctx, r.lock, lock.ReconcileKey(r.broker.Account()), ttl, func() error {
		var err error
		report, err = r.reconcile(ctx)
		return err
	})
	if err != nil {
		pm.RecordReconcile("error")
		logger.Error("❌ [对账失败] %v", err)
		return nil, err
	}

	report.Duration = time.Since(start)
	pm.RecordReconcile("ok")
	pm.AddExecutionsIngested(report.NewExecutions)
	pm.SetAccount(report.State.Equity, report.State.Drawdown(), report.State.OpenPositions)
	for symbol, count := range report.State.ConsecutiveLosses {
		pm.SetConsecutiveLosses(symbol, count)
	}

	logger.Info("✅ [对账完成] 新成交 %d 笔, 影响交易日 %v, 冲突 %d, 权益 %.2f, 持仓 %d, 耗时 %v",
		report.NewExecutions, report.AffectedDates, len(report.Conflicts),
		report.State.Equity, report.State.OpenPositions, report.Duration.Round(time.Millisecond))
	r.publisher.PublishEvent(event.EventTypeReconcileCompleted, "", "", map[string]interface{}{
		"new_executions": report.NewExecutions,
		"affected_dates": report.AffectedDates,
		"conflicts":      len(report.Conflicts),
		"equity":         report.State.Equity,
	})
	return report, nil
}

// dailyAgg 某标的某交易日的成交汇总
type dailyAgg struct {
	realized float64
	trades   int
}

type closedTrade struct {
	date     string
	realized float64
}

func (r *Reconciler) reconcile(ctx context.Context) (*Report, error) {
	today := utils.TradingDate(r.now(), r.loc)
	report := &Report{}

	// 1. 拉取新成交
	since, err := r.db.LatestExecutionTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询最新成交时间失败: %w", err)
	}
	executions, err := r.broker.GetExecutionsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	// 2. 幂等写入
	affected := make(map[string]bool)
	for _, e := range executions {
		inserted, err := r.db.UpsertExecution(ctx, &database.Execution{
			ExecID:     e.ExecID,
			Account:    e.Account,
			Symbol:     e.Symbol,
			Side:       e.Side,
			Quantity:   e.Quantity,
			Price:      e.Price,
			Commission: e.Commission,
			OrderID:    e.OrderID,
			ExecutedAt: e.Time.UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("写入成交 %s 失败: %w", e.ExecID, err)
		}
		if inserted {
			report.NewExecutions++
			affected[utils.TradingDate(e.Time, r.loc)] = true
		}
	}
	for date := range affected {
		report.AffectedDates = append(report.AffectedDates, date)
	}
	sort.Strings(report.AffectedDates)

	// 3. 按时间重放全部成交
	stored, err := r.db.ListExecutions(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("读取成交失败: %w", err)
	}
	book := position.NewBook()
	daily := make(map[string]map[string]*dailyAgg)
	closes := make(map[string][]closedTrade)
	for _, e := range stored {
		date := utils.TradingDate(e.ExecutedAt, r.loc)
		if daily[date] == nil {
			daily[date] = make(map[string]*dailyAgg)
		}
		agg, ok := daily[date][e.Symbol]
		if !ok {
			agg = &dailyAgg{}
			daily[date][e.Symbol] = agg
		}

		out := book.Apply(position.Fill{
			Symbol:     e.Symbol,
			Side:       e.Side,
			Qty:        e.Quantity,
			Price:      e.Price,
			Commission: e.Commission,
			Time:       e.ExecutedAt,
		})
		// 部分平仓的盈亏记入成交当日，交易笔数与连亏只在整笔平仓时计
		agg.realized += out.Realized
		if out.Trade != nil {
			agg.trades++
			closes[e.Symbol] = append(closes[e.Symbol], closedTrade{date: date, realized: out.Trade.Realized})
		}
	}

	// 3b/4. 写每日盈亏与连亏计数
	streaks := todayStreaks(closes, today)
	err = r.db.WithTx(ctx, func(tx database.Database) error {
		for _, date := range report.AffectedDates {
			conflicts, err := r.writeDailyPnL(ctx, tx, date, today, daily[date])
			if err != nil {
				return err
			}
			report.Conflicts = append(report.Conflicts, conflicts...)
		}
		return r.writeLossCounters(ctx, tx, today, streaks)
	})
	if err != nil {
		return nil, fmt.Errorf("写入盈亏失败: %w", err)
	}

	// 5. 券商持仓覆盖本地
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	report.Conflicts = append(report.Conflicts, r.comparePositions(ctx, book.Positions(), brokerPositions)...)

	equity, err := r.broker.GetEquity(ctx)
	if err != nil {
		return nil, err
	}
	dayStart, err := r.dayStartEquity(ctx, today, equity)
	if err != nil {
		return nil, err
	}

	state := risk.NewAccountState(today, equity, r.cfg.Capital.MaxDeployUSD)
	state.DayStartEquity = dayStart
	state.SetPositions(brokerPositions)
	for symbol, agg := range daily[today] {
		state.SymbolDailyPnL[symbol] = agg.realized
	}
	for symbol, count := range streaks {
		state.ConsecutiveLosses[symbol] = count
	}
	if state.DrawdownBreached, err = r.drawdownBreached(ctx, state); err != nil {
		return nil, err
	}
	report.State = state
	return report, nil
}

// todayStreaks 每个标的今日的连亏次数（跨交易日归零）
func todayStreaks(closes map[string][]closedTrade, today string) map[string]int {
	streaks := make(map[string]int, len(closes))
	for symbol, trades := range closes {
		streak := 0
		current := ""
		for _, t := range trades {
			if t.date != current {
				current = t.date
				streak = 0
			}
			if t.realized < 0 {
				streak++
			} else {
				streak = 0
			}
		}
		if current != today {
			streak = 0
		}
		streaks[symbol] = streak
	}
	return streaks
}

// writeDailyPnL 写入某交易日的盈亏，已收盘交易日的已有行不可修改
func (r *Reconciler) writeDailyPnL(ctx context.Context, tx database.Database, date, today string, rows map[string]*dailyAgg) ([]Conflict, error) {
	symbols := make([]string, 0, len(rows))
	for symbol := range rows {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var conflicts []Conflict
	for _, symbol := range symbols {
		agg := rows[symbol]
		existing, err := tx.GetDailyPnL(ctx, symbol, date)
		if err != nil {
			return nil, err
		}
		if existing != nil && date < today {
			if math.Abs(existing.Realized-agg.realized) > pnlTolerance || existing.TradeCount != agg.trades {
				c := Conflict{
					Symbol: symbol,
					Kind:   ConflictDailyPnL,
					Note: fmt.Sprintf("%s 已收盘交易日盈亏不可修改: 已有 %.4f/%d 笔, 重算 %.4f/%d 笔",
						date, existing.Realized, existing.TradeCount, agg.realized, agg.trades),
				}
				r.recordConflict(ctx, tx, c)
				conflicts = append(conflicts, c)
			}
			continue
		}
		if existing != nil && math.Abs(existing.Realized-agg.realized) <= pnlTolerance && existing.TradeCount == agg.trades {
			continue
		}
		if err := tx.UpsertDailyPnL(ctx, &database.DailyPnL{
			Symbol:     symbol,
			TradeDate:  date,
			Realized:   agg.realized,
			TradeCount: agg.trades,
		}); err != nil {
			return nil, err
		}
		logger.Debug("📒 [%s] %s 已实现盈亏 %.2f (%d 笔平仓)", symbol, date, agg.realized, agg.trades)
	}
	return conflicts, nil
}

func (r *Reconciler) writeLossCounters(ctx context.Context, tx database.Database, today string, streaks map[string]int) error {
	for symbol, count := range streaks {
		existing, err := tx.GetLossCounter(ctx, symbol)
		if err != nil {
			return err
		}
		if existing != nil && existing.Count == count && existing.TradeDate == today {
			continue
		}
		if err := tx.SaveLossCounter(ctx, &database.LossCounter{Symbol: symbol, Count: count, TradeDate: today}); err != nil {
			return err
		}
	}
	return nil
}

// comparePositions 本地重放持仓与券商持仓逐一比较
func (r *Reconciler) comparePositions(ctx context.Context, local, remote map[string]position.Position) []Conflict {
	symbols := make(map[string]bool, len(local)+len(remote))
	for s := range local {
		symbols[s] = true
	}
	for s := range remote {
		symbols[s] = true
	}
	sorted := make([]string, 0, len(symbols))
	for s := range symbols {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	var conflicts []Conflict
	for _, symbol := range sorted {
		localQty := local[symbol].Quantity
		brokerQty := remote[symbol].Quantity
		if math.Abs(localQty-brokerQty) <= qtyTolerance {
			continue
		}
		c := Conflict{
			Symbol:    symbol,
			Kind:      ConflictPosition,
			LocalQty:  localQty,
			BrokerQty: brokerQty,
			Note:      "以券商持仓为准",
		}
		r.recordConflict(ctx, r.db, c)
		conflicts = append(conflicts, c)
	}
	return conflicts
}

// recordConflict 记录冲突：日志、事件、数据库，不向上返回错误
func (r *Reconciler) recordConflict(ctx context.Context, db database.Database, c Conflict) {
	logger.Warn("⚠️ [%s] 对账冲突(%s): 本地 %.4f, 券商 %.4f. %s", c.Symbol, c.Kind, c.LocalQty, c.BrokerQty, c.Note)
	metrics.GetPrometheusMetrics().RecordReconcileConflict(c.Symbol)
	r.publisher.PublishEvent(event.EventTypeReconciliationConflict, c.Symbol, c.Note, map[string]interface{}{
		"kind":       c.Kind,
		"local_qty":  c.LocalQty,
		"broker_qty": c.BrokerQty,
	})
	if err := db.SaveReconciliation(ctx, &database.ReconciliationRecord{
		Symbol:     c.Symbol,
		Kind:       c.Kind,
		LocalQty:   c.LocalQty,
		BrokerQty:  c.BrokerQty,
		Diff:       c.BrokerQty - c.LocalQty,
		Note:       c.Note,
		ResolvedAt: time.Now().UTC(),
	}); err != nil {
		logger.Error("❌ [%s] 保存对账冲突失败: %v", c.Symbol, err)
	}
}

// dayStartEquity 读取或初始化当日日初权益
func (r *Reconciler) dayStartEquity(ctx context.Context, today string, equity float64) (float64, error) {
	key := DayStartEquityKey(today)
	raw, ok, err := r.db.GetState(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("读取日初权益失败: %w", err)
	}
	if ok {
		var stored float64
		if err := json.Unmarshal([]byte(raw), &stored); err == nil && stored > 0 {
			return stored, nil
		}
		logger.Warn("⚠️ 日初权益记录无效 %s=%q，重新初始化", key, raw)
	}
	if err := r.db.SetState(ctx, key, strconv.FormatFloat(equity, 'f', -1, 64)); err != nil {
		return 0, fmt.Errorf("保存日初权益失败: %w", err)
	}
	logger.Info("📅 %s 日初权益: %.2f", today, equity)
	return equity, nil
}

// drawdownBreached 当日回撤熔断一旦触发就持久化，当日后续周期不再解除
func (r *Reconciler) drawdownBreached(ctx context.Context, state *risk.AccountState) (bool, error) {
	key := DrawdownBreachedKey(state.TradingDate)
	raw, ok, err := r.db.GetState(ctx, key)
	if err != nil {
		return false, fmt.Errorf("读取回撤熔断标记失败: %w", err)
	}
	if ok && raw == "true" {
		return true, nil
	}
	if !risk.NewGuard(risk.LimitsFromConfig(r.cfg.Risk)).BreachesDrawdown(state) {
		return false, nil
	}
	if err := r.db.SetState(ctx, key, "true"); err != nil {
		return false, fmt.Errorf("保存回撤熔断标记失败: %w", err)
	}
	logger.Warn("🚨 %s 当日回撤 %.2f%% 触发熔断，今日不再开新仓", state.TradingDate, state.Drawdown()*100)
	return true, nil
}
