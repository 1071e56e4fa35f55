// Package engine 实盘决策循环：逐标的执行 信号 -> 决策 -> 风控 -> 下单
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/songjiangwork/auto-stock/broker"
	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/event"
	"github.com/songjiangwork/auto-stock/indicators"
	"github.com/songjiangwork/auto-stock/logger"
	"github.com/songjiangwork/auto-stock/metrics"
	"github.com/songjiangwork/auto-stock/position"
	"github.com/songjiangwork/auto-stock/reconcile"
	"github.com/songjiangwork/auto-stock/risk"
	"github.com/songjiangwork/auto-stock/strategy"
	"github.com/songjiangwork/auto-stock/utils"
)

// 已提交但无成交的买单超过该时长视为已撤销
const defaultPendingEntryTTL = 30 * time.Minute

// Engine 单线程决策循环
type Engine struct {
	cfg        *config.Config
	broker     broker.Broker
	db         database.Database
	reconciler *reconcile.Reconciler
	signals    *strategy.SignalEngine
	guard      *risk.Guard
	executor   *broker.OrderExecutor
	publisher  event.Publisher

	interval        time.Duration
	pendingEntryTTL time.Duration
	loc             *time.Location
	now             func() time.Time
	marketOpen      func(time.Time) bool

	stateMu sync.RWMutex
	state   *risk.AccountState
}

// NewEngine 创建引擎
func NewEngine(cfg *config.Config, b broker.Broker, db database.Database, reconciler *reconcile.Reconciler,
	executor *broker.OrderExecutor, publisher event.Publisher) (*Engine, error) {
	signals, err := strategy.NewSignalEngineFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		publisher = event.Discard{}
	}
	interval := time.Duration(cfg.Strategy.LoopIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	e := &Engine{
		cfg:             cfg,
		broker:          b,
		db:              db,
		reconciler:      reconciler,
		signals:         signals,
		guard:           risk.NewGuard(risk.LimitsFromConfig(cfg.Risk)),
		executor:        executor,
		publisher:       publisher,
		interval:        interval,
		pendingEntryTTL: defaultPendingEntryTTL,
		loc:             utils.GlobalLocation,
		now:             time.Now,
	}
	e.marketOpen = func(t time.Time) bool { return utils.IsMarketOpen(t, e.loc) }
	return e, nil
}

// SetClock 替换时钟与开市判断（测试用）
func (e *Engine) SetClock(now func() time.Time, marketOpen func(time.Time) bool) {
	if now != nil {
		e.now = now
	}
	if marketOpen != nil {
		e.marketOpen = marketOpen
	}
}

// SetInterval 设置循环间隔
func (e *Engine) SetInterval(d time.Duration) {
	if d > 0 {
		e.interval = d
	}
}

// AccountState 最近一次周期的账户快照（副本）
func (e *Engine) AccountState() *risk.AccountState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state.Clone()
}

func (e *Engine) setState(s *risk.AccountState) {
	e.stateMu.Lock()
	e.state = s.Clone()
	e.stateMu.Unlock()
}

// Run 运行决策循环，直到 ctx 取消
// 启动时的对账失败会中止运行；之后单个周期失败只跳过该周期
func (e *Engine) Run(ctx context.Context) error {
	logger.Info("🚀 autostock 引擎启动: 标的 %v, 策略 %v (%s), 间隔 %v",
		e.cfg.Symbols, e.signals.Names(), e.cfg.StrategyCombo.CombinationMode, e.interval)
	e.publisher.PublishEvent(event.EventTypeSystemStart, "", "autostock 引擎启动", map[string]interface{}{
		"symbols": e.cfg.Symbols,
		"account": e.broker.Account(),
	})

	report, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("启动对账失败: %w", err)
	}
	e.setState(report.State)

	for ctx.Err() == nil {
		if !e.marketOpen(e.now()) {
			logger.Info("🌙 休市中，%v 后再检查", e.interval)
		} else if err := e.RunCycle(ctx); err != nil {
			logger.Error("❌ 本周期失败: %v", err)
			e.publisher.PublishEvent(event.EventTypeError, "", err.Error(), nil)
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.interval):
		}
	}

	logger.Info("🛑 引擎已停止 %s", e.now().UTC().Format(time.RFC3339))
	e.publisher.PublishEvent(event.EventTypeSystemStop, "", "autostock 引擎停止", nil)
	return nil
}

// RunCycle 执行一个周期：对账后逐个标的处理
// 只在标的之间检查取消，正在处理的标的总会完整执行
func (e *Engine) RunCycle(ctx context.Context) error {
	start := time.Now()
	pm := metrics.GetPrometheusMetrics()

	report, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	state := report.State
	e.setState(state)

	for _, symbol := range e.cfg.Symbols {
		if ctx.Err() != nil {
			logger.Info("🛑 收到停止信号，%s 之前退出本周期", symbol)
			break
		}
		e.processSymbol(context.WithoutCancel(ctx), symbol, state)
	}

	e.setState(state)
	pm.SetAccount(state.Equity, state.Drawdown(), state.OpenPositions)
	pm.ObserveCycle(time.Since(start))
	return nil
}

// processSymbol 单个标的的完整处理，不可中途取消
func (e *Engine) processSymbol(ctx context.Context, symbol string, state *risk.AccountState) {
	pm := metrics.GetPrometheusMetrics()

	bars, err := e.broker.GetHistoricalBars(ctx, symbol, e.cfg.Strategy.Duration, e.cfg.Strategy.BarSize)
	if err != nil {
		logger.Error("❌ [%s] 获取 K 线失败: %v", symbol, err)
		e.publisher.PublishEvent(event.EventTypeError, symbol, "获取 K 线失败: "+err.Error(), nil)
		return
	}
	if len(bars) == 0 {
		logger.Warn("⚠️ [%s] 没有历史数据", symbol)
		e.publisher.PublishEvent(event.EventTypeNoData, symbol, symbol+": 没有历史数据", nil)
		return
	}
	last := bars[len(bars)-1].Close

	decision := strategy.Combine(e.signals.Evaluate(symbol, bars), e.cfg.StrategyCombo)
	decision.Symbol = symbol
	detail := decision.Detail()
	pm.RecordDecision(symbol, string(decision.Action))

	pos := state.Position(symbol)
	unrealized := 0.0
	if !pos.IsFlat() {
		unrealized = (last - pos.AvgCost) * pos.Quantity
	}
	if err := e.db.SaveSnapshot(ctx, &database.Snapshot{
		Symbol:     symbol,
		Position:   pos.Quantity,
		AvgCost:    pos.AvgCost,
		LastPrice:  last,
		Unrealized: unrealized,
		Action:     string(decision.Action),
		Score:      decision.Score,
		CreatedAt:  e.now().UTC(),
	}); err != nil {
		logger.Error("❌ [%s] 保存快照失败: %v", symbol, err)
	}
	e.publisher.PublishEvent(event.EventTypeDecision, symbol, fmt.Sprintf("%s %s", decision.Action, decision.Reason), map[string]interface{}{
		"action":     decision.Action,
		"score":      decision.Score,
		"confidence": decision.Confidence,
		"detail":     detail,
		"last_price": last,
	})

	// 止损优先，不经过开仓风控
	if pos.IsLong() && e.guard.CheckStopLoss(pos.AvgCost, last) {
		pm.RecordStopLoss(symbol)
		logger.Warn("🛑 [%s] 触发止损: 成本 %.2f, 最新价 %.2f", symbol, pos.AvgCost, last)
		e.publisher.PublishEvent(event.EventTypeStopLoss, symbol, fmt.Sprintf("%s: 触发止损 @ %.2f", symbol, last), map[string]interface{}{
			"avg_cost":   pos.AvgCost,
			"last_price": last,
		})
		e.exit(ctx, state, pos, last, broker.ReasonStopLoss, detail)
		return
	}

	switch {
	case decision.Action == strategy.ActionSell && pos.IsLong():
		e.exit(ctx, state, pos, last, broker.ReasonStrategySell, detail)
	case decision.Action == strategy.ActionBuy && pos.IsFlat():
		if e.pendingEntry(ctx, symbol) {
			logger.Info("⏳ [%s] 上一笔买单尚未成交，本周期不再开仓", symbol)
			return
		}
		e.enter(ctx, state, symbol, bars, last, detail)
	default:
		logger.Debug("[%s] 决策=%s, 持仓=%.0f, 明细=%s (%s)", symbol, decision.Action, pos.Quantity, detail, decision.Reason)
	}
}

// pendingEntry 最近一笔已提交的订单是买单、尚无成交且未超时，视为仍在途
func (e *Engine) pendingEntry(ctx context.Context, symbol string) bool {
	orders, err := e.db.GetOrders(ctx, &database.OrderFilter{Symbol: symbol, Status: broker.OrderStatusSubmitted, Limit: 1})
	if err != nil {
		logger.Warn("⚠️ [%s] 查询在途订单失败: %v", symbol, err)
		return true
	}
	if len(orders) == 0 {
		return false
	}
	last := orders[0]
	if last.Side != position.SideBuy || last.BrokerOrderID == "" {
		return false
	}
	if time.Since(last.CreatedAt) > e.pendingEntryTTL {
		return false
	}
	execs, err := e.db.ListExecutions(ctx, &database.ExecutionFilter{Symbol: symbol, OrderID: last.BrokerOrderID, Limit: 1})
	if err != nil {
		logger.Warn("⚠️ [%s] 查询订单成交失败: %v", symbol, err)
		return true
	}
	return len(execs) == 0
}

func (e *Engine) enter(ctx context.Context, state *risk.AccountState, symbol string, bars []indicators.Bar, last float64, detail string) {
	pm := metrics.GetPrometheusMetrics()

	req := risk.EntryRequest{Symbol: symbol, Price: last}
	if e.cfg.Risk.VolatilityRiskPct > 0 {
		req.ATR = indicators.NewATR(e.cfg.Risk.ATRWindow).CurrentATR(bars)
	}
	result := e.guard.EvaluateEntry(state, req)
	if !result.Allowed {
		pm.RecordRiskDenied(symbol, string(result.Reason))
		logger.Warn("⚠️ [%s] 风控拒绝开仓: %s", symbol, result)
		e.publisher.PublishEvent(event.EventTypeRiskDenied, symbol, result.String(), map[string]interface{}{
			"reason": result.Reason,
			"detail": result.Detail,
		})
		return
	}

	qty := int(result.Quantity)
	res, err := e.executor.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Side:     position.SideBuy,
		Quantity: qty,
		Price:    last,
		Reason:   broker.ReasonStrategyBuy,
		Note:     detail,
	})
	if err != nil {
		e.orderFailed(symbol, err)
		return
	}

	e.publisher.PublishEvent(event.EventTypeOrderSubmitted, symbol, fmt.Sprintf("%s: BUY %d @ %.2f (%s) [%s]", symbol, qty, last, res.Status, detail), nil)
	state.Positions[symbol] = position.Position{Symbol: symbol, Quantity: float64(qty), AvgCost: last, OpenedAt: e.now().UTC()}
	state.OpenPositions++
}

func (e *Engine) exit(ctx context.Context, state *risk.AccountState, pos position.Position, last float64, reason, detail string) {
	side, qty, err := broker.CloseOrderForPosition(pos.Quantity)
	if err != nil {
		logger.Warn("⚠️ [%s] %v", pos.Symbol, err)
		return
	}
	res, err := e.executor.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     side,
		Quantity: qty,
		Price:    last,
		Reason:   reason,
		Note:     detail,
	})
	if err != nil {
		e.orderFailed(pos.Symbol, err)
		return
	}

	e.publisher.PublishEvent(event.EventTypeOrderSubmitted, pos.Symbol, fmt.Sprintf("%s: %s %d @ %.2f (%s) [%s]", pos.Symbol, side, qty, last, res.Status, reason), nil)
	// 近似已实现盈亏，下次对账以成交回报为准
	state.RecordClose(pos.Symbol, (last-pos.AvgCost)*float64(qty))
	delete(state.Positions, pos.Symbol)
	if state.OpenPositions > 0 {
		state.OpenPositions--
	}
}

func (e *Engine) orderFailed(symbol string, err error) {
	var rejection *broker.OrderRejection
	if errors.As(err, &rejection) {
		e.publisher.PublishEvent(event.EventTypeOrderRejected, symbol, rejection.Error(), map[string]interface{}{
			"status": rejection.Status,
			"reason": rejection.Reason,
		})
		return
	}
	logger.Error("❌ [%s] 下单失败: %v", symbol, err)
	e.publisher.PublishEvent(event.EventTypeError, symbol, "下单失败: "+err.Error(), nil)
}

// FlattenResult 平仓结果
type FlattenResult struct {
	Submitted int
	Rejected  int
	Skipped   int
}

// Flatten 按券商持仓平掉全部（或指定标的）仓位
func (e *Engine) Flatten(ctx context.Context, ticker string, dryRun bool) (*FlattenResult, error) {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	symbols := make([]string, 0, len(positions))
	for symbol := range positions {
		if ticker == "" || symbol == ticker {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	executor := e.executor
	if dryRun {
		executor = broker.NewOrderExecutor(e.broker, e.db, nil, true)
	}

	result := &FlattenResult{}
	if len(symbols) == 0 {
		logger.Info("ℹ️ 没有需要平仓的持仓")
		return result, nil
	}
	for _, symbol := range symbols {
		pos := positions[symbol]
		side, qty, err := broker.CloseOrderForPosition(pos.Quantity)
		if err != nil {
			result.Skipped++
			continue
		}
		_, err = executor.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:   symbol,
			Side:     side,
			Quantity: qty,
			Price:    pos.AvgCost,
			Reason:   broker.ReasonFlatten,
		})
		switch {
		case err == nil:
			result.Submitted++
		case broker.IsRejection(err):
			result.Rejected++
			e.orderFailed(symbol, err)
		case broker.IsConnectivity(err):
			return result, err
		default:
			result.Skipped++
			e.orderFailed(symbol, err)
		}
	}
	logger.Info("✅ 平仓完成: 提交 %d, 拒绝 %d, 跳过 %d", result.Submitted, result.Rejected, result.Skipped)
	return result, nil
}
