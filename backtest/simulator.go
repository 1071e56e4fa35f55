// Package backtest 离线回放：与实盘相同的 信号 -> 决策 -> 风控 路径，成交改为模拟
package backtest

import (
	"fmt"
	"sort"
	"time"

	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/indicators"
	"github.com/songjiangwork/auto-stock/logger"
	"github.com/songjiangwork/auto-stock/position"
	"github.com/songjiangwork/auto-stock/risk"
	"github.com/songjiangwork/auto-stock/strategy"
	"github.com/songjiangwork/auto-stock/utils"
)

// 平仓原因
const (
	ExitStopLoss     = "STOP_LOSS"
	ExitStrategySell = "STRATEGY_SELL"
	ExitForcedEnd    = "FORCED_EXIT_END"
)

// PortfolioSymbol 组合模式结果使用的标的名
const PortfolioSymbol = "PORTFOLIO"

// Scenario 回测场景
type Scenario struct {
	Name     string `json:"name"`
	BarSize  string `json:"bar_size"`
	Duration string `json:"duration"`
}

// ScenariosFromConfig 配置中的场景列表
func ScenariosFromConfig(cfg config.BacktestConfig) []Scenario {
	scenarios := make([]Scenario, len(cfg.Scenarios))
	for i, sc := range cfg.Scenarios {
		scenarios[i] = Scenario{Name: sc.Name, BarSize: sc.BarSize, Duration: sc.Duration}
	}
	return scenarios
}

// Task 一个 (标的, 场景) 的回放输入
type Task struct {
	Symbol   string
	Scenario Scenario
	Bars     []indicators.Bar
}

// EquityPoint 权益点
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Trade 一笔完整的开平仓
type Trade struct {
	Symbol     string    `json:"symbol"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Shares     int       `json:"shares"`
	PnL        float64   `json:"pnl"`
	ReturnPct  float64   `json:"return_pct"` // 比例，非百分数
	ExitReason string    `json:"exit_reason"`
}

// Result 一次回放的结果
type Result struct {
	Symbol         string         `json:"symbol"`
	Scenario       Scenario       `json:"scenario"`
	Mode           string         `json:"mode"`
	Bars           int            `json:"bars"`
	InitialCapital float64        `json:"initial_capital"`
	FinalEquity    float64        `json:"final_equity"`
	Trades         []Trade        `json:"trades"`
	Equity         []EquityPoint  `json:"equity"`
	Denials        map[string]int `json:"denials"`
	Metrics        Metrics        `json:"metrics"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	Duration       time.Duration  `json:"-"`
}

// Simulator 回测器，只读配置，可被多个 goroutine 共用
type Simulator struct {
	combo          config.StrategyComboConfig
	signals        *strategy.SignalEngine
	guard          *risk.Guard
	atrWindow      int
	volatility     bool
	slippageBps    float64
	commission     float64
	initialCapital float64
	lookback       int
	loc            *time.Location
}

// NewSimulator 创建回测器；initialCapital <= 0 时取配置
func NewSimulator(cfg *config.Config, initialCapital float64) (*Simulator, error) {
	signals, err := strategy.NewSignalEngineFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if initialCapital <= 0 {
		initialCapital = cfg.Backtest.InitialCapital
	}
	if initialCapital <= 0 {
		return nil, &config.ConfigError{Field: "backtest.initial_capital", Reason: "初始资金必须为正"}
	}

	// 回测使用自己的最小下单金额
	limits := risk.LimitsFromConfig(cfg.Risk)
	limits.MinOrderNotional = cfg.Backtest.MinOrderNotional

	lookback := signals.MinBars()
	if cfg.Risk.ATRWindow+1 > lookback {
		lookback = cfg.Risk.ATRWindow + 1
	}
	loc := utils.GlobalLocation
	if loc == nil {
		loc = time.UTC
	}
	return &Simulator{
		combo:          cfg.StrategyCombo,
		signals:        signals,
		guard:          risk.NewGuard(limits),
		atrWindow:      cfg.Risk.ATRWindow,
		volatility:     cfg.Risk.VolatilityRiskPct > 0,
		slippageBps:    cfg.Backtest.SlippageBps,
		commission:     cfg.Backtest.CommissionPerOrder,
		initialCapital: initialCapital,
		lookback:       lookback,
		loc:            loc,
	}, nil
}

// SetLocation 设置划分交易日的时区
func (s *Simulator) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// InitialCapital 初始资金
func (s *Simulator) InitialCapital() float64 {
	return s.initialCapital
}

// Run 单标的回放，资金与状态独立
func (s *Simulator) Run(task Task) (*Result, error) {
	result, err := s.replay(task.Scenario, []Task{task})
	if err != nil {
		return nil, err
	}
	result.Symbol = task.Symbol
	result.Mode = config.BacktestPerSymbol
	return result, nil
}

// RunPortfolio 同一场景下全部标的按时间交错回放，共用一个资金池
func (s *Simulator) RunPortfolio(scenario Scenario, tasks []Task) (*Result, error) {
	result, err := s.replay(scenario, tasks)
	if err != nil {
		return nil, err
	}
	result.Symbol = PortfolioSymbol
	result.Mode = config.BacktestPortfolio
	return result, nil
}

// barRef 回放序列中的一根 K 线
type barRef struct {
	task  int
	index int
	time  time.Time
}

type openTrade struct {
	shares    int
	entry     float64
	entryTime time.Time
}

// replay 回放核心：按 K 线时间顺序逐根执行决策
func (s *Simulator) replay(scenario Scenario, tasks []Task) (*Result, error) {
	start := time.Now()
	var refs []barRef
	for ti, task := range tasks {
		for i, bar := range task.Bars {
			refs = append(refs, barRef{task: ti, index: i, time: bar.Time})
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("场景 %s 没有 K 线数据", scenario.Name)
	}
	// 同一时间按任务顺序，保证结果确定
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].time.Before(refs[j].time) })

	result := &Result{
		Scenario:       scenario,
		Bars:           len(refs),
		InitialCapital: s.initialCapital,
		Denials:        make(map[string]int),
		StartTime:      refs[0].time,
		EndTime:        refs[len(refs)-1].time,
	}

	cash := s.initialCapital
	state := risk.NewAccountState(utils.TradingDate(refs[0].time, s.loc), s.initialCapital, 0)
	open := make(map[string]*openTrade)
	lastPrice := make(map[string]float64)

	markToMarket := func() float64 {
		equity := cash
		for symbol, ot := range open {
			equity += float64(ot.shares) * lastPrice[symbol]
		}
		return equity
	}

	closeTrade := func(symbol string, price float64, at time.Time, reason string) {
		ot := open[symbol]
		fill := price * (1 - s.slippageBps/10000)
		cash += float64(ot.shares)*fill - s.commission
		pnl := (fill-ot.entry)*float64(ot.shares) - 2*s.commission
		ret := 0.0
		if ot.entry > 0 {
			ret = (fill - ot.entry) / ot.entry
		}
		result.Trades = append(result.Trades, Trade{
			Symbol:     symbol,
			EntryTime:  ot.entryTime,
			ExitTime:   at,
			EntryPrice: ot.entry,
			ExitPrice:  fill,
			Shares:     ot.shares,
			PnL:        pnl,
			ReturnPct:  ret,
			ExitReason: reason,
		})
		state.RecordClose(symbol, pnl)
		delete(state.Positions, symbol)
		state.OpenPositions--
		delete(open, symbol)
		logger.Debug("[回测 %s/%s] %s %d @ %.2f 盈亏 %.2f", symbol, scenario.Name, reason, ot.shares, fill, pnl)
	}

	for n, ref := range refs {
		task := tasks[ref.task]
		symbol := task.Symbol
		bar := task.Bars[ref.index]
		price := bar.Close
		lastPrice[symbol] = price

		state.Equity = markToMarket()
		state.RollDay(utils.TradingDate(bar.Time, s.loc))
		if s.guard.BreachesDrawdown(state) {
			state.DrawdownBreached = true
		}

		from := ref.index + 1 - s.lookback
		if from < 0 {
			from = 0
		}
		window := task.Bars[from : ref.index+1]
		decision := strategy.Combine(s.signals.Evaluate(symbol, window), s.combo)

		if ot, ok := open[symbol]; ok {
			switch {
			case s.guard.CheckStopLoss(ot.entry, price):
				closeTrade(symbol, price, bar.Time, ExitStopLoss)
			case decision.Action == strategy.ActionSell:
				closeTrade(symbol, price, bar.Time, ExitStrategySell)
			}
		} else if decision.Action == strategy.ActionBuy {
			fill := price * (1 + s.slippageBps/10000)
			req := risk.EntryRequest{Symbol: symbol, Price: fill, MaxNotional: cash - s.commission}
			if s.volatility {
				req.ATR = indicators.NewATR(s.atrWindow).CurrentATR(window)
			}
			if req.MaxNotional <= 0 {
				result.Denials[string(risk.CapitalSizing)]++
			} else if r := s.guard.EvaluateEntry(state, req); !r.Allowed {
				result.Denials[string(r.Reason)]++
			} else {
				shares := int(r.Quantity)
				cash -= float64(shares)*fill + s.commission
				open[symbol] = &openTrade{shares: shares, entry: fill, entryTime: bar.Time}
				state.Positions[symbol] = position.Position{Symbol: symbol, Quantity: float64(shares), AvgCost: fill, OpenedAt: bar.Time}
				state.OpenPositions++
				logger.Debug("[回测 %s/%s] BUY %d @ %.2f 现金 %.2f", symbol, scenario.Name, shares, fill, cash)
			}
		}

		equity := markToMarket()
		state.Equity = equity
		// 同一时间点只记录一次权益
		if n+1 < len(refs) && refs[n+1].time.Equal(ref.time) {
			continue
		}
		result.Equity = append(result.Equity, EquityPoint{Time: ref.time, Equity: equity})
	}

	// 结束时强制平仓
	symbols := make([]string, 0, len(open))
	for symbol := range open {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		closeTrade(symbol, lastPrice[symbol], result.EndTime, ExitForcedEnd)
	}
	if len(symbols) > 0 {
		result.Equity[len(result.Equity)-1].Equity = cash
	}

	result.FinalEquity = cash
	result.Metrics = CalculateMetrics(result.Equity, result.Trades, s.initialCapital)
	result.Duration = time.Since(start)
	return result, nil
}
