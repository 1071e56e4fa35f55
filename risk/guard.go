package risk

import (
	"fmt"
	"math"

	"github.com/songjiangwork/auto-stock/config"
)

// DenyReason 拒绝原因，对应各道闸门
type DenyReason string

const (
	AccountDrawdownBreached DenyReason = "AccountDrawdownBreached"
	ConsecutiveLossBreaker  DenyReason = "ConsecutiveLossBreaker"
	MaxOpenPositions        DenyReason = "MaxOpenPositions"
	SymbolDailyLoss         DenyReason = "SymbolDailyLoss"
	CapitalSizing           DenyReason = "CapitalSizing"
	StopLoss                DenyReason = "StopLoss"
)

// Limits 风控限制，一次运行内不变
type Limits struct {
	MaxPositionPct          float64
	StopLossPct             float64
	SymbolDailyLossPct      float64
	AccountDailyDrawdownPct float64
	MaxOpenPositions        int
	MaxConsecutiveLosses    int
	MinOrderNotional        float64
	VolatilityRiskPct       float64
}

// LimitsFromConfig 从配置构造风控限制
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{
		MaxPositionPct:          cfg.MaxPositionPct,
		StopLossPct:             cfg.StopLossPct,
		SymbolDailyLossPct:      cfg.SymbolDailyLossPct,
		AccountDailyDrawdownPct: cfg.AccountDailyDrawdownPct,
		MaxOpenPositions:        cfg.MaxOpenPositions,
		MaxConsecutiveLosses:    cfg.MaxConsecutiveLosses,
		MinOrderNotional:        cfg.MinOrderNotional,
		VolatilityRiskPct:       cfg.VolatilityRiskPct,
	}
}

// Result 风控结果：Allow(数量) 或 Deny(原因)
type Result struct {
	Allowed  bool       `json:"allowed"`
	Quantity float64    `json:"quantity"`
	Notional float64    `json:"notional"`
	Reason   DenyReason `json:"reason,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

// Allow 放行
func Allow(qty, price float64) Result {
	return Result{Allowed: true, Quantity: qty, Notional: qty * price}
}

// Deny 拒绝
func Deny(reason DenyReason, format string, args ...interface{}) Result {
	return Result{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (r Result) String() string {
	if r.Allowed {
		return fmt.Sprintf("Allow(%.0f)", r.Quantity)
	}
	return fmt.Sprintf("Deny(%s): %s", r.Reason, r.Detail)
}

// EntryRequest 开仓请求
type EntryRequest struct {
	Symbol string
	Price  float64
	ATR    float64 // 0 表示不做波动率调整
	// MaxNotional 额外的金额上限（如组合回测的可用现金），0 表示不限
	MaxNotional float64
}

// Guard 按固定顺序逐道检查，遇到第一个拒绝即返回
type Guard struct {
	limits Limits
}

// NewGuard 创建风控
func NewGuard(limits Limits) *Guard {
	return &Guard{limits: limits}
}

// Limits 当前限制
func (g *Guard) Limits() Limits {
	return g.limits
}

type gate func(state *AccountState, req EntryRequest) *Result

// EvaluateEntry 评估开仓请求；平仓和止损不经过这里
func (g *Guard) EvaluateEntry(state *AccountState, req EntryRequest) Result {
	gates := []gate{
		g.checkDrawdown,
		g.checkConsecutiveLosses,
		g.checkOpenPositions,
		g.checkSymbolDailyLoss,
	}
	for _, check := range gates {
		if denied := check(state, req); denied != nil {
			return *denied
		}
	}
	return g.size(state, req)
}

// BreachesDrawdown 当前回撤是否达到熔断线
func (g *Guard) BreachesDrawdown(state *AccountState) bool {
	return g.limits.AccountDailyDrawdownPct > 0 && state.Drawdown() >= g.limits.AccountDailyDrawdownPct
}

// checkDrawdown 触发后在 state 上锁定，权益回升也不解除
func (g *Guard) checkDrawdown(state *AccountState, _ EntryRequest) *Result {
	if state.DrawdownBreached {
		r := Deny(AccountDrawdownBreached, "%s 当日回撤熔断已触发", state.TradingDate)
		return &r
	}
	if g.BreachesDrawdown(state) {
		state.DrawdownBreached = true
		r := Deny(AccountDrawdownBreached, "当日回撤 %.2f%% >= %.2f%%", state.Drawdown()*100, g.limits.AccountDailyDrawdownPct*100)
		return &r
	}
	return nil
}

func (g *Guard) checkConsecutiveLosses(state *AccountState, req EntryRequest) *Result {
	if g.limits.MaxConsecutiveLosses <= 0 {
		return nil
	}
	if n := state.ConsecutiveLosses[req.Symbol]; n >= g.limits.MaxConsecutiveLosses {
		r := Deny(ConsecutiveLossBreaker, "%s 连续亏损 %d 次", req.Symbol, n)
		return &r
	}
	return nil
}

func (g *Guard) checkOpenPositions(state *AccountState, _ EntryRequest) *Result {
	if g.limits.MaxOpenPositions <= 0 {
		return nil
	}
	if state.OpenPositions >= g.limits.MaxOpenPositions {
		r := Deny(MaxOpenPositions, "持仓数 %d 已达上限 %d", state.OpenPositions, g.limits.MaxOpenPositions)
		return &r
	}
	return nil
}

func (g *Guard) checkSymbolDailyLoss(state *AccountState, req EntryRequest) *Result {
	if g.limits.SymbolDailyLossPct <= 0 {
		return nil
	}
	limit := state.Equity * g.limits.SymbolDailyLossPct
	if pnl := state.SymbolDailyPnL[req.Symbol]; pnl <= -limit {
		r := Deny(SymbolDailyLoss, "%s 当日盈亏 %.2f 触及上限 -%.2f", req.Symbol, pnl, limit)
		return &r
	}
	return nil
}

// size 计算整股数量，金额不足时拒绝而不是缩小
func (g *Guard) size(state *AccountState, req EntryRequest) Result {
	if req.Price <= 0 {
		return Deny(CapitalSizing, "价格无效: %v", req.Price)
	}
	equity := state.EffectiveEquity()
	notional := equity * g.limits.MaxPositionPct

	if g.limits.VolatilityRiskPct > 0 && req.ATR > 0 {
		volNotional := equity * g.limits.VolatilityRiskPct / (req.ATR / req.Price)
		notional = math.Min(notional, volNotional)
	}
	if req.MaxNotional > 0 {
		notional = math.Min(notional, req.MaxNotional)
	}

	qty := math.Floor(notional / req.Price)
	if qty <= 0 {
		return Deny(CapitalSizing, "可用金额 %.2f 不足以买入 1 股 (价格 %.2f)", notional, req.Price)
	}
	if qty*req.Price < g.limits.MinOrderNotional {
		return Deny(CapitalSizing, "下单金额 %.2f 低于最小金额 %.2f", qty*req.Price, g.limits.MinOrderNotional)
	}
	return Allow(qty, req.Price)
}

// CheckStopLoss 最新价跌破 均价×(1-止损比例) 时触发
func (g *Guard) CheckStopLoss(avgCost, last float64) bool {
	if avgCost <= 0 || g.limits.StopLossPct <= 0 {
		return false
	}
	return last <= avgCost*(1-g.limits.StopLossPct)+1e-9
}
