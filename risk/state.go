package risk

import (
	"github.com/songjiangwork/auto-stock/position"
)

// AccountState 一个交易周期使用的账户快照
// 由对账生成后按引用传入风控，不从全局读取
type AccountState struct {
	TradingDate       string                       `json:"trading_date"`
	Equity            float64                      `json:"equity"`
	DayStartEquity    float64                      `json:"day_start_equity"`
	MaxDeployUSD      float64                      `json:"max_deploy_usd"`
	OpenPositions     int                          `json:"open_positions"`
	Positions         map[string]position.Position `json:"positions"`
	SymbolDailyPnL    map[string]float64           `json:"symbol_daily_pnl"`
	ConsecutiveLosses map[string]int               `json:"consecutive_losses"`
	// DrawdownBreached 当日回撤熔断已触发，直到下一交易日才解除
	DrawdownBreached  bool                         `json:"drawdown_breached"`
}

// NewAccountState 创建空快照
func NewAccountState(date string, equity, maxDeploy float64) *AccountState {
	return &AccountState{
		TradingDate:       date,
		Equity:            equity,
		DayStartEquity:    equity,
		MaxDeployUSD:      maxDeploy,
		Positions:         make(map[string]position.Position),
		SymbolDailyPnL:    make(map[string]float64),
		ConsecutiveLosses: make(map[string]int),
	}
}

// EffectiveEquity 用于计算仓位的资金基数：账户权益与可部署上限取小
func (s *AccountState) EffectiveEquity() float64 {
	if s.MaxDeployUSD > 0 && s.MaxDeployUSD < s.Equity {
		return s.MaxDeployUSD
	}
	return s.Equity
}

// Drawdown 当日回撤比例（盈利时为负）
func (s *AccountState) Drawdown() float64 {
	if s.DayStartEquity <= 0 {
		return 0
	}
	return (s.DayStartEquity - s.Equity) / s.DayStartEquity
}

// Position 标的持仓，没有则为空仓
func (s *AccountState) Position(symbol string) position.Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	return position.Position{Symbol: symbol}
}

// RollDay 交易日切换：清空当日计数与回撤熔断，以当前权益作为日初权益
func (s *AccountState) RollDay(date string) bool {
	if date == s.TradingDate {
		return false
	}
	s.TradingDate = date
	s.DayStartEquity = s.Equity
	s.DrawdownBreached = false
	s.SymbolDailyPnL = make(map[string]float64)
	s.ConsecutiveLosses = make(map[string]int)
	return true
}

// RecordClose 记录一笔平仓：亏损时连亏计数加一，不亏则清零
func (s *AccountState) RecordClose(symbol string, pnl float64) {
	if s.SymbolDailyPnL == nil {
		s.SymbolDailyPnL = make(map[string]float64)
	}
	if s.ConsecutiveLosses == nil {
		s.ConsecutiveLosses = make(map[string]int)
	}
	s.SymbolDailyPnL[symbol] += pnl
	if pnl < 0 {
		s.ConsecutiveLosses[symbol]++
	} else {
		s.ConsecutiveLosses[symbol] = 0
	}
}

// SetPositions 以给定持仓覆盖本地视图并重算持仓数量
func (s *AccountState) SetPositions(positions map[string]position.Position) {
	s.Positions = make(map[string]position.Position, len(positions))
	s.OpenPositions = 0
	for symbol, p := range positions {
		if p.IsFlat() {
			continue
		}
		s.Positions[symbol] = p
		s.OpenPositions++
	}
}

// Clone 深拷贝，用于对外发布
func (s *AccountState) Clone() *AccountState {
	if s == nil {
		return nil
	}
	c := *s
	c.Positions = make(map[string]position.Position, len(s.Positions))
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	c.SymbolDailyPnL = make(map[string]float64, len(s.SymbolDailyPnL))
	for k, v := range s.SymbolDailyPnL {
		c.SymbolDailyPnL[k] = v
	}
	c.ConsecutiveLosses = make(map[string]int, len(s.ConsecutiveLosses))
	for k, v := range s.ConsecutiveLosses {
		c.ConsecutiveLosses[k] = v
	}
	return &c
}
