package backtest

import (
	"math"
	"sort"
)

// Metrics 回测指标，百分比字段已乘 100
type Metrics struct {
	// 收益指标
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`     // 胜率 (%)
	TotalPnL    float64 `json:"total_pnl"`    // 已实现盈亏
	TotalReturn float64 `json:"total_return"` // 总收益率 (%)

	// 风险指标
	MaxDrawdown         float64 `json:"max_drawdown"`          // 最大回撤 (%)
	MaxDrawdownDuration int     `json:"max_drawdown_duration"` // 最长回撤持续（权益点数）
	VaR95               float64 `json:"var_95"`                // 单步收益 95% VaR (%)
	CVaR95              float64 `json:"cvar_95"`

	// 交易指标
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`

	// 连续性指标
	MaxConsecutiveWins   int `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int `json:"max_consecutive_losses"`
}

// CalculateMetrics 计算所有指标；盈亏为 0 的交易计为盈利
func CalculateMetrics(equity []EquityPoint, trades []Trade, initialCapital float64) Metrics {
	m := Metrics{
		TotalTrades:         len(trades),
		MaxDrawdown:         calculateMaxDrawdown(equity) * 100,
		MaxDrawdownDuration: calculateMaxDrawdownDuration(equity),
	}

	var totalProfit, totalLoss float64
	var winStreak, lossStreak int
	for _, t := range trades {
		m.TotalPnL += t.PnL
		if t.PnL >= 0 {
			m.Wins++
			totalProfit += t.PnL
			m.LargestWin = math.Max(m.LargestWin, t.PnL)
			winStreak++
			lossStreak = 0
		} else {
			m.Losses++
			totalLoss += -t.PnL
			m.LargestLoss = math.Max(m.LargestLoss, -t.PnL)
			lossStreak++
			winStreak = 0
		}
		if winStreak > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = winStreak
		}
		if lossStreak > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = lossStreak
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.TotalTrades) * 100
	}
	if initialCapital > 0 {
		m.TotalReturn = m.TotalPnL / initialCapital * 100
	}
	if m.Wins > 0 {
		m.AvgWin = totalProfit / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = totalLoss / float64(m.Losses)
	}
	if totalLoss > 0 {
		m.ProfitFactor = totalProfit / totalLoss
	}

	returns := calculateReturns(equity)
	m.VaR95 = calculateHistoricalVaR(returns, 0.95) * 100
	m.CVaR95 = calculateCVaR(returns, 0.95) * 100
	return m
}

// calculateReturns 计算收益率序列
func calculateReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	returns := make([]float64, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1].Equity > 0 {
			returns[i-1] = (equity[i].Equity - equity[i-1].Equity) / equity[i-1].Equity
		}
	}
	return returns
}

// calculateMaxDrawdown 以历史峰值计算的最大回撤（比例）
func calculateMaxDrawdown(equity []EquityPoint) float64 {
	if len(equity) == 0 {
		return 0
	}
	maxDrawdown := 0.0
	peak := equity[0].Equity
	for _, point := range equity {
		if point.Equity > peak {
			peak = point.Equity
		}
		if peak > 0 {
			if dd := (peak - point.Equity) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}
	return maxDrawdown
}

// calculateMaxDrawdownDuration 权益低于前高的最长连续点数
func calculateMaxDrawdownDuration(equity []EquityPoint) int {
	if len(equity) == 0 {
		return 0
	}
	maxDuration, current := 0, 0
	peak := equity[0].Equity
	for _, point := range equity {
		if point.Equity >= peak {
			peak = point.Equity
			current = 0
			continue
		}
		current++
		if current > maxDuration {
			maxDuration = current
		}
	}
	return maxDuration
}

// calculateHistoricalVaR 历史模拟法，返回正数表示损失
func calculateHistoricalVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	index := int(float64(len(sorted)) * (1 - confidence))
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return math.Max(0, -sorted[index])
}

// calculateCVaR 不高于 VaR 分位的平均损失
func calculateCVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	cutoff := int(float64(len(sorted)) * (1 - confidence))
	if cutoff < 1 {
		cutoff = 1
	}
	sum := 0.0
	for _, r := range sorted[:cutoff] {
		sum += r
	}
	return math.Max(0, -sum/float64(cutoff))
}

// Summary 一次回放的汇总行
type Summary struct {
	Symbol         string  `json:"symbol"`
	Scenario       string  `json:"scenario"`
	Bars           int     `json:"bars"`
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRatePct     float64 `json:"win_rate_pct"`
	PnL            float64 `json:"pnl"`
	ReturnPct      float64 `json:"return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
}

// Summarize 从结果生成汇总行
func Summarize(r *Result) Summary {
	return Summary{
		Symbol:         r.Symbol,
		Scenario:       r.Scenario.Name,
		Bars:           r.Bars,
		Trades:         r.Metrics.TotalTrades,
		Wins:           r.Metrics.Wins,
		Losses:         r.Metrics.Losses,
		WinRatePct:     r.Metrics.WinRate,
		PnL:            r.Metrics.TotalPnL,
		ReturnPct:      r.Metrics.TotalReturn,
		MaxDrawdownPct: r.Metrics.MaxDrawdown,
		InitialCapital: r.InitialCapital,
		FinalEquity:    r.FinalEquity,
	}
}

// Aggregate 跨标的/场景的汇总
type Aggregate struct {
	Runs              int     `json:"runs"`
	TotalTrades       int     `json:"total_trades"`
	TotalPnL          float64 `json:"total_pnl"`
	AvgReturnPct      float64 `json:"avg_return_pct"`
	AvgMaxDrawdownPct float64 `json:"avg_max_drawdown_pct"`
}

// AggregateSummaries 合并多个汇总行
func AggregateSummaries(summaries []Summary) Aggregate {
	agg := Aggregate{Runs: len(summaries)}
	if len(summaries) == 0 {
		return agg
	}
	for _, s := range summaries {
		agg.TotalTrades += s.Trades
		agg.TotalPnL += s.PnL
		agg.AvgReturnPct += s.ReturnPct
		agg.AvgMaxDrawdownPct += s.MaxDrawdownPct
	}
	agg.AvgReturnPct /= float64(len(summaries))
	agg.AvgMaxDrawdownPct /= float64(len(summaries))
	return agg
}

// LedgerRow 交易明细导出行，累计列满足 cum_equity = 初始资金 + 累计盈亏
type LedgerRow struct {
	Trade
	EntryValue float64
	ExitValue  float64
	CumPnL     float64
	CumPnLPct  float64
	CumEquity  float64
}

// Ledger 计算累计列
func Ledger(trades []Trade, initialCapital float64) []LedgerRow {
	rows := make([]LedgerRow, len(trades))
	cum := 0.0
	for i, t := range trades {
		cum += t.PnL
		row := LedgerRow{
			Trade:      t,
			EntryValue: t.EntryPrice * float64(t.Shares),
			ExitValue:  t.ExitPrice * float64(t.Shares),
			CumPnL:     cum,
			CumEquity:  initialCapital + cum,
		}
		if initialCapital > 0 {
			row.CumPnLPct = cum / initialCapital
		}
		rows[i] = row
	}
	return rows
}
