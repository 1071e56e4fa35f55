package indicators

// RSI 相对强弱指数
// 使用最近 period 个价格变化的简单平均（不做 Wilder 平滑）
type RSI struct {
	period int
}

// NewRSI 创建 RSI 指标
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

// Name 指标名称
func (r *RSI) Name() string {
	return "RSI"
}

// Period 所需周期数
func (r *RSI) Period() int {
	return r.period + 1
}

// Calculate 计算 RSI 序列
func (r *RSI) Calculate(bars []Bar) []float64 {
	closes := ClosePrices(bars)
	if r.period <= 0 || len(closes) < r.period+1 {
		return nil
	}

	result := make([]float64, 0, len(closes)-r.period)
	for end := r.period; end < len(closes); end++ {
		result = append(result, SimpleRSI(closes[end-r.period:end+1]))
	}
	return result
}

// SimpleRSI 对 closes 中全部相邻变化求 RSI
// 没有下跌时返回 100
func SimpleRSI(closes []float64) float64 {
	if len(closes) < 2 {
		return 50
	}
	var gain, loss float64
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	n := float64(len(closes) - 1)
	avgGain, avgLoss := gain/n, loss/n
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
