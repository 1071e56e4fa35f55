package indicators

// ATR 平均真实波幅（真实波幅的简单平均）
type ATR struct {
	period int
}

// NewATR 创建 ATR 指标
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Name 指标名称
func (a *ATR) Name() string {
	return "ATR"
}

// Period 所需周期数
func (a *ATR) Period() int {
	return a.period + 1
}

// Calculate 计算 ATR
func (a *ATR) Calculate(bars []Bar) []float64 {
	if len(bars) < a.period+1 {
		return nil
	}
	return SMA(TrueRangeSeries(bars), a.period)
}

// CurrentATR 当前 ATR，数据不足时为 0
func (a *ATR) CurrentATR(bars []Bar) float64 {
	v, ok := Current(a, bars)
	if !ok {
		return 0
	}
	return v
}
