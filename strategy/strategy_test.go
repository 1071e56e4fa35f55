package strategy

import (
	"testing"
	"time"

	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/indicators"
)

func makeBars(closes ...float64) []indicators.Bar {
	start := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	bars := make([]indicators.Bar, len(closes))
	for i, c := range closes {
		bars[i] = indicators.Bar{Time: start.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c, Low: c, Close: c}
	}
	return bars
}

func sig(name string, score float64) Signal {
	return Signal{Strategy: name, Symbol: "AAPL", Score: score, Ready: true}
}

func TestMACrossoverSeparation(t *testing.T) {
	ma := NewMACrossover(2, 4, config.MAConfig{})

	if s := ma.Evaluate("AAPL", makeBars(1, 2, 3)); s.Ready {
		t.Error("K 线不足时应为中性信号")
	}

	// fast=(103+104)/2=103.5, slow=(101+102+103+104)/4=102.5, 相对差约 0.98% -> 约 0.976
	s := ma.Evaluate("AAPL", makeBars(101, 102, 103, 104))
	if !s.Ready || s.Score <= 0.9 || s.Score > 1 {
		t.Errorf("上涨时得分应接近 +1, 得到 %+v", s)
	}

	// 大幅上涨时截断为 1
	s = ma.Evaluate("AAPL", makeBars(100, 100, 120, 130))
	if s.Score != 1 {
		t.Errorf("得分应截断为 1, 得到 %v", s.Score)
	}

	s = ma.Evaluate("AAPL", makeBars(130, 120, 100, 100))
	if s.Score != -1 {
		t.Errorf("下跌时得分应为 -1, 得到 %v", s.Score)
	}
}

func TestMACrossoverCrossMode(t *testing.T) {
	ma := NewMACrossover(2, 3, config.MAConfig{SignalMode: "crossover"})
	if ma.MinBars() != 5 {
		t.Fatalf("crossover 模式需要 long+2 根 K 线, 得到 %d", ma.MinBars())
	}

	// 前一根: fast=(10+9)/2=9.5 slow=(10+10+9)/3=9.67; 当前: fast=(9+12)/2=10.5 slow=(10+9+12)/3=10.33
	s := ma.Evaluate("AAPL", makeBars(10, 10, 10, 9, 12))
	if s.Score != 1 {
		t.Errorf("上穿时应为 +1, 得到 %+v", s)
	}

	s = ma.Evaluate("AAPL", makeBars(10, 11, 12, 13, 14))
	if !s.Ready || s.Score != 0 {
		t.Errorf("无交叉时应为 0, 得到 %+v", s)
	}
}

func TestRSIStrategy(t *testing.T) {
	rsi := NewRSIStrategy(3, 30, 70)

	if s := rsi.Evaluate("AAPL", makeBars(1, 2, 3)); s.Ready {
		t.Error("需要 window+1 根 K 线")
	}

	tests := []struct {
		name   string
		closes []float64
		want   float64
	}{
		{"超卖", []float64{10, 9, 8, 7}, 1},
		{"超买", []float64{7, 8, 9, 10}, -1},
		{"中性", []float64{10, 11, 10, 11}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := rsi.Evaluate("AAPL", makeBars(tt.closes...))
			if !s.Ready || s.Score != tt.want {
				t.Errorf("得分应为 %v, 得到 %+v", tt.want, s)
			}
		})
	}
}

func TestSignalEngineOrderAndInsufficientData(t *testing.T) {
	cfg := &config.Config{}
	cfg.Strategy.ShortWindow = 2
	cfg.Strategy.LongWindow = 50
	cfg.StrategyCombo.EnabledStrategies = []string{"rsi", "ma"}
	cfg.StrategyCombo.RSI = config.RSIConfig{Window: 3, Oversold: 30, Overbought: 70}

	engine, err := NewSignalEngineFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	signals := engine.Evaluate("AAPL", makeBars(10, 9, 8, 7))
	if len(signals) != 2 {
		t.Fatalf("应输出 2 个信号, 得到 %d", len(signals))
	}
	if signals[0].Strategy != "rsi" || signals[1].Strategy != "ma" {
		t.Errorf("信号顺序应与配置一致: %v", engine.Names())
	}
	if !signals[0].Ready || signals[1].Ready {
		t.Errorf("ma 数据不足应为中性, rsi 应就绪: %+v", signals)
	}
	if engine.MinBars() != 50 {
		t.Errorf("MinBars 应为 50, 得到 %d", engine.MinBars())
	}

	cfg.StrategyCombo.EnabledStrategies = []string{"macd"}
	if _, err := NewSignalEngineFromConfig(cfg); err == nil {
		t.Error("未知策略应返回错误")
	}
}

func TestRegistryCoversConfigStrategies(t *testing.T) {
	accepted := []string{config.StrategyMA, config.StrategyRSI}
	if len(registry) != len(accepted) {
		t.Errorf("注册表应与配置校验一致, 得到 %d 个策略", len(registry))
	}
	for _, name := range accepted {
		if _, ok := registry[name]; !ok {
			t.Errorf("配置接受的策略 %s 未注册", name)
		}
	}
}

func TestCombineWeighted(t *testing.T) {
	combo := config.StrategyComboConfig{
		CombinationMode:   config.ModeWeighted,
		DecisionThreshold: 0.2,
		Weights:           map[string]float64{"ma": 0.7, "rsi": 0.3},
	}

	d := Combine([]Signal{sig("ma", 1), sig("rsi", -1)}, combo)
	if d.Action != ActionBuy {
		t.Fatalf("0.7-0.3=0.4 > 0.2 应买入, 得到 %s (%s)", d.Action, d.Reason)
	}
	if d.Reason != "weighted:0.400" {
		t.Errorf("Reason 错误: %s", d.Reason)
	}
	if d.Detail() != "ma:+1.000:0.7,rsi:-1.000:0.3" {
		t.Errorf("Detail 错误: %s", d.Detail())
	}

	tests := []struct {
		name    string
		signals []Signal
		want    Action
	}{
		{"恰好等于阈值不触发", []Signal{sig("other", 0.2), sig("rsi", 0)}, ActionHold},
		{"卖出", []Signal{sig("ma", -1), sig("rsi", 1)}, ActionSell},
		{"未就绪视为 0", []Signal{{Strategy: "ma"}, sig("rsi", 1)}, ActionBuy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Combine(tt.signals, combo).Action; got != tt.want {
				t.Errorf("期望 %s, 得到 %s", tt.want, got)
			}
		})
	}
}

func TestCombineWeightedMatchesThresholdRule(t *testing.T) {
	combo := config.StrategyComboConfig{
		CombinationMode:   config.ModeWeighted,
		DecisionThreshold: 0.25,
		Weights:           map[string]float64{"ma": 0.6, "rsi": 1.5},
	}
	scores := []float64{-1, -0.5, -0.1, 0, 0.1, 0.5, 1}
	for _, a := range scores {
		for _, b := range scores {
			total := 0.6*a + 1.5*b
			want := ActionHold
			if total > 0.25 {
				want = ActionBuy
			} else if total < -0.25 {
				want = ActionSell
			}
			if got := Combine([]Signal{sig("ma", a), sig("rsi", b)}, combo).Action; got != want {
				t.Errorf("ma=%v rsi=%v 总分 %v: 期望 %s, 得到 %s", a, b, total, want, got)
			}
		}
	}
}

func TestCombineVote(t *testing.T) {
	combo := config.StrategyComboConfig{CombinationMode: config.ModeVote}

	d := Combine([]Signal{sig("ma", 0.5), sig("rsi", -1)}, combo)
	if d.Action != ActionHold || d.Reason != "vote:tied:1-1" {
		t.Errorf("平票应观望: %s %s", d.Action, d.Reason)
	}

	d = Combine([]Signal{sig("ma", 0.5), sig("rsi", 1), sig("x", -1)}, combo)
	if d.Action != ActionBuy || d.Reason != "vote:2-1" {
		t.Errorf("多数买入: %s %s", d.Action, d.Reason)
	}
}

func TestCombineUnanimous(t *testing.T) {
	combo := config.StrategyComboConfig{CombinationMode: config.ModeUnanimous}

	if d := Combine([]Signal{sig("ma", -0.3), sig("rsi", -1)}, combo); d.Action != ActionSell || d.Confidence != 1 {
		t.Errorf("一致看空应卖出: %+v", d)
	}
	if d := Combine([]Signal{sig("ma", 1), sig("rsi", -1)}, combo); d.Action != ActionHold || d.Reason != "unanimous:conflict" {
		t.Errorf("分歧应观望: %+v", d)
	}
	if d := Combine([]Signal{sig("ma", 1), sig("rsi", 0)}, combo); d.Action != ActionHold {
		t.Errorf("存在中性票应观望: %+v", d)
	}
}

func TestCombinePriority(t *testing.T) {
	combo := config.StrategyComboConfig{CombinationMode: config.ModePriority}

	d := Combine([]Signal{{Strategy: "ma"}, sig("rsi", -1), sig("x", 1)}, combo)
	if d.Action != ActionSell || d.Reason != "priority:rsi" {
		t.Errorf("应由第一个非中性信号决定: %+v", d)
	}
	d = Combine([]Signal{sig("ma", 0), sig("rsi", 0)}, combo)
	if d.Action != ActionHold || d.Reason != "priority:all_hold" {
		t.Errorf("全部中性应观望: %+v", d)
	}
}

func TestCombineNoStrategies(t *testing.T) {
	d := Combine(nil, config.StrategyComboConfig{})
	if d.Action != ActionHold || d.Reason != "no_enabled_strategy" {
		t.Errorf("无策略应观望: %+v", d)
	}
}
