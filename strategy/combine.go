package strategy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/songjiangwork/auto-stock/config"
)

// Action 决策动作
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Decision 组合后的决策，每个周期重新生成
type Decision struct {
	Symbol     string    `json:"symbol"`
	Time       time.Time `json:"time"`
	Action     Action    `json:"action"`
	Confidence float64   `json:"confidence"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason"`
	Signals    []Signal  `json:"signals"`

	weights map[string]float64
}

// Detail 各策略得分明细，如 ma:+1.000:0.7,rsi:-1.000:0.3
func (d Decision) Detail() string {
	parts := make([]string, 0, len(d.Signals))
	for _, s := range d.Signals {
		if !s.Ready {
			parts = append(parts, s.Strategy+":na")
			continue
		}
		w, ok := d.weights[s.Strategy]
		if !ok {
			w = 1.0
		}
		parts = append(parts, fmt.Sprintf("%s:%+.3f:%g", s.Strategy, s.Score, w))
	}
	return strings.Join(parts, ",")
}

// Combine 按组合模式合并信号，纯函数
func Combine(signals []Signal, combo config.StrategyComboConfig) Decision {
	d := Decision{Action: ActionHold, Signals: signals, weights: combo.Weights}
	if len(signals) == 0 {
		d.Reason = "no_enabled_strategy"
		return d
	}
	d.Symbol = signals[0].Symbol
	for _, s := range signals {
		if s.Time.After(d.Time) {
			d.Time = s.Time
		}
	}

	switch combo.CombinationMode {
	case config.ModeVote:
		combineVote(&d)
	case config.ModeUnanimous:
		combineUnanimous(&d)
	case config.ModePriority:
		combinePriority(&d)
	default:
		combineWeighted(&d, combo)
	}
	return d
}

func combineWeighted(d *Decision, combo config.StrategyComboConfig) {
	var score, totalWeight float64
	for _, s := range d.Signals {
		w := combo.Weight(s.Strategy)
		totalWeight += w
		if s.Ready {
			score += w * s.Score
		}
	}
	d.Score = score
	switch {
	case score > combo.DecisionThreshold:
		d.Action = ActionBuy
	case score < -combo.DecisionThreshold:
		d.Action = ActionSell
	}
	if totalWeight > 0 {
		d.Confidence = math.Abs(score) / totalWeight
	}
	d.Reason = fmt.Sprintf("weighted:%.3f", score)
}

func combineVote(d *Decision) {
	var buys, sells int
	for _, s := range d.Signals {
		switch s.Direction() {
		case 1:
			buys++
		case -1:
			sells++
		}
	}
	total := float64(len(d.Signals))
	d.Score = float64(buys - sells)
	switch {
	case buys > sells:
		d.Action = ActionBuy
		d.Confidence = float64(buys) / total
		d.Reason = fmt.Sprintf("vote:%d-%d", buys, sells)
	case sells > buys:
		d.Action = ActionSell
		d.Confidence = float64(sells) / total
		d.Reason = fmt.Sprintf("vote:%d-%d", sells, buys)
	default:
		d.Reason = fmt.Sprintf("vote:tied:%d-%d", buys, sells)
	}
}

func combineUnanimous(d *Decision) {
	first := d.Signals[0].Direction()
	for _, s := range d.Signals {
		dir := s.Direction()
		if dir == 0 {
			d.Reason = "unanimous:neutral"
			return
		}
		if dir != first {
			d.Reason = "unanimous:conflict"
			return
		}
	}
	d.Score = float64(first)
	d.Confidence = 1
	if first > 0 {
		d.Action = ActionBuy
		d.Reason = "unanimous:buy"
	} else {
		d.Action = ActionSell
		d.Reason = "unanimous:sell"
	}
}

func combinePriority(d *Decision) {
	for _, s := range d.Signals {
		switch s.Direction() {
		case 1:
			d.Action = ActionBuy
		case -1:
			d.Action = ActionSell
		default:
			continue
		}
		d.Score = s.Score
		d.Confidence = math.Abs(s.Score)
		d.Reason = "priority:" + s.Strategy
		return
	}
	d.Reason = "priority:all_hold"
}
