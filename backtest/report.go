package backtest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"
)

// ReportData 报告数据
type ReportData struct {
	BatchID        string
	Mode           string
	GeneratedAt    string
	InitialCapital string
	Strategies     string
	Combination    string

	Runs      []ReportRow
	Aggregate Aggregate
	TopTrades []TradeRow

	Conclusion string
}

// ReportRow 每个 (标的, 场景) 一行
type ReportRow struct {
	Symbol       string
	Scenario     string
	Period       string
	Bars         int
	Trades       int
	WinRate      string
	PnL          string
	Return       string
	MaxDrawdown  string
	ProfitFactor string
	VaR95        string
	Denials      string
}

// TradeRow 交易行
type TradeRow struct {
	Symbol string
	Exit   string
	Reason string
	Shares int
	PnL    string
	Return string
}

// GenerateMarkdownReport 生成一批回测的 Markdown 报告
func GenerateMarkdownReport(b *Batch, strategies []string, combination string) (string, error) {
	data := prepareReportData(b, strategies, combination)

	t, err := template.New("report").Parse(reportTemplate)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("渲染报告模板失败: %w", err)
	}
	return buf.String(), nil
}

// WriteMarkdownReport 写入 <dir>/_reports/<批次>.md
func WriteMarkdownReport(dir string, b *Batch, strategies []string, combination string) (string, error) {
	content, err := GenerateMarkdownReport(b, strategies, combination)
	if err != nil {
		return "", err
	}
	reportDir := filepath.Join(dir, "_reports")
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}
	path := filepath.Join(reportDir, BatchDirName(b)+".md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}
	return path, nil
}

func prepareReportData(b *Batch, strategies []string, combination string) ReportData {
	data := ReportData{
		BatchID:        b.ID,
		Mode:           b.Mode,
		GeneratedAt:    time.Now().Format("2006-01-02 15:04:05"),
		InitialCapital: fmt.Sprintf("%.2f", b.InitialCapital),
		Strategies:     strings.Join(strategies, ", "),
		Combination:    combination,
		Aggregate:      AggregateSummaries(b.Summaries()),
	}

	var trades []Trade
	for _, r := range b.Results {
		m := r.Metrics
		data.Runs = append(data.Runs, ReportRow{
			Symbol:       r.Symbol,
			Scenario:     r.Scenario.Name,
			Period:       fmt.Sprintf("%s 至 %s", r.StartTime.Format("2006-01-02"), r.EndTime.Format("2006-01-02")),
			Bars:         r.Bars,
			Trades:       m.TotalTrades,
			WinRate:      fmt.Sprintf("%.1f%%", m.WinRate),
			PnL:          fmt.Sprintf("%.2f", m.TotalPnL),
			Return:       fmt.Sprintf("%.2f%%", m.TotalReturn),
			MaxDrawdown:  fmt.Sprintf("%.2f%%", m.MaxDrawdown),
			ProfitFactor: fmt.Sprintf("%.2f", m.ProfitFactor),
			VaR95:        fmt.Sprintf("%.2f%%", m.VaR95),
			Denials:      formatDenials(r.Denials),
		})
		trades = append(trades, r.Trades...)
	}

	// 按盈亏绝对值取前 10 笔
	sortTradesByImpact(trades)
	for i, t := range trades {
		if i >= 10 {
			break
		}
		data.TopTrades = append(data.TopTrades, TradeRow{
			Symbol: t.Symbol,
			Exit:   t.ExitTime.Format("2006-01-02 15:04"),
			Reason: t.ExitReason,
			Shares: t.Shares,
			PnL:    fmt.Sprintf("%.2f", t.PnL),
			Return: fmt.Sprintf("%.2f%%", t.ReturnPct*100),
		})
	}

	data.Conclusion = generateConclusion(data.Aggregate)
	return data
}

func sortTradesByImpact(trades []Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return math.Abs(trades[i].PnL) > math.Abs(trades[j].PnL)
	})
}

func formatDenials(denials map[string]int) string {
	if len(denials) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(denials))
	for k := range denials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, denials[k])
	}
	return strings.Join(parts, " ")
}

// generateConclusion 生成结论
func generateConclusion(agg Aggregate) string {
	var conclusions []string

	switch {
	case agg.Runs == 0:
		return "⚠️ 没有可用的回测结果"
	case agg.TotalTrades == 0:
		conclusions = append(conclusions, "⚠️ 没有产生任何交易，检查决策阈值或数据长度")
	case agg.AvgReturnPct > 20:
		conclusions = append(conclusions, "✅ 平均收益率超过 20%")
	case agg.AvgReturnPct > 0:
		conclusions = append(conclusions, "⚠️ 策略盈利，但收益率较低")
	default:
		conclusions = append(conclusions, "❌ 策略亏损，需要优化参数或更换策略")
	}

	switch {
	case agg.AvgMaxDrawdownPct < 10:
		conclusions = append(conclusions, "✅ 风险控制良好，平均最大回撤小于 10%")
	case agg.AvgMaxDrawdownPct < 20:
		conclusions = append(conclusions, "⚠️ 风险适中，平均最大回撤在 10-20% 之间")
	default:
		conclusions = append(conclusions, "❌ 风险较高，平均最大回撤超过 20%")
	}

	return strings.Join(conclusions, "\n\n")
}

const reportTemplate = `# 回测报告 {{.BatchID}}

生成时间: {{.GeneratedAt}}

## 执行摘要

- **资金模式**: {{.Mode}}
- **初始资金**: ${{.InitialCapital}}
- **策略**: {{.Strategies}} ({{.Combination}})
- **回放数**: {{.Aggregate.Runs}}
- **总交易次数**: {{.Aggregate.TotalTrades}}
- **总盈亏**: {{printf "%.2f" .Aggregate.TotalPnL}}
- **平均收益率**: {{printf "%.2f" .Aggregate.AvgReturnPct}}%
- **平均最大回撤**: {{printf "%.2f" .Aggregate.AvgMaxDrawdownPct}}%

## 分场景结果

| 标的 | 场景 | 区间 | K线 | 交易 | 胜率 | 盈亏 | 收益率 | 最大回撤 | 利润因子 | VaR(95%) | 风控拒绝 |
|------|------|------|-----|------|------|------|--------|----------|----------|----------|----------|
{{range .Runs}}| {{.Symbol}} | {{.Scenario}} | {{.Period}} | {{.Bars}} | {{.Trades}} | {{.WinRate}} | {{.PnL}} | {{.Return}} | {{.MaxDrawdown}} | {{.ProfitFactor}} | {{.VaR95}} | {{.Denials}} |
{{end}}
## 影响最大的交易

| 标的 | 平仓时间 | 原因 | 股数 | 盈亏 | 收益率 |
|------|----------|------|------|------|--------|
{{range .TopTrades}}| {{.Symbol}} | {{.Exit}} | {{.Reason}} | {{.Shares}} | {{.PnL}} | {{.Return}} |
{{end}}
## 结论

{{.Conclusion}}
`
