package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/logger"
)

// MasterSummaryFile 跨批次追加的汇总表
const MasterSummaryFile = "_master_summary.csv"

var tradeHeader = []string{
	"symbol", "entry_time", "exit_time", "entry_price", "exit_price", "shares",
	"entry_value", "exit_value", "profit_loss_abs", "profit_loss_pct",
	"cum_profit_loss_abs", "cum_profit_loss_pct", "cum_equity", "exit_reason",
}

var summaryHeader = []string{
	"scenario", "symbol", "bars", "trades", "wins", "losses", "win_rate_pct",
	"pnl", "return_pct", "max_drawdown_pct", "initial_capital", "final_equity",
}

var masterHeader = append([]string{"batch", "mode"}, append(summaryHeader,
	"combination_mode", "enabled_strategies", "decision_threshold", "slippage_bps", "commission_per_order")...)

// Exporter 回测结果导出
type Exporter struct {
	dir   string
	combo config.StrategyComboConfig
	bt    config.BacktestConfig
}

// NewExporter 创建导出器
func NewExporter(dir string, cfg *config.Config) *Exporter {
	return &Exporter{dir: dir, combo: cfg.StrategyCombo, bt: cfg.Backtest}
}

// BatchDirName 批次目录名
func BatchDirName(b *Batch) string {
	return b.StartedAt.Format("20060102_150405")
}

// Export 写出每个场景的交易明细与每个标的的 summary.csv，最后追加总表
// 返回写出的文件路径
func (e *Exporter) Export(b *Batch) ([]string, error) {
	stamp := BatchDirName(b)
	bySymbol := make(map[string][]*Result)
	for _, r := range b.Results {
		bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var written []string
	for _, symbol := range symbols {
		dir := filepath.Join(e.dir, symbol, stamp)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return written, fmt.Errorf("创建导出目录失败: %w", err)
		}
		for _, r := range bySymbol[symbol] {
			path := filepath.Join(dir, r.Scenario.Name+".csv")
			if err := writeTrades(path, r); err != nil {
				return written, err
			}
			written = append(written, path)
		}
		path := filepath.Join(dir, "summary.csv")
		if err := writeSummary(path, bySymbol[symbol]); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	// 总表只在全部单元导出成功后写入
	master, err := e.appendMaster(b)
	if err != nil {
		return written, err
	}
	written = append(written, master)
	logger.Info("💾 回测结果已导出: %d 个文件, 总表 %s", len(written), master)
	return written, nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建 CSV 文件失败: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("写入 CSV 失败: %w", err)
	}
	return f.Close()
}

func writeTrades(path string, r *Result) error {
	rows := [][]string{tradeHeader}
	for _, l := range Ledger(r.Trades, r.InitialCapital) {
		rows = append(rows, []string{
			l.Symbol,
			l.EntryTime.Format("2006-01-02 15:04:05"),
			l.ExitTime.Format("2006-01-02 15:04:05"),
			ftoa(l.EntryPrice, 6),
			ftoa(l.ExitPrice, 6),
			strconv.Itoa(l.Shares),
			ftoa(l.EntryValue, 2),
			ftoa(l.ExitValue, 2),
			ftoa(l.PnL, 2),
			ftoa(l.ReturnPct, 6),
			ftoa(l.CumPnL, 2),
			ftoa(l.CumPnLPct, 6),
			ftoa(l.CumEquity, 2),
			l.ExitReason,
		})
	}
	return writeCSV(path, rows)
}

func summaryRow(s Summary) []string {
	return []string{
		s.Scenario,
		s.Symbol,
		strconv.Itoa(s.Bars),
		strconv.Itoa(s.Trades),
		strconv.Itoa(s.Wins),
		strconv.Itoa(s.Losses),
		ftoa(s.WinRatePct, 4),
		ftoa(s.PnL, 2),
		ftoa(s.ReturnPct, 4),
		ftoa(s.MaxDrawdownPct, 4),
		ftoa(s.InitialCapital, 2),
		ftoa(s.FinalEquity, 2),
	}
}

func writeSummary(path string, results []*Result) error {
	rows := [][]string{summaryHeader}
	for _, r := range results {
		rows = append(rows, summaryRow(Summarize(r)))
	}
	return writeCSV(path, rows)
}

func (e *Exporter) appendMaster(b *Batch) (string, error) {
	path := filepath.Join(e.dir, MasterSummaryFile)
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return path, fmt.Errorf("创建导出目录失败: %w", err)
	}
	_, statErr := os.Stat(path)
	newFile := os.IsNotExist(statErr)

	var rows [][]string
	if newFile {
		rows = append(rows, masterHeader)
	}
	for _, s := range b.Summaries() {
		row := append([]string{b.ID, b.Mode}, summaryRow(s)...)
		row = append(row,
			e.combo.CombinationMode,
			strings.Join(e.combo.EnabledStrategies, ";"),
			ftoa(e.combo.DecisionThreshold, 4),
			ftoa(e.bt.SlippageBps, 4),
			ftoa(e.bt.CommissionPerOrder, 4),
		)
		rows = append(rows, row)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return path, fmt.Errorf("打开总表失败: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return path, fmt.Errorf("写入总表失败: %w", err)
	}
	return path, f.Close()
}

func ftoa(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
