package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/songjiangwork/auto-stock/backtest"
	"github.com/songjiangwork/auto-stock/broker"
	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/engine"
	"github.com/songjiangwork/auto-stock/event"
	"github.com/songjiangwork/auto-stock/lock"
	"github.com/songjiangwork/auto-stock/logger"
	"github.com/songjiangwork/auto-stock/metrics"
	"github.com/songjiangwork/auto-stock/monitor"
	"github.com/songjiangwork/auto-stock/reconcile"
	"github.com/songjiangwork/auto-stock/report"
	"github.com/songjiangwork/auto-stock/utils"
	"github.com/songjiangwork/auto-stock/web"
)

// Version 版本号
var Version = "0.4.0"

const usage = `autostock - 美股自动交易 (MA/RSI 信号 + 风控 + 对账)

用法:
  autostock <command> [-c config.yaml] [flags]

命令:
  doctor     检查配置、数据库与券商连接
  run        启动交易循环
  flatten    平掉当前账户持仓 [--ticker T] [--dry-run]
  status     显示最新快照
  report     显示最近 24 小时报告
  backtest   历史回测 [--initial-capital N] [--ticker T] [--mode per-symbol|portfolio] [--parallel N]

未指定 -c 时加载 config/config.yaml 并叠加 config/config.local.yaml
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "doctor":
		err = runDoctor(args)
	case "run":
		err = runLoop(args)
	case "flatten":
		err = runFlatten(args)
	case "status":
		err = runStatus(args)
	case "report":
		err = runReport(args)
	case "backtest":
		err = runBacktest(args)
	case "-version", "--version", "version":
		fmt.Printf("autostock %s\n", Version)
		return
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode 打印错误并返回退出码
func exitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	var cfgErr *config.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		logger.Error("❌ %v", err)
	case broker.IsConnectivity(err):
		logger.Error("❌ 券商连接失败: %v", err)
	default:
		logger.Error("❌ %v", err)
	}
	logger.Close()
	return 1
}

// newFlagSet 每个子命令独立的参数集，均支持 -c/--config
func newFlagSet(name string, configPath *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(configPath, "c", "", "配置文件路径")
	fs.StringVar(configPath, "config", "", "配置文件路径")
	return fs
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadDefaultConfig()
	} else {
		cfg, err = config.LoadConfig(path)
	}
	if err != nil {
		return nil, err
	}

	if err := utils.SetLocation(cfg.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用 %s", cfg.Timezone, err, utils.GlobalLocation)
	}
	logger.SetLocation(utils.GlobalLocation)
	logger.SetLevel(logger.ParseLogLevel(cfg.LogLevel))
	logger.ConfigureFile(logger.FileOptions{
		Enabled:    cfg.Log.FileEnabled,
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	return cfg, nil
}

func openDatabase(cfg *config.Config) (database.Database, error) {
	return database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
}

// newBroker sim 模式使用进程内模拟券商
func newBroker(cfg *config.Config) broker.Broker {
	if strings.EqualFold(cfg.IB.TradingMode, "sim") {
		account := cfg.IB.Account
		if account == "" {
			account = "SIM"
		}
		return broker.NewPaperBroker(account, cfg.Capital.MaxDeployUSD, cfg.Backtest.CommissionPerOrder)
	}
	return broker.NewIBKRClient(cfg.IB)
}

// signalContext SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("🛑 收到退出信号，开始优雅关闭...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runDoctor(args []string) error {
	var configPath string
	fs := newFlagSet("doctor", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Println("配置加载: OK")
	fmt.Printf("交易模式: %s\n", cfg.IB.TradingMode)
	fmt.Printf("标的: %s\n", strings.Join(cfg.Symbols, ", "))
	fmt.Printf("资金上限: %.2f USD\n", cfg.Capital.MaxDeployUSD)
	fmt.Printf("当前是否开盘 (%s): %v\n", cfg.Timezone, utils.IsMarketOpen(utils.NowConfiguredTimezone(), utils.GlobalLocation))

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("数据库不可用: %w", err)
	}
	fmt.Printf("数据库: OK (%s %s)\n", cfg.Database.Type, cfg.Database.DSN)
	_ = db.SaveEvent(ctx, &database.EventRecord{
		Type:      "doctor",
		Severity:  string(event.SeverityInfo),
		Message:   "doctor 自检开始",
		CreatedAt: time.Now().UTC(),
	})

	if host, err := monitor.CollectHostInfo(); err == nil {
		fmt.Printf("主机: CPU=%d, 内存=%.0f MB (已用 %.1f%%)\n", host.LogicalCPUs, host.TotalMemoryMB, host.UsedPercent)
	}
	if sm, err := monitor.CollectSystemMetrics(); err == nil {
		fmt.Printf("进程: pid=%d, 内存=%.1f MB, goroutines=%d\n", sm.ProcessID, sm.MemoryMB, sm.Goroutines)
	}

	b := newBroker(cfg)
	defer b.Close()
	if err := b.Connect(ctx); err != nil {
		return err
	}
	fmt.Println("券商连接: OK")
	fmt.Printf("账户: %s\n", b.Account())

	equity, err := b.GetEquity(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("净清算价值: %.2f\n", equity)

	if err := b.QualifySymbols(ctx, cfg.Symbols); err != nil {
		return err
	}
	fmt.Println("合约校验: OK")
	return nil
}

func runLoop(args []string) error {
	var configPath string
	fs := newFlagSet("run", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("🚀 autostock %s 启动: 标的=%s, 模式=%s", Version, strings.Join(cfg.Symbols, ","), cfg.IB.TradingMode)

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	defer db.Close()

	ec := event.NewEventCenter(db, 1000)
	ec.Start()
	defer ec.Stop()
	logger.InitLogStorage(ec.LogWriter(), logger.WARN)

	distributedLock, err := lock.NewDistributedLock(cfg)
	if err != nil {
		return &config.ConfigError{Field: "lock.type", Reason: err.Error()}
	}
	defer distributedLock.Close()

	ctx, cancel := signalContext()
	defer cancel()

	b := newBroker(cfg)
	defer b.Close()
	if err := b.Connect(ctx); err != nil {
		return err
	}
	logger.Info("✅ 券商已连接: %s", b.Account())

	reconciler := reconcile.NewReconciler(cfg, b, db, distributedLock, ec)
	reconciler.SetLocation(utils.GlobalLocation)
	executor := broker.NewOrderExecutor(b, db, distributedLock, false)
	eng, err := engine.NewEngine(cfg, b, db, reconciler, executor, ec)
	if err != nil {
		return err
	}

	collector := metrics.NewSystemMetricsCollector(30 * time.Second)
	collector.Start(ctx)
	defer collector.Stop()

	server := web.NewStatusServer(cfg, db, eng)
	server.Start(ctx)
	defer server.Stop()

	watchConfig(ctx, cfg, configPath, ec)

	logger.Info("💡 按 Ctrl+C 退出程序")
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Info("✅ 系统已安全退出")
	return nil
}

// watchConfig 配置变更只记录，日志级别立即生效，其余重启后生效
func watchConfig(ctx context.Context, cfg *config.Config, configPath string, publisher event.Publisher) {
	base, local := config.DefaultBaseConfig, config.DefaultLocalConfig
	if configPath != "" {
		base, local = configPath, configPath
	}
	watcher, err := config.NewConfigWatcher(base, local, cfg)
	if err != nil {
		logger.Warn("⚠️ 创建配置监控失败: %v", err)
		return
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监控失败: %v", err)
		return
	}

	go func() {
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-watcher.GetUpdateChan():
				logger.SetLevel(logger.ParseLogLevel(update.Config.LogLevel))
				if update.Diff.RequiresRestart {
					logger.Warn("⚠️ 配置文件已变更，重启后生效: %s", update.Diff)
				} else {
					logger.Info("🔄 配置已更新: %s", update.Diff)
				}
				publisher.PublishEvent(event.EventTypeConfigChanged, "", update.Diff.String(), map[string]interface{}{
					"requires_restart": update.Diff.RequiresRestart,
				})
			case err := <-watcher.GetErrorChan():
				logger.Warn("⚠️ 配置监控错误: %v", err)
			}
		}
	}()
}

func runFlatten(args []string) error {
	var (
		configPath string
		ticker     string
		dryRun     bool
	)
	fs := newFlagSet("flatten", &configPath)
	fs.StringVar(&ticker, "ticker", "", "只平指定标的，默认全部")
	fs.BoolVar(&dryRun, "dry-run", false, "只预览，不下单")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	defer db.Close()

	distributedLock, err := lock.NewDistributedLock(cfg)
	if err != nil {
		return &config.ConfigError{Field: "lock.type", Reason: err.Error()}
	}
	defer distributedLock.Close()

	ctx, cancel := signalContext()
	defer cancel()

	b := newBroker(cfg)
	defer b.Close()
	if err := b.Connect(ctx); err != nil {
		return err
	}
	fmt.Printf("账户: %s\n", b.Account())

	executor := broker.NewOrderExecutor(b, db, distributedLock, false)
	eng, err := engine.NewEngine(cfg, b, db, nil, executor, nil)
	if err != nil {
		return err
	}
	result, err := eng.Flatten(ctx, ticker, dryRun)
	if err != nil {
		return err
	}
	prefix := ""
	if dryRun {
		prefix = "[DRY-RUN] "
	}
	fmt.Printf("%s平仓: 提交=%d, 拒绝=%d, 跳过=%d\n", prefix, result.Submitted, result.Rejected, result.Skipped)
	return nil
}

func runStatus(args []string) error {
	var configPath string
	fs := newFlagSet("status", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withDatabase(configPath, func(ctx context.Context, db database.Database) (string, error) {
		return report.RenderStatus(ctx, db)
	})
}

func runReport(args []string) error {
	var configPath string
	fs := newFlagSet("report", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withDatabase(configPath, func(ctx context.Context, db database.Database) (string, error) {
		return report.RenderDailyReport(ctx, db, time.Now())
	})
}

func withDatabase(configPath string, render func(ctx context.Context, db database.Database) (string, error)) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	text, err := render(ctx, db)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func runBacktest(args []string) error {
	var (
		configPath     string
		initialCapital float64
		ticker         string
		mode           string
		parallel       int
	)
	fs := newFlagSet("backtest", &configPath)
	fs.Float64Var(&initialCapital, "initial-capital", 0, "初始资金，默认 backtest.initial_capital")
	fs.StringVar(&ticker, "ticker", "", "只回测指定标的，默认全部")
	fs.StringVar(&mode, "mode", "", "per-symbol 或 portfolio，默认 backtest.mode")
	fs.IntVar(&parallel, "parallel", 0, "并行任务数，默认 backtest.parallelism")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if mode == "" {
		mode = cfg.Backtest.Mode
	}
	if mode != config.BacktestPerSymbol && mode != config.BacktestPortfolio {
		return &config.ConfigError{Field: "--mode", Reason: fmt.Sprintf("不支持的回测模式: %s", mode)}
	}
	if parallel <= 0 {
		parallel = cfg.Backtest.Parallelism
	}
	symbols := cfg.Symbols
	if t := strings.ToUpper(strings.TrimSpace(ticker)); t != "" {
		symbols = []string{t}
	}

	sim, err := backtest.NewSimulator(cfg, initialCapital)
	if err != nil {
		return err
	}
	sim.SetLocation(utils.GlobalLocation)

	ctx, cancel := signalContext()
	defer cancel()

	b := newBroker(cfg)
	defer b.Close()
	if err := b.Connect(ctx); err != nil {
		return err
	}

	startedAt := time.Now()
	source := backtest.NewBarCache(cfg.Backtest.CacheDir, b)
	tasks, err := backtest.LoadTasks(ctx, source, symbols, backtest.ScenariosFromConfig(cfg.Backtest))
	if err != nil {
		return err
	}
	results, err := backtest.RunBatch(ctx, sim, tasks, mode, parallel)
	if err != nil {
		return err
	}
	batch := backtest.NewBatch(mode, sim.InitialCapital(), startedAt, results)
	printBatch(batch)

	exporter := backtest.NewExporter(cfg.Backtest.OutputDir, cfg)
	files, err := exporter.Export(batch)
	if err != nil {
		return fmt.Errorf("导出回测结果失败: %w", err)
	}
	reportPath, err := backtest.WriteMarkdownReport(cfg.Backtest.OutputDir, batch, cfg.StrategyCombo.EnabledStrategies, cfg.StrategyCombo.CombinationMode)
	if err != nil {
		logger.Warn("⚠️ 生成回测报告失败: %v", err)
	} else {
		files = append(files, reportPath)
	}
	fmt.Println("导出文件:")
	for _, f := range files {
		fmt.Printf("- %s\n", f)
	}

	if db, err := openDatabase(cfg); err != nil {
		logger.Warn("⚠️ 打开数据库失败，回测结果未入库: %v", err)
	} else {
		defer db.Close()
		if err := backtest.SaveRuns(context.WithoutCancel(ctx), db, batch); err != nil {
			logger.Warn("⚠️ 保存回测结果失败: %v", err)
		}
	}
	return nil
}

// printBatch 按场景分块打印
func printBatch(batch *backtest.Batch) {
	byScenario := make(map[string][]backtest.Summary)
	var names []string
	for _, s := range batch.Summaries() {
		if _, ok := byScenario[s.Scenario]; !ok {
			names = append(names, s.Scenario)
		}
		byScenario[s.Scenario] = append(byScenario[s.Scenario], s)
	}
	sort.Strings(names)

	fmt.Printf("回测批次 %s (模式=%s, 初始资金=%.2f)\n", batch.ID, batch.Mode, batch.InitialCapital)
	for _, name := range names {
		rows := byScenario[name]
		fmt.Printf("\n[%s]\n", name)
		for _, s := range rows {
			fmt.Printf("- %s: bars=%d, trades=%d, wins=%d, losses=%d, win_rate=%.1f%%, pnl=%.2f, return=%.2f%%, maxDD=%.2f%%\n",
				s.Symbol, s.Bars, s.Trades, s.Wins, s.Losses, s.WinRatePct, s.PnL, s.ReturnPct, s.MaxDrawdownPct)
		}
		agg := backtest.AggregateSummaries(rows)
		fmt.Printf("汇总: runs=%d, total_trades=%d, total_pnl=%.2f, avg_return=%.2f%%, avg_maxDD=%.2f%%\n",
			agg.Runs, agg.TotalTrades, agg.TotalPnL, agg.AvgReturnPct, agg.AvgMaxDrawdownPct)
	}
}
