package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/songjiangwork/auto-stock/broker"
	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/lock"
)

var (
	day1  = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	today = time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
)

func newTestDB(t *testing.T) database.Database {
	t.Helper()
	db, err := database.NewDatabase(&database.Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "recon.db")})
	if err != nil {
		t.Fatalf("创建数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func exec(id, side string, qty, price float64, at time.Time) broker.Execution {
	return broker.Execution{ExecID: id, Symbol: "AAPL", Side: side, Quantity: qty, Price: price, Time: at}
}

// seedBroker 昨日亏 50；今日两笔亏损平仓共亏 30
func seedBroker() *broker.PaperBroker {
	pb := broker.NewPaperBroker("", 10000, 0)
	pb.AddExecution(exec("E1", "BUY", 10, 100, day1))
	pb.AddExecution(exec("E2", "SELL", 10, 95, day1.Add(time.Hour)))
	pb.AddExecution(exec("E3", "BUY", 10, 100, today))
	pb.AddExecution(exec("E4", "SELL", 10, 98, today.Add(time.Hour)))
	pb.AddExecution(exec("E5", "BUY", 10, 100, today.Add(2*time.Hour)))
	pb.AddExecution(exec("E6", "SELL", 10, 99, today.Add(3*time.Hour)))
	return pb
}

func newReconciler(pb broker.Broker, db database.Database) *Reconciler {
	r := NewReconciler(&config.Config{}, pb, db, lock.NewLocalLock(), nil)
	r.SetLocation(time.UTC)
	r.SetClock(func() time.Time { return today.Add(5 * time.Hour) })
	return r
}

func TestReconcileRebuildsStateAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	pb := seedBroker()
	r := newReconciler(pb, db)

	first, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.NewExecutions != 6 {
		t.Errorf("应写入 6 笔新成交, 得到 %d", first.NewExecutions)
	}
	if !reflect.DeepEqual(first.AffectedDates, []string{"2026-03-02", "2026-03-03"}) {
		t.Errorf("影响交易日错误: %v", first.AffectedDates)
	}
	if len(first.Conflicts) != 0 {
		t.Errorf("不应有冲突: %+v", first.Conflicts)
	}
	state := first.State
	if state.TradingDate != "2026-03-03" || state.Equity != 10000 || state.DayStartEquity != 10000 {
		t.Errorf("账户快照错误: %+v", state)
	}
	if state.SymbolDailyPnL["AAPL"] != -30 {
		t.Errorf("今日已实现盈亏应为 -30, 得到 %v", state.SymbolDailyPnL["AAPL"])
	}
	if state.ConsecutiveLosses["AAPL"] != 2 {
		t.Errorf("今日连亏应为 2（昨日不计）, 得到 %d", state.ConsecutiveLosses["AAPL"])
	}

	past, _ := db.GetDailyPnL(ctx, "AAPL", "2026-03-02")
	if past == nil || past.Realized != -50 || past.TradeCount != 1 {
		t.Errorf("昨日盈亏错误: %+v", past)
	}
	counter, _ := db.GetLossCounter(ctx, "AAPL")
	if counter == nil || counter.Count != 2 || counter.TradeDate != "2026-03-03" {
		t.Errorf("连亏计数错误: %+v", counter)
	}

	second, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.NewExecutions != 0 || len(second.AffectedDates) != 0 {
		t.Errorf("重复对账不应有新成交: %+v", second)
	}
	if !reflect.DeepEqual(first.State, second.State) {
		t.Errorf("重复对账账户快照应不变:\n%+v\n%+v", first.State, second.State)
	}
	rows, _ := db.ListDailyPnL(ctx, "2026-03-03")
	if len(rows) != 1 || rows[0].Realized != -30 || rows[0].TradeCount != 2 {
		t.Errorf("今日盈亏行错误: %+v", rows)
	}
}

func TestReconcileNewWinResetsStreak(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	pb := seedBroker()
	r := newReconciler(pb, db)
	if _, err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	pb.AddExecution(exec("E7", "BUY", 10, 100, today.Add(4*time.Hour)))
	pb.AddExecution(exec("E8", "SELL", 10, 100, today.Add(4*time.Hour+time.Minute)))
	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.NewExecutions != 2 || !reflect.DeepEqual(report.AffectedDates, []string{"2026-03-03"}) {
		t.Errorf("增量对账错误: %+v", report)
	}
	if report.State.ConsecutiveLosses["AAPL"] != 0 {
		t.Errorf("保本平仓后连亏应清零, 得到 %d", report.State.ConsecutiveLosses["AAPL"])
	}
	rows, _ := db.ListDailyPnL(ctx, "2026-03-03")
	if len(rows) != 1 || rows[0].TradeCount != 3 || rows[0].Realized != -30 {
		t.Errorf("今日盈亏应增量重算: %+v", rows)
	}
}

func TestReconcileSplitExitCountsOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	pb := broker.NewPaperBroker("", 10000, 0)
	pb.AddExecution(exec("S1", "BUY", 30, 100, today))
	// 一次卖出被拆成三笔成交
	for i, id := range []string{"S2", "S3", "S4"} {
		e := exec(id, "SELL", 10, 99, today.Add(time.Duration(i+1)*time.Minute))
		e.OrderID = "O-1"
		pb.AddExecution(e)
	}
	r := newReconciler(pb, db)

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n := report.State.ConsecutiveLosses["AAPL"]; n != 1 {
		t.Errorf("一笔亏损交易连亏应为 1, 得到 %d", n)
	}
	if pnl := report.State.SymbolDailyPnL["AAPL"]; pnl != -30 {
		t.Errorf("今日已实现盈亏应为 -30, 得到 %v", pnl)
	}
	rows, _ := db.ListDailyPnL(ctx, "2026-03-03")
	if len(rows) != 1 || rows[0].TradeCount != 1 {
		t.Errorf("分批成交应只计 1 笔平仓: %+v", rows)
	}
}

func TestReconcileBrokerPositionWins(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	pb := seedBroker()
	pb.SetPosition("AAPL", 5, 101)
	r := newReconciler(pb, db)

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Conflicts) != 1 {
		t.Fatalf("应有 1 个持仓冲突, 得到 %+v", report.Conflicts)
	}
	c := report.Conflicts[0]
	if c.Kind != ConflictPosition || c.LocalQty != 0 || c.BrokerQty != 5 {
		t.Errorf("冲突内容错误: %+v", c)
	}
	if report.State.Position("AAPL").Quantity != 5 || report.State.OpenPositions != 1 {
		t.Errorf("应以券商持仓为准: %+v", report.State.Positions)
	}
	records, _ := db.GetReconciliations(ctx, 10)
	if len(records) != 1 || records[0].Diff != 5 {
		t.Errorf("应保存冲突记录: %+v", records)
	}
}

func TestReconcilePastDailyPnLImmutable(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if err := db.UpsertDailyPnL(ctx, &database.DailyPnL{Symbol: "AAPL", TradeDate: "2026-03-02", Realized: -999, TradeCount: 1}); err != nil {
		t.Fatal(err)
	}
	r := newReconciler(seedBroker(), db)

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0].Kind != ConflictDailyPnL {
		t.Fatalf("应记录 1 个盈亏冲突: %+v", report.Conflicts)
	}
	past, _ := db.GetDailyPnL(ctx, "AAPL", "2026-03-02")
	if past.Realized != -999 {
		t.Errorf("已收盘交易日的盈亏不应被改写, 得到 %v", past.Realized)
	}
}

func TestReconcileUsesStoredDayStartEquity(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if err := db.SetState(ctx, DayStartEquityKey("2026-03-03"), "12500"); err != nil {
		t.Fatal(err)
	}
	r := newReconciler(broker.NewPaperBroker("", 10000, 0), db)

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.State.DayStartEquity != 12500 || report.State.Drawdown() != 0.2 {
		t.Errorf("应使用已保存的日初权益: %+v dd=%v", report.State, report.State.Drawdown())
	}
}

func TestReconcileDrawdownBreakerPersistsForDay(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	if err := db.SetState(ctx, DayStartEquityKey("2026-03-03"), "12500"); err != nil {
		t.Fatal(err)
	}
	pb := broker.NewPaperBroker("", 10000, 0)
	cfg := &config.Config{}
	cfg.Risk.AccountDailyDrawdownPct = 0.05
	r := NewReconciler(cfg, pb, db, lock.NewLocalLock(), nil)
	r.SetLocation(time.UTC)
	r.SetClock(func() time.Time { return today.Add(5 * time.Hour) })

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.State.DrawdownBreached {
		t.Fatalf("回撤 20%% 应触发熔断: %+v", report.State)
	}
	if v, ok, _ := db.GetState(ctx, DrawdownBreachedKey("2026-03-03")); !ok || v != "true" {
		t.Errorf("熔断标记应持久化, 得到 %q %v", v, ok)
	}

	// 权益回升到日初以上，熔断仍然保持
	pb.SetPosition("MSFT", 30, 100)
	report, err = r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.State.Drawdown() >= 0 || !report.State.DrawdownBreached {
		t.Errorf("当日内权益回升不应解除熔断: dd=%v %+v", report.State.Drawdown(), report.State)
	}

	// 次日重新计算
	r.SetClock(func() time.Time { return today.Add(29 * time.Hour) })
	report, err = r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.State.DrawdownBreached {
		t.Errorf("新交易日应解除熔断: %+v", report.State)
	}
}

func TestReconcileConnectivityError(t *testing.T) {
	pb := broker.NewPaperBroker("", 10000, 0)
	pb.FailConnect(errors.New("gateway down"))
	r := newReconciler(pb, newTestDB(t))

	if _, err := r.Reconcile(context.Background()); !broker.IsConnectivity(err) {
		t.Errorf("券商不可达应返回 ConnectivityError, 得到 %v", err)
	}
}

func TestTodayStreaks(t *testing.T) {
	closes := map[string][]closedTrade{
		"AAPL": {{"2026-03-02", -1}, {"2026-03-02", -1}, {"2026-03-03", -1}},
		"MSFT": {{"2026-03-03", -1}, {"2026-03-03", 0}, {"2026-03-03", -2}},
		"TSLA": {{"2026-03-02", -1}},
	}
	got := todayStreaks(closes, "2026-03-03")
	want := map[string]int{"AAPL": 1, "MSFT": 1, "TSLA": 0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("期望 %v, 得到 %v", want, got)
	}
}
