package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) Database {
	t.Helper()
	db, err := NewDatabase(&Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "nested", "autostock.db"),
	})
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertExecutionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	latest, err := db.LatestExecutionTime(ctx)
	if err != nil || !latest.IsZero() {
		t.Fatalf("空库最新成交时间应为零值: %v %v", latest, err)
	}

	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	exec := &Execution{ExecID: "0001", Symbol: "AAPL", Side: "BUY", Quantity: 10, Price: 100, ExecutedAt: at}
	inserted, err := db.UpsertExecution(ctx, exec)
	if err != nil || !inserted {
		t.Fatalf("首次写入应成功: inserted=%v err=%v", inserted, err)
	}

	dup := &Execution{ExecID: "0001", Symbol: "AAPL", Side: "SELL", Quantity: 99, Price: 1, ExecutedAt: at}
	inserted, err = db.UpsertExecution(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("重复成交 ID 应忽略: inserted=%v err=%v", inserted, err)
	}

	execs, err := db.ListExecutions(ctx, &ExecutionFilter{Symbol: "AAPL"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].Side != "BUY" || execs[0].Quantity != 10 {
		t.Errorf("已存在的成交不应被修改: %+v", execs)
	}

	later := at.Add(time.Hour)
	if _, err := db.UpsertExecution(ctx, &Execution{ExecID: "0002", Symbol: "AAPL", Side: "SELL", Quantity: 10, Price: 101, OrderID: "777", ExecutedAt: later}); err != nil {
		t.Fatal(err)
	}
	byOrder, err := db.ListExecutions(ctx, &ExecutionFilter{OrderID: "777"})
	if err != nil || len(byOrder) != 1 || byOrder[0].ExecID != "0002" {
		t.Errorf("按订单 ID 过滤错误: %+v %v", byOrder, err)
	}
	latest, err = db.LatestExecutionTime(ctx)
	if err != nil || !latest.Equal(later) {
		t.Errorf("最新成交时间应为 %v, 得到 %v", later, latest)
	}
}

func TestDailyPnLAndCounters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if row, err := db.GetDailyPnL(ctx, "AAPL", "2026-03-02"); err != nil || row != nil {
		t.Fatalf("不存在的行应返回 nil: %v %v", row, err)
	}

	if err := db.UpsertDailyPnL(ctx, &DailyPnL{Symbol: "AAPL", TradeDate: "2026-03-02", Realized: -50, TradeCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertDailyPnL(ctx, &DailyPnL{Symbol: "AAPL", TradeDate: "2026-03-02", Realized: 0, TradeCount: 2}); err != nil {
		t.Fatal(err)
	}
	rows, err := db.ListDailyPnL(ctx, "2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Realized != 0 || rows[0].TradeCount != 2 {
		t.Errorf("同一 (标的, 日期) 应只有一行且被更新: %+v", rows)
	}

	if err := db.SaveLossCounter(ctx, &LossCounter{Symbol: "AAPL", Count: 2, TradeDate: "2026-03-02"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveLossCounter(ctx, &LossCounter{Symbol: "AAPL", Count: 0, TradeDate: "2026-03-03"}); err != nil {
		t.Fatal(err)
	}
	counter, err := db.GetLossCounter(ctx, "AAPL")
	if err != nil || counter == nil || counter.Count != 0 || counter.TradeDate != "2026-03-03" {
		t.Errorf("连亏计数应被覆盖: %+v %v", counter, err)
	}

	if err := db.SetState(ctx, "day_start_equity:2026-03-02", "100000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState(ctx, "day_start_equity:2026-03-02", "99000"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.GetState(ctx, "day_start_equity:2026-03-02")
	if err != nil || !ok || v != "99000" {
		t.Errorf("状态读取错误: %q %v %v", v, ok, err)
	}
	if _, ok, _ := db.GetState(ctx, "missing"); ok {
		t.Error("不存在的键应返回 false")
	}
}

func TestLatestSnapshotsAndTx(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	now := time.Now()
	for i, snap := range []*Snapshot{
		{Symbol: "AAPL", LastPrice: 100, CreatedAt: now},
		{Symbol: "MSFT", LastPrice: 300, CreatedAt: now},
		{Symbol: "AAPL", LastPrice: 101, CreatedAt: now.Add(time.Minute)},
	} {
		if err := db.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("保存快照 %d 失败: %v", i, err)
		}
	}
	snaps, err := db.LatestSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || snaps[0].Symbol != "AAPL" || snaps[0].LastPrice != 101 {
		t.Errorf("每个标的应只返回最新快照: %+v", snaps)
	}

	err = db.WithTx(ctx, func(tx Database) error {
		if err := tx.SaveOrder(ctx, &OrderRecord{Symbol: "AAPL", Side: "BUY", Quantity: 1, Status: "SUBMITTED"}); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatal("事务应返回错误")
	}
	orders, err := db.GetOrders(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Errorf("回滚后不应有订单, 得到 %d", len(orders))
	}
}
