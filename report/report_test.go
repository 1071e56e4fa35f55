package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/songjiangwork/auto-stock/broker"
	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/utils"
)

func newTestDB(t *testing.T) database.Database {
	t.Helper()
	db, err := database.NewDatabase(&database.Config{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "autostock.db"),
	})
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRenderStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	out, err := RenderStatus(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "暂无快照") {
		t.Errorf("空库应提示先运行, 得到 %q", out)
	}

	at := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	snaps := []*database.Snapshot{
		{Symbol: "AAPL", Position: 10, AvgCost: 100, LastPrice: 101, Unrealized: 10, Action: "HOLD", CreatedAt: at},
		{Symbol: "AAPL", Position: 10, AvgCost: 100, LastPrice: 1250, Unrealized: 11500, Action: "HOLD", CreatedAt: at.Add(time.Minute)},
		{Symbol: "MSFT", Action: "BUY", Score: 0.5, LastPrice: 400, CreatedAt: at},
	}
	for _, s := range snaps {
		if err := db.SaveSnapshot(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	out, err = RenderStatus(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("应输出标题加 2 个标的, 得到:\n%s", out)
	}
	if !strings.Contains(lines[1], "AAPL") || !strings.Contains(lines[1], "最新价=1,250.00") {
		t.Errorf("AAPL 应取最新快照, 得到 %q", lines[1])
	}
	if !strings.Contains(lines[2], "MSFT") || !strings.Contains(lines[2], "决策=BUY") {
		t.Errorf("MSFT 行不正确: %q", lines[2])
	}
}

func TestRenderDailyReport(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Date(2026, 3, 3, 20, 0, 0, 0, time.UTC)

	orders := []*database.OrderRecord{
		{Symbol: "AAPL", Side: "BUY", Quantity: 10, Price: 100, Status: broker.OrderStatusSubmitted, CreatedAt: now.Add(-3 * time.Hour)},
		{Symbol: "AAPL", Side: "SELL", Quantity: 25, Price: 100, Status: broker.OrderStatusSubmitted, CreatedAt: now.Add(-2 * time.Hour)},
		{Symbol: "MSFT", Side: "BUY", Quantity: 1, Price: 400, Status: broker.OrderStatusRejected, CreatedAt: now.Add(-time.Hour)},
		{Symbol: "MSFT", Side: "BUY", Quantity: 1, Price: 400, Status: broker.OrderStatusDryRun, CreatedAt: now.Add(-time.Hour)},
		// 超出 24 小时
		{Symbol: "TSLA", Side: "BUY", Quantity: 1, Price: 300, Status: broker.OrderStatusSubmitted, CreatedAt: now.Add(-48 * time.Hour)},
	}
	for _, o := range orders {
		if err := db.SaveOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	today := utils.TradingDate(now, location())
	if err := db.UpsertDailyPnL(ctx, &database.DailyPnL{Symbol: "AAPL", TradeDate: today, Realized: -42.5, TradeCount: 1}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 12; i++ {
		e := &database.EventRecord{
			Type:      "decision",
			Severity:  "info",
			Symbol:    "AAPL",
			Message:   "cycle",
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		}
		if err := db.SaveEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	out, err := RenderDailyReport(ctx, db, now)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		want string
	}{
		{"订单计数", "订单: 4 (BUY=1, SELL=1, 拒绝=1, 演练=1)"},
		{"现金流", "现金流估算 (按下单价): 1,500.00"},
		{"当日盈亏", "- AAPL: -42.50 (1 笔平仓)"},
		{"事件数", "事件: 10"},
		{"事件标的前缀", "[AAPL] cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(out, tt.want) {
				t.Errorf("报告缺少 %q:\n%s", tt.want, out)
			}
		})
	}
	if strings.Contains(out, "TSLA") {
		t.Errorf("24 小时之前的订单不应计入:\n%s", out)
	}
}
