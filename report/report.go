// Package report 生成命令行与 web 使用的文本报告
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/songjiangwork/auto-stock/broker"
	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/position"
	"github.com/songjiangwork/auto-stock/utils"
)

// 金额带千分位
var printer = message.NewPrinter(language.AmericanEnglish)

// RenderStatus 每个标的最新一次快照
func RenderStatus(ctx context.Context, db database.Database) (string, error) {
	snaps, err := db.LatestSnapshots(ctx)
	if err != nil {
		return "", fmt.Errorf("读取快照失败: %w", err)
	}
	if len(snaps) == 0 {
		return "暂无快照，请先运行 autostock run", nil
	}

	var b strings.Builder
	b.WriteString("最新快照:\n")
	for _, s := range snaps {
		printer.Fprintf(&b, "- %s: 持仓=%.2f, 成本=%.2f, 最新价=%.2f, 浮动盈亏=%.2f, 决策=%s (%.3f) @ %s\n",
			s.Symbol, s.Position, s.AvgCost, s.LastPrice, s.Unrealized, s.Action, s.Score,
			utils.ToConfiguredTimezone(s.CreatedAt).Format("2006-01-02 15:04:05"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// RenderDailyReport 最近 24 小时的订单、当日盈亏与事件
func RenderDailyReport(ctx context.Context, db database.Database, now time.Time) (string, error) {
	since := now.UTC().Add(-24 * time.Hour)
	orders, err := db.GetOrders(ctx, &database.OrderFilter{Since: &since})
	if err != nil {
		return "", fmt.Errorf("读取订单失败: %w", err)
	}
	events, err := db.GetEvents(ctx, &database.EventFilter{Since: &since, Limit: 10})
	if err != nil {
		return "", fmt.Errorf("读取事件失败: %w", err)
	}
	today := utils.TradingDate(now, location())
	pnl, err := db.ListDailyPnL(ctx, today)
	if err != nil {
		return "", fmt.Errorf("读取每日盈亏失败: %w", err)
	}

	var b strings.Builder
	b.WriteString("最近 24 小时报告:\n")

	var buys, sells, dryRuns, rejected int
	cash := 0.0
	for _, o := range orders {
		switch o.Status {
		case broker.OrderStatusDryRun:
			dryRuns++
			continue
		case broker.OrderStatusRejected:
			rejected++
			continue
		}
		switch o.Side {
		case position.SideBuy:
			buys++
			cash -= o.Price * o.Quantity
		case position.SideSell:
			sells++
			cash += o.Price * o.Quantity
		}
	}
	printer.Fprintf(&b, "订单: %d (BUY=%d, SELL=%d, 拒绝=%d, 演练=%d)\n", len(orders), buys, sells, rejected, dryRuns)
	printer.Fprintf(&b, "现金流估算 (按下单价): %.2f\n", cash)

	if len(pnl) > 0 {
		total := 0.0
		printer.Fprintf(&b, "交易日 %s 已实现盈亏:\n", today)
		for _, row := range pnl {
			total += row.Realized
			printer.Fprintf(&b, "- %s: %.2f (%d 笔平仓)\n", row.Symbol, row.Realized, row.TradeCount)
		}
		printer.Fprintf(&b, "合计: %.2f\n", total)
	}

	printer.Fprintf(&b, "事件: %d\n", len(events))
	for _, e := range events {
		msg := e.Message
		if e.Symbol != "" && !strings.Contains(msg, e.Symbol) {
			msg = "[" + e.Symbol + "] " + msg
		}
		fmt.Fprintf(&b, "- [%s] %s %s %s\n", strings.ToUpper(e.Severity), e.CreatedAt.UTC().Format(time.RFC3339), e.Type, msg)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func location() *time.Location {
	if utils.GlobalLocation != nil {
		return utils.GlobalLocation
	}
	return time.UTC
}
