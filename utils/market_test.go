package utils

import (
	"testing"
	"time"
)

func TestIsMarketOpen(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("系统缺少时区数据: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"开盘前", time.Date(2026, 3, 2, 9, 29, 59, 0, loc), false},
		{"开盘", time.Date(2026, 3, 2, 9, 30, 0, 0, loc), true},
		{"盘中", time.Date(2026, 3, 2, 12, 0, 0, 0, loc), true},
		{"收盘时刻", time.Date(2026, 3, 2, 16, 0, 0, 0, loc), true},
		{"收盘后", time.Date(2026, 3, 2, 16, 0, 1, 0, loc), false},
		{"周六", time.Date(2026, 3, 7, 12, 0, 0, 0, loc), false},
		{"周日", time.Date(2026, 3, 8, 12, 0, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMarketOpen(tt.at, loc); got != tt.want {
				t.Errorf("IsMarketOpen(%v) = %v, 期望 %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestTradingDateUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("系统缺少时区数据: %v", err)
	}
	// UTC 凌晨 02:00 在纽约仍是前一天
	ts := time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)
	if got := TradingDate(ts, loc); got != "2026-03-02" {
		t.Errorf("交易日应为 2026-03-02, 得到 %s", got)
	}
	if got := TradingDate(ts, time.UTC); got != "2026-03-03" {
		t.Errorf("UTC 交易日应为 2026-03-03, 得到 %s", got)
	}
}
