package utils

import "time"

// 常规交易时段（交易所本地时间）
const (
	marketOpenMinute  = 9*60 + 30
	marketCloseMinute = 16 * 60
)

// TradingDate 返回 t 在 loc 时区下的交易日 key（YYYY-MM-DD）
func TradingDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = GlobalLocation
	}
	return t.In(loc).Format("2006-01-02")
}

// IsMarketOpen 判断 t 是否处于美股常规交易时段（周一至周五 09:30-16:00，含两端）
// 不处理交易所节假日
func IsMarketOpen(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = GlobalLocation
	}
	local := t.In(loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	if minute == marketCloseMinute {
		return local.Second() == 0 && local.Nanosecond() == 0
	}
	return minute >= marketOpenMinute && minute < marketCloseMinute
}
