package broker

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// ChooseAccount 选择交易账户
// 配置了账户且不是占位符（含 XXXX）时必须在可用账户中，否则取第一个
func ChooseAccount(preferred string, managed []string) (string, error) {
	pref := strings.TrimSpace(preferred)
	if pref != "" && !strings.Contains(pref, "XXXX") {
		for _, acct := range managed {
			if acct == pref {
				return pref, nil
			}
		}
		return "", fmt.Errorf("配置的账户 %s 不在可用账户中: %v", pref, managed)
	}
	if len(managed) == 0 {
		return "", fmt.Errorf("没有可用的券商账户")
	}
	return managed[0], nil
}

// BuildMarketOrder 构造 DAY、仅常规时段的市价单
func BuildMarketOrder(symbol, side string, quantity int) (MarketOrder, error) {
	side = strings.ToUpper(strings.TrimSpace(side))
	if side != "BUY" && side != "SELL" {
		return MarketOrder{}, fmt.Errorf("无效的买卖方向: %s", side)
	}
	if quantity <= 0 {
		return MarketOrder{}, fmt.Errorf("下单数量必须为正: %d", quantity)
	}
	return MarketOrder{
		Symbol:        strings.ToUpper(symbol),
		Side:          side,
		Quantity:      quantity,
		TIF:           TimeInForceDay,
		OutsideRTH:    false,
		ClientOrderID: "as-" + uuid.NewString(),
	}, nil
}

// CloseOrderForPosition 平仓方向与数量：多头卖出，空头买回
func CloseOrderForPosition(qty float64) (string, int, error) {
	switch {
	case qty > 0:
		return "SELL", int(math.Round(qty)), nil
	case qty < 0:
		return "BUY", int(math.Round(-qty)), nil
	default:
		return "", 0, fmt.Errorf("持仓为零，无需平仓")
	}
}
