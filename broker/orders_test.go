package broker

import (
	"strings"
	"testing"
)

func TestChooseAccount(t *testing.T) {
	managed := []string{"DU111", "DU222"}
	tests := []struct {
		name      string
		preferred string
		want      string
		wantErr   bool
	}{
		{"未配置取第一个", "", "DU111", false},
		{"占位符取第一个", "DUXXXXXXX", "DU111", false},
		{"使用配置账户", "DU222", "DU222", false},
		{"配置账户不存在", "DU999", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ChooseAccount(tt.preferred, managed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("期望 %s, 得到 %s", tt.want, got)
			}
		})
	}

	if _, err := ChooseAccount("", nil); err == nil {
		t.Error("没有可用账户时应返回错误")
	}
}

func TestBuildMarketOrder(t *testing.T) {
	order, err := BuildMarketOrder("aapl", "buy", 10)
	if err != nil {
		t.Fatal(err)
	}
	if order.Symbol != "AAPL" || order.Side != "BUY" || order.Quantity != 10 {
		t.Errorf("订单字段错误: %+v", order)
	}
	if order.TIF != "DAY" || order.OutsideRTH {
		t.Errorf("应为 DAY 且仅常规时段: %+v", order)
	}
	if !strings.HasPrefix(order.ClientOrderID, "as-") {
		t.Errorf("客户端订单号格式错误: %s", order.ClientOrderID)
	}

	other, _ := BuildMarketOrder("AAPL", "BUY", 10)
	if other.ClientOrderID == order.ClientOrderID {
		t.Error("客户端订单号应唯一")
	}

	if _, err := BuildMarketOrder("AAPL", "SELL", 0); err == nil {
		t.Error("数量为 0 应返回错误")
	}
	if _, err := BuildMarketOrder("AAPL", "HOLD", 1); err == nil {
		t.Error("无效方向应返回错误")
	}
}

func TestCloseOrderForPosition(t *testing.T) {
	side, qty, err := CloseOrderForPosition(12)
	if err != nil || side != "SELL" || qty != 12 {
		t.Errorf("多头应卖出 12, 得到 %s %d %v", side, qty, err)
	}
	side, qty, err = CloseOrderForPosition(-7)
	if err != nil || side != "BUY" || qty != 7 {
		t.Errorf("空头应买回 7, 得到 %s %d %v", side, qty, err)
	}
	if _, _, err := CloseOrderForPosition(0); err == nil {
		t.Error("零持仓应返回错误")
	}
}
