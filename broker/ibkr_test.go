package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/songjiangwork/auto-stock/config"
)

// fakeGateway 模拟 Client Portal 网关
func fakeGateway(t *testing.T, handlers map[string]http.HandlerFunc) (*IBKRClient, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"authenticated":true,"connected":true}`))
	})
	mux.HandleFunc("/v1/api/iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accounts":["DU111","DU222"]}`))
	})
	mux.HandleFunc("/v1/api/trsrv/stocks", func(w http.ResponseWriter, r *http.Request) {
		sym := r.URL.Query().Get("symbols")
		if sym != "AAPL" {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"AAPL":[{"name":"APPLE INC","contracts":[{"conid":265598,"exchange":"NASDAQ","isUS":true}]}]}`))
	})
	for path, h := range handlers {
		mux.HandleFunc("/v1/api"+path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewIBKRClient(config.IBConfig{
		BaseURL:            srv.URL + "/v1/api",
		Account:            "DU222",
		RateLimitPerSecond: 100,
		TimeoutSeconds:     5,
	})
	return client, srv
}

func TestIBKRRateLimiterBurst(t *testing.T) {
	tests := []struct {
		name      string
		perSecond float64
		burst     int
	}{
		{"整数速率", 5, 5},
		{"小数速率", 0.5, 1},
		{"向上取整", 2.5, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewIBKRClient(config.IBConfig{BaseURL: "http://127.0.0.1:1", RateLimitPerSecond: tt.perSecond})
			if got := client.limiter.Burst(); got != tt.burst {
				t.Errorf("突发应为 %d, 得到 %d", tt.burst, got)
			}
			if got := float64(client.limiter.Limit()); got != tt.perSecond {
				t.Errorf("速率应为 %v, 得到 %v", tt.perSecond, got)
			}
		})
	}
}

func TestIBKRConnectAndAccount(t *testing.T) {
	client, _ := fakeGateway(t, map[string]http.HandlerFunc{
		"/portfolio/DU222/summary": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"netliquidation":{"amount":100250.5,"currency":"USD"}}`))
		},
	})
	ctx := context.Background()

	if _, err := client.GetEquity(ctx); err == nil {
		t.Error("未连接时应返回错误")
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if client.Account() != "DU222" {
		t.Errorf("应选择配置账户 DU222, 得到 %s", client.Account())
	}
	equity, err := client.GetEquity(ctx)
	if err != nil || equity != 100250.5 {
		t.Errorf("净值错误: %v %v", equity, err)
	}
}

func TestIBKRPositionsAndExecutions(t *testing.T) {
	since := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	client, _ := fakeGateway(t, map[string]http.HandlerFunc{
		"/portfolio/DU222/positions/0": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"conid":265598,"contractDesc":"AAPL","ticker":"AAPL","position":10,"avgCost":180.5},{"conid":1,"ticker":"MSFT","position":0}]`))
		},
		"/portfolio/DU222/positions/1": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[]`))
		},
		"/iserver/account/trades": func(w http.ResponseWriter, r *http.Request) {
			rows := []map[string]interface{}{
				{"execution_id": "E2", "symbol": "AAPL", "side": "S", "size": "5", "price": "190.00", "commission": "1.0", "account": "DU222", "trade_time_r": since.Add(2 * time.Hour).UnixMilli()},
				{"execution_id": "E1", "symbol": "AAPL", "side": "B", "size": 10, "price": 180.5, "account": "DU222", "trade_time_r": since.Add(time.Hour).UnixMilli()},
				{"execution_id": "E0", "symbol": "AAPL", "side": "B", "size": 1, "price": 170, "account": "DU222", "trade_time_r": since.UnixMilli()},
				{"execution_id": "X1", "symbol": "AAPL", "side": "B", "size": 1, "price": 170, "account": "DU111", "trade_time_r": since.Add(time.Hour).UnixMilli()},
			}
			json.NewEncoder(w).Encode(rows)
		},
	})
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	positions, err := client.GetPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions["AAPL"].Quantity != 10 || positions["AAPL"].AvgCost != 180.5 {
		t.Errorf("持仓错误: %+v", positions)
	}

	execs, err := client.GetExecutionsSince(ctx, since)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Fatalf("应返回 2 笔晚于 since 的本账户成交, 得到 %d", len(execs))
	}
	if execs[0].ExecID != "E1" || execs[0].Side != "BUY" || execs[1].Side != "SELL" {
		t.Errorf("成交应按时间升序并规范方向: %+v", execs)
	}
	if execs[1].Price != 190 || execs[1].Commission != 1 || execs[1].Quantity != 5 {
		t.Errorf("字符串数值解析错误: %+v", execs[1])
	}
}

func TestIBKRHistoricalBars(t *testing.T) {
	var gotPeriod, gotBar string
	client, _ := fakeGateway(t, map[string]http.HandlerFunc{
		"/iserver/marketdata/history": func(w http.ResponseWriter, r *http.Request) {
			gotPeriod = r.URL.Query().Get("period")
			gotBar = r.URL.Query().Get("bar")
			w.Write([]byte(`{"data":[{"t":1772467800000,"o":1,"h":2,"l":0.5,"c":1.5,"v":100},{"t":1772467500000,"o":1,"h":1,"l":1,"c":1,"v":10}]}`))
		},
	})
	bars, err := client.GetHistoricalBars(context.Background(), "AAPL", "60 D", "5 mins")
	if err != nil {
		t.Fatal(err)
	}
	if gotPeriod != "60d" || gotBar != "5min" {
		t.Errorf("参数转换错误: period=%s bar=%s", gotPeriod, gotBar)
	}
	if len(bars) != 2 || !bars[0].Time.Before(bars[1].Time) || bars[1].Close != 1.5 {
		t.Fatalf("K 线应按时间排序: %+v", bars)
	}
	if bars[0].Symbol != "AAPL" {
		t.Errorf("K 线应带标的, 得到 %q", bars[0].Symbol)
	}

	if _, err := client.GetHistoricalBars(context.Background(), "ZZZZ", "60 D", "5 mins"); err == nil {
		t.Error("未知标的应返回错误")
	}
}

func TestIBKRPeriodConversion(t *testing.T) {
	tests := []struct {
		in, want string
		bar      bool
	}{
		{"2 Y", "2y", false},
		{"1 W", "1w", false},
		{"1 day", "1d", true},
		{"1 hour", "1h", true},
		{"15 mins", "15min", true},
	}
	for _, tt := range tests {
		conv := ibPeriod
		if tt.bar {
			conv = ibBarSize
		}
		got, err := conv(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("%q: 期望 %s, 得到 %s (%v)", tt.in, tt.want, got, err)
		}
	}
	if _, err := ibPeriod("60"); err == nil {
		t.Error("缺少单位应返回错误")
	}
	if _, err := ibBarSize("5 lightyears"); err == nil {
		t.Error("未知单位应返回错误")
	}
}

func TestIBKRSubmitOrderWithReply(t *testing.T) {
	var gotBody map[string][]map[string]interface{}
	client, _ := fakeGateway(t, map[string]http.HandlerFunc{
		"/iserver/account/DU222/orders": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`[{"id":"reply-1","message":["Are you sure?"]}]`))
		},
		"/iserver/reply/reply-1": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"order_id":"987","order_status":"PreSubmitted"}]`))
		},
	})
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	order, _ := BuildMarketOrder("AAPL", "BUY", 3)
	result, err := client.SubmitMarketOrder(ctx, order)
	if err != nil {
		t.Fatal(err)
	}
	if result.OrderID != "987" || result.Status != "PreSubmitted" {
		t.Errorf("下单结果错误: %+v", result)
	}
	sent := gotBody["orders"][0]
	if sent["tif"] != "DAY" || sent["outsideRTH"] != false || sent["orderType"] != "MKT" || sent["conid"] != float64(265598) {
		t.Errorf("下单参数错误: %+v", sent)
	}
}

func TestIBKRSubmitOrderRejected(t *testing.T) {
	client, _ := fakeGateway(t, map[string]http.HandlerFunc{
		"/iserver/account/DU222/orders": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"insufficient buying power"}`))
		},
	})
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	order, _ := BuildMarketOrder("AAPL", "BUY", 3)
	_, err := client.SubmitMarketOrder(ctx, order)
	var rejection *OrderRejection
	if !errors.As(err, &rejection) {
		t.Fatalf("应返回 OrderRejection, 得到 %v", err)
	}
	if IsConnectivity(err) {
		t.Error("拒单不应视为连接错误")
	}
}

func TestIBKRConnectivityError(t *testing.T) {
	client, srv := fakeGateway(t, nil)
	srv.Close()

	err := client.Connect(context.Background())
	if !IsConnectivity(err) {
		t.Fatalf("网关不可达应返回 ConnectivityError, 得到 %v", err)
	}

	unauth, _ := fakeGateway(t, map[string]http.HandlerFunc{})
	unauth.baseURL = unauth.baseURL + "/missing"
	if err := unauth.Connect(context.Background()); err == nil || IsConnectivity(err) {
		t.Errorf("404 应为普通错误, 得到 %v", err)
	}
}
