package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/songjiangwork/auto-stock/config"
	"github.com/songjiangwork/auto-stock/indicators"
	"github.com/songjiangwork/auto-stock/logger"
)

// 成交查询最多回看 7 天
const maxTradeLookbackDays = 7

// IBKRClient Interactive Brokers Client Portal Web API 客户端
type IBKRClient struct {
	baseURL    string
	preferred  string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu      sync.RWMutex
	account string
	conids  map[string]int64
}

// apiError 非 2xx 且不属于连接问题的响应
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// NewIBKRClient 创建客户端
func NewIBKRClient(cfg config.IBConfig) *IBKRClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSecond := cfg.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 5
	}

	// 小数速率时突发至少 1 个请求
	burst := int(math.Ceil(perSecond))

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// 本地网关使用自签名证书
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	return &IBKRClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		preferred:  cfg.Account,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		conids:     make(map[string]int64),
	}
}

// sendRequest 发送请求并解析 JSON 响应
func (c *IBKRClient) sendRequest(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ConnectivityError{Op: path, Err: fmt.Errorf("速率限制等待失败: %w", err)}
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "autostock")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectivityError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectivityError{Op: path, Err: fmt.Errorf("读取响应失败: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ConnectivityError{Op: path, Err: fmt.Errorf("网关未认证 (HTTP %d)", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &ConnectivityError{Op: path, Err: &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("解析响应失败 %s: %w", path, err)
	}
	return nil
}

// Connect 检查网关认证状态并选定账户
func (c *IBKRClient) Connect(ctx context.Context) error {
	var status struct {
		Authenticated bool `json:"authenticated"`
		Connected     bool `json:"connected"`
	}
	if err := c.sendRequest(ctx, http.MethodPost, "/iserver/auth/status", nil, nil, &status); err != nil {
		return err
	}
	if !status.Authenticated || !status.Connected {
		return &ConnectivityError{Op: "auth", Err: fmt.Errorf("网关会话未认证 (authenticated=%v connected=%v)", status.Authenticated, status.Connected)}
	}

	var accounts struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/accounts", nil, nil, &accounts); err != nil {
		return err
	}
	account, err := ChooseAccount(c.preferred, accounts.Accounts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.account = account
	c.mu.Unlock()
	logger.Info("✅ 已连接 IBKR 网关，账户: %s", account)
	return nil
}

// Close 无长连接需要关闭
func (c *IBKRClient) Close() error {
	return nil
}

// Account 当前账户
func (c *IBKRClient) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

func (c *IBKRClient) activeAccount() (string, error) {
	account := c.Account()
	if account == "" {
		return "", fmt.Errorf("未选定账户，请先 Connect")
	}
	return account, nil
}

// GetEquity 账户净清算值
func (c *IBKRClient) GetEquity(ctx context.Context) (float64, error) {
	account, err := c.activeAccount()
	if err != nil {
		return 0, err
	}
	var summary map[string]struct {
		Amount float64 `json:"amount"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/portfolio/"+account+"/summary", nil, nil, &summary); err != nil {
		return 0, err
	}
	nl, ok := summary["netliquidation"]
	if !ok {
		return 0, fmt.Errorf("账户摘要中没有 netliquidation")
	}
	return nl.Amount, nil
}

type ibPosition struct {
	Conid        int64   `json:"conid"`
	ContractDesc string  `json:"contractDesc"`
	Ticker       string  `json:"ticker"`
	Position     float64 `json:"position"`
	AvgCost      float64 `json:"avgCost"`
}

// GetPositions 券商持仓（分页读取）
func (c *IBKRClient) GetPositions(ctx context.Context) (map[string]Position, error) {
	account, err := c.activeAccount()
	if err != nil {
		return nil, err
	}

	result := make(map[string]Position)
	for page := 0; page < 50; page++ {
		var rows []ibPosition
		path := fmt.Sprintf("/portfolio/%s/positions/%d", account, page)
		if err := c.sendRequest(ctx, http.MethodGet, path, nil, nil, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if row.Position == 0 {
				continue
			}
			symbol := row.Ticker
			if symbol == "" {
				symbol = row.ContractDesc
			}
			symbol = strings.ToUpper(strings.TrimSpace(symbol))
			result[symbol] = Position{Symbol: symbol, Quantity: row.Position, AvgCost: row.AvgCost}
		}
	}
	return result, nil
}

// flexFloat 兼容字符串或数字形式的数值
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type ibTrade struct {
	ExecutionID string    `json:"execution_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Size        flexFloat `json:"size"`
	Price       flexFloat `json:"price"`
	Commission  flexFloat `json:"commission"`
	OrderID     flexFloat `json:"order_id"`
	Account     string    `json:"account"`
	TradeTimeMs int64     `json:"trade_time_r"`
}

// GetExecutionsSince 最近成交，只返回晚于 since 的部分，按时间升序
func (c *IBKRClient) GetExecutionsSince(ctx context.Context, since time.Time) ([]Execution, error) {
	account, err := c.activeAccount()
	if err != nil {
		return nil, err
	}

	days := maxTradeLookbackDays
	if !since.IsZero() {
		days = int(math.Ceil(time.Since(since).Hours()/24)) + 1
		if days < 1 {
			days = 1
		}
		if days > maxTradeLookbackDays {
			days = maxTradeLookbackDays
		}
	}

	var rows []ibTrade
	params := url.Values{}
	params.Set("days", strconv.Itoa(days))
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/account/trades", params, nil, &rows); err != nil {
		return nil, err
	}

	executions := make([]Execution, 0, len(rows))
	for _, row := range rows {
		if row.Account != "" && row.Account != account {
			continue
		}
		at := time.UnixMilli(row.TradeTimeMs).UTC()
		if !at.After(since) {
			continue
		}
		executions = append(executions, Execution{
			ExecID:     row.ExecutionID,
			Account:    account,
			Symbol:     strings.ToUpper(row.Symbol),
			Side:       normalizeSide(row.Side),
			Quantity:   math.Abs(float64(row.Size)),
			Price:      float64(row.Price),
			Commission: math.Abs(float64(row.Commission)),
			OrderID:    strconv.FormatInt(int64(row.OrderID), 10),
			Time:       at,
		})
	}
	sort.SliceStable(executions, func(i, j int) bool {
		if executions[i].Time.Equal(executions[j].Time) {
			return executions[i].ExecID < executions[j].ExecID
		}
		return executions[i].Time.Before(executions[j].Time)
	})
	return executions, nil
}

func normalizeSide(side string) string {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "B", "BUY", "BOT":
		return "BUY"
	case "S", "SELL", "SLD":
		return "SELL"
	default:
		return strings.ToUpper(side)
	}
}

// conid 查询美股合约 ID，带缓存
func (c *IBKRClient) conid(ctx context.Context, symbol string) (int64, error) {
	symbol = strings.ToUpper(symbol)
	c.mu.RLock()
	id, ok := c.conids[symbol]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	var resp map[string][]struct {
		Name      string `json:"name"`
		Contracts []struct {
			Conid    int64  `json:"conid"`
			Exchange string `json:"exchange"`
			IsUS     bool   `json:"isUS"`
		} `json:"contracts"`
	}
	params := url.Values{}
	params.Set("symbols", symbol)
	if err := c.sendRequest(ctx, http.MethodGet, "/trsrv/stocks", params, nil, &resp); err != nil {
		return 0, err
	}

	for _, entry := range resp[symbol] {
		for _, contract := range entry.Contracts {
			if contract.IsUS && contract.Conid > 0 {
				c.mu.Lock()
				c.conids[symbol] = contract.Conid
				c.mu.Unlock()
				return contract.Conid, nil
			}
		}
	}
	return 0, fmt.Errorf("未找到美股合约: %s", symbol)
}

// QualifySymbols 校验所有标的都有合约
func (c *IBKRClient) QualifySymbols(ctx context.Context, symbols []string) error {
	for _, symbol := range symbols {
		if _, err := c.conid(ctx, symbol); err != nil {
			return err
		}
	}
	return nil
}

// GetHistoricalBars 历史 K 线（仅常规交易时段）
func (c *IBKRClient) GetHistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]indicators.Bar, error) {
	id, err := c.conid(ctx, symbol)
	if err != nil {
		return nil, err
	}
	period, err := ibPeriod(duration)
	if err != nil {
		return nil, err
	}
	bar, err := ibBarSize(barSize)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("conid", strconv.FormatInt(id, 10))
	params.Set("period", period)
	params.Set("bar", bar)
	params.Set("outsideRth", "false")

	var resp struct {
		Data []struct {
			T int64   `json:"t"`
			O float64 `json:"o"`
			H float64 `json:"h"`
			L float64 `json:"l"`
			C float64 `json:"c"`
			V float64 `json:"v"`
		} `json:"data"`
	}
	if err := c.sendRequest(ctx, http.MethodGet, "/iserver/marketdata/history", params, nil, &resp); err != nil {
		return nil, err
	}

	bars := make([]indicators.Bar, 0, len(resp.Data))
	for _, d := range resp.Data {
		bars = append(bars, indicators.Bar{
			Symbol: strings.ToUpper(symbol),
			Time:   time.UnixMilli(d.T).UTC(),
			Open:   d.O,
			High:   d.H,
			Low:    d.L,
			Close:  d.C,
			Volume: d.V,
		})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

// ibPeriod "60 D" -> "60d", "2 Y" -> "2y"
func ibPeriod(duration string) (string, error) {
	fields := strings.Fields(strings.ToUpper(duration))
	if len(fields) != 2 {
		return "", fmt.Errorf("无效的回看区间: %q", duration)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return "", fmt.Errorf("无效的回看区间: %q", duration)
	}
	unit := map[string]string{"S": "s", "D": "d", "W": "w", "M": "m", "Y": "y"}[fields[1]]
	if unit == "" {
		return "", fmt.Errorf("无效的回看单位: %q", duration)
	}
	return fmt.Sprintf("%d%s", n, unit), nil
}

// ibBarSize "5 mins" -> "5min", "1 day" -> "1d"
func ibBarSize(barSize string) (string, error) {
	fields := strings.Fields(strings.ToLower(barSize))
	if len(fields) != 2 {
		return "", fmt.Errorf("无效的 K 线周期: %q", barSize)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return "", fmt.Errorf("无效的 K 线周期: %q", barSize)
	}
	var unit string
	switch strings.TrimSuffix(fields[1], "s") {
	case "sec", "second":
		unit = "s"
	case "min", "minute":
		unit = "min"
	case "hour":
		unit = "h"
	case "day":
		unit = "d"
	case "week":
		unit = "w"
	case "month":
		unit = "m"
	default:
		return "", fmt.Errorf("无效的 K 线单位: %q", barSize)
	}
	return fmt.Sprintf("%d%s", n, unit), nil
}

type ibOrderReply struct {
	ID          string   `json:"id"`
	Message     []string `json:"message"`
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	Error       string   `json:"error"`
}

// SubmitMarketOrder 提交市价单，自动确认网关的提示问题
func (c *IBKRClient) SubmitMarketOrder(ctx context.Context, order MarketOrder) (*OrderResult, error) {
	account, err := c.activeAccount()
	if err != nil {
		return nil, err
	}
	id, err := c.conid(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	tif := order.TIF
	if tif == "" {
		tif = TimeInForceDay
	}

	body := map[string]interface{}{
		"orders": []map[string]interface{}{{
			"conid":      id,
			"orderType":  OrderTypeMKT,
			"side":       order.Side,
			"quantity":   order.Quantity,
			"tif":        tif,
			"outsideRTH": order.OutsideRTH,
			"cOID":       order.ClientOrderID,
		}},
	}

	reject := func(status, reason string) *OrderRejection {
		return &OrderRejection{Symbol: order.Symbol, Side: order.Side, Quantity: order.Quantity, Status: status, Reason: reason}
	}

	replies, err := c.postOrder(ctx, "/iserver/account/"+account+"/orders", body)
	// 网关可能连续返回多个确认问题
	for attempt := 0; attempt < 5 && err == nil; attempt++ {
		if len(replies) == 0 {
			return nil, reject(StatusRejected, "网关返回空响应")
		}
		r := replies[0]
		switch {
		case r.Error != "":
			return nil, reject(StatusRejected, r.Error)
		case r.OrderID != "":
			status := r.OrderStatus
			if status == "" {
				status = StatusSubmitted
			}
			if isRejectedStatus(status) {
				return nil, reject(status, "订单状态 "+status)
			}
			return &OrderResult{OrderID: r.OrderID, ClientOrderID: order.ClientOrderID, Status: status}, nil
		case r.ID != "":
			logger.Debug("📨 [%s] 确认网关提示: %s", order.Symbol, strings.Join(r.Message, "; "))
			replies, err = c.postOrder(ctx, "/iserver/reply/"+r.ID, map[string]bool{"confirmed": true})
		default:
			return nil, reject(StatusRejected, "无法识别的下单响应")
		}
	}
	if err != nil {
		var ae *apiError
		if !IsConnectivity(err) && errors.As(err, &ae) {
			return nil, reject(StatusRejected, ae.Body)
		}
		return nil, err
	}
	return nil, reject(StatusRejected, "确认次数过多")
}

// postOrder 下单接口可能返回数组或单个错误对象
func (c *IBKRClient) postOrder(ctx context.Context, path string, body interface{}) ([]ibOrderReply, error) {
	var raw json.RawMessage
	if err := c.sendRequest(ctx, http.MethodPost, path, nil, body, &raw); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var single ibOrderReply
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("解析下单响应失败: %w", err)
		}
		return []ibOrderReply{single}, nil
	}
	var replies []ibOrderReply
	if err := json.Unmarshal(trimmed, &replies); err != nil {
		return nil, fmt.Errorf("解析下单响应失败: %w", err)
	}
	return replies, nil
}

func isRejectedStatus(status string) bool {
	switch strings.ToLower(status) {
	case "rejected", "cancelled", "inactive":
		return true
	}
	return false
}
