package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/songjiangwork/auto-stock/database"
	"github.com/songjiangwork/auto-stock/risk"
)

type fixedAccount struct {
	state *risk.AccountState
}

func (f fixedAccount) AccountState() *risk.AccountState { return f.state }

// pingFailDB 只覆盖 Ping
type pingFailDB struct {
	database.Database
}

func (pingFailDB) Ping(ctx context.Context) error { return errors.New("connection refused") }

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

func newRouter(db database.Database, account AccountProvider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	SetupRoutes(r, db, account)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	db := newTestDB(t)

	if w := get(newRouter(db, nil), "/healthz"); w.Code != http.StatusOK {
		t.Errorf("数据库正常时应返回 200, 得到 %d", w.Code)
	}
	if w := get(newRouter(pingFailDB{db}, nil), "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Ping 失败应返回 503, 得到 %d", w.Code)
	}
}

func TestStatusAndReport(t *testing.T) {
	db := newTestDB(t)
	r := newRouter(db, nil)

	w := get(r, "/api/status")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "暂无快照") {
		t.Errorf("status 响应不正确: %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("status 应为 text/plain, 得到 %s", ct)
	}

	w = get(r, "/api/report")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "最近 24 小时报告") {
		t.Errorf("report 响应不正确: %d %q", w.Code, w.Body.String())
	}
}

func TestAccount(t *testing.T) {
	db := newTestDB(t)

	tests := []struct {
		name    string
		account AccountProvider
		code    int
	}{
		{"引擎未运行", nil, http.StatusServiceUnavailable},
		{"未对账", fixedAccount{}, http.StatusServiceUnavailable},
		{"正常", fixedAccount{state: func() *risk.AccountState {
			s := risk.NewAccountState("2026-03-03", 100000, 10000)
			s.Equity = 95000
			return s
		}()}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(newRouter(db, tt.account), "/api/account")
			if w.Code != tt.code {
				t.Fatalf("期望 %d, 得到 %d", tt.code, w.Code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				Account  risk.AccountState `json:"account"`
				Drawdown float64           `json:"drawdown"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Account.TradingDate != "2026-03-03" || body.Account.Equity != 95000 {
				t.Errorf("账户内容不正确: %+v", body.Account)
			}
			if body.Drawdown < 0.0499 || body.Drawdown > 0.0501 {
				t.Errorf("回撤应为 0.05, 得到 %v", body.Drawdown)
			}
		})
	}
}
