package backtest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/songjiangwork/auto-stock/indicators"
	"github.com/songjiangwork/auto-stock/logger"
)

const cacheIndexFile = "cache_index.json"

// CacheIndexEntry 缓存索引条目
type CacheIndexEntry struct {
	Symbol   string    `json:"symbol"`
	BarSize  string    `json:"bar_size"`
	Duration string    `json:"duration"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Bars     int       `json:"bars"`
	SizeMB   float64   `json:"size_mb"`
	Created  time.Time `json:"created"`
}

// BarCache 磁盘 K 线缓存，按 (标的, 周期, 回看, 日期) 分文件
// 同一天重复回测不再请求券商
type BarCache struct {
	dir    string
	source BarSource
	now    func() time.Time
	mu     sync.Mutex
}

// NewBarCache 包装一个 K 线来源
func NewBarCache(dir string, source BarSource) *BarCache {
	return &BarCache{dir: dir, source: source, now: time.Now}
}

// SetClock 替换时钟（测试用）
func (c *BarCache) SetClock(now func() time.Time) {
	c.now = now
}

func cacheKey(symbol, duration, barSize string, day time.Time) string {
	clean := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	}
	return fmt.Sprintf("%s_%s_%s_%s", strings.ToUpper(symbol), clean(barSize), clean(duration), day.Format("20060102"))
}

// GetHistoricalBars 先读缓存，未命中时请求来源并写入缓存
func (c *BarCache) GetHistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]indicators.Bar, error) {
	key := cacheKey(symbol, duration, barSize, c.now())
	path := filepath.Join(c.dir, key+".csv")

	if bars, err := loadBars(path, symbol); err == nil {
		logger.Info("✅ 从缓存加载: %s (%d 根K线)", key, len(bars))
		return bars, nil
	}

	bars, err := c.source.GetHistoricalBars(ctx, symbol, duration, barSize)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return bars, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := saveBars(c.dir, path, bars); err != nil {
		logger.Warn("⚠️ 缓存保存失败: %v", err)
		return bars, nil
	}
	if err := c.updateIndex(key, symbol, duration, barSize, path, bars); err != nil {
		logger.Warn("⚠️ 更新缓存索引失败: %v", err)
	}
	return bars, nil
}

// loadBars 缓存文件不含标的列，按请求的标的补齐
func loadBars(path, symbol string) ([]indicators.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("缓存文件为空或格式错误")
	}

	bars := make([]indicators.Bar, 0, len(records)-1)
	for i, rec := range records[1:] {
		bar, err := parseBarRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("解析第 %d 行失败: %w", i+1, err)
		}
		bar.Symbol = strings.ToUpper(symbol)
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseBarRecord(rec []string) (indicators.Bar, error) {
	if len(rec) != 6 {
		return indicators.Bar{}, fmt.Errorf("记录字段数量错误: 期望6个，实际%d个", len(rec))
	}
	t, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return indicators.Bar{}, fmt.Errorf("解析时间失败: %w", err)
	}
	values := make([]float64, 5)
	for i := range values {
		v, err := strconv.ParseFloat(rec[i+1], 64)
		if err != nil {
			return indicators.Bar{}, fmt.Errorf("解析第 %d 列失败: %w", i+2, err)
		}
		values[i] = v
	}
	return indicators.Bar{Time: t, Open: values[0], High: values[1], Low: values[2], Close: values[3], Volume: values[4]}, nil
}

func saveBars(dir, path string, bars []indicators.Bar) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}
	rows := [][]string{{"time", "open", "high", "low", "close", "volume"}}
	for _, b := range bars {
		rows = append(rows, []string{
			b.Time.UTC().Format(time.RFC3339),
			ftoa(b.Open, 8),
			ftoa(b.High, 8),
			ftoa(b.Low, 8),
			ftoa(b.Close, 8),
			ftoa(b.Volume, 8),
		})
	}
	return writeCSV(path, rows)
}

func (c *BarCache) readIndex() (map[string]CacheIndexEntry, error) {
	index := make(map[string]CacheIndexEntry)
	data, err := os.ReadFile(filepath.Join(c.dir, cacheIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("读取缓存索引失败: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("解析缓存索引失败: %w", err)
	}
	return index, nil
}

func (c *BarCache) writeIndex(index map[string]CacheIndexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, cacheIndexFile), data, 0644)
}

func (c *BarCache) updateIndex(key, symbol, duration, barSize, path string, bars []indicators.Bar) error {
	index, err := c.readIndex()
	if err != nil {
		return err
	}
	sizeMB := 0.0
	if info, err := os.Stat(path); err == nil {
		sizeMB = float64(info.Size()) / 1024 / 1024
	}
	index[key] = CacheIndexEntry{
		Symbol:   strings.ToUpper(symbol),
		BarSize:  barSize,
		Duration: duration,
		Start:    bars[0].Time,
		End:      bars[len(bars)-1].Time,
		Bars:     len(bars),
		SizeMB:   sizeMB,
		Created:  c.now(),
	}
	return c.writeIndex(index)
}

// List 列出缓存条目（按 key 排序）
func (c *BarCache) List() ([]string, map[string]CacheIndexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index, err := c.readIndex()
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, index, nil
}

// CleanOld 删除早于 days 天创建的缓存，返回删除数量
func (c *BarCache) CleanOld(days int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index, err := c.readIndex()
	if err != nil {
		return 0, err
	}
	cutoff := c.now().AddDate(0, 0, -days)
	deleted := 0
	for key, entry := range index {
		if !entry.Created.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, key+".csv")); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("删除缓存文件失败: %w", err)
		}
		delete(index, key)
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}
	logger.Info("✅ 已清理 %d 个过期缓存", deleted)
	return deleted, c.writeIndex(index)
}

// Clear 清空缓存目录
func (c *BarCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("清理缓存失败: %w", err)
	}
	return nil
}
