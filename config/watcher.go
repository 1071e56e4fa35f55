package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigUpdate 一次配置文件变更的结果
type ConfigUpdate struct {
	Config *Config
	Diff   *ConfigDiff
}

// ConfigWatcher 监控 base/local 配置文件
// 只负责重新加载和比较差异，是否应用由调用方决定（风控参数在一次运行内不变）
type ConfigWatcher struct {
	basePath  string
	localPath string
	watcher   *fsnotify.Watcher

	mu          sync.Mutex
	current     *Config
	isWatching  bool
	lastModTime time.Time

	updateChan chan ConfigUpdate
	errorChan  chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(basePath, localPath string, current *Config) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %v", err)
	}
	cw := &ConfigWatcher{
		basePath:   absPath(basePath),
		localPath:  absPath(localPath),
		watcher:    w,
		current:    current,
		updateChan: make(chan ConfigUpdate, 1),
		errorChan:  make(chan error, 10),
	}
	cw.lastModTime = cw.latestModTime()
	return cw, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Start 开始监控
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}

	dirs := map[string]bool{filepath.Dir(cw.basePath): true, filepath.Dir(cw.localPath): true}
	for dir := range dirs {
		if err := cw.watcher.Add(dir); err != nil {
			return fmt.Errorf("添加监控目录失败: %v", err)
		}
	}

	cw.isWatching = true
	go cw.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.isWatching {
		return nil
	}
	cw.isWatching = false
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != cw.basePath && event.Name != cw.localPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				// 等待编辑器写完
				time.Sleep(100 * time.Millisecond)
				cw.handleChange()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.sendError(err)

		case <-ticker.C:
			cw.mu.Lock()
			last := cw.lastModTime
			cw.mu.Unlock()
			if cw.latestModTime().After(last) {
				cw.handleChange()
			}
		}
	}
}

func (cw *ConfigWatcher) latestModTime() time.Time {
	var latest time.Time
	for _, p := range []string{cw.basePath, cw.localPath} {
		if info, err := os.Stat(p); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

func (cw *ConfigWatcher) handleChange() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	modTime := cw.latestModTime()
	if !modTime.After(cw.lastModTime) {
		return
	}
	cw.lastModTime = modTime

	newConfig, err := LoadLayeredConfig(cw.basePath, cw.localPath)
	if err != nil {
		cw.sendError(fmt.Errorf("重新加载配置失败: %v", err))
		return
	}

	diff := DiffConfig(cw.current, newConfig)
	if diff.Empty() {
		return
	}
	cw.current = newConfig

	select {
	case cw.updateChan <- ConfigUpdate{Config: newConfig, Diff: diff}:
	default:
	}
}

func (cw *ConfigWatcher) sendError(err error) {
	select {
	case cw.errorChan <- err:
	default:
	}
}

// GetUpdateChan 配置变更通道
func (cw *ConfigWatcher) GetUpdateChan() <-chan ConfigUpdate {
	return cw.updateChan
}

// GetErrorChan 错误通道
func (cw *ConfigWatcher) GetErrorChan() <-chan error {
	return cw.errorChan
}
