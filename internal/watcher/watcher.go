// Package watcher reloads the configuration file on change and reports which
// sites need a new cache generation installed.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/logging"
)

// DefaultDebounce 合并编辑器保存时产生的多次写事件。
const DefaultDebounce = 300 * time.Millisecond

// ReloadFunc 接收重新加载后的配置与发生变化的站点。
type ReloadFunc func(ctx context.Context, cfg *config.Config, changes []SiteChange)

// ConfigWatcher 监听配置文件所在目录，文件变化后重新加载并比较站点清单。
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	logger   *logrus.Logger
	onReload ReloadFunc

	mu      sync.Mutex
	current *config.Config
	timer   *time.Timer
}

// New 创建 ConfigWatcher。current 为启动时已加载的配置。
func New(path string, current *config.Config, onReload ReloadFunc, logger *logrus.Logger) (*ConfigWatcher, error) {
	if path == "" {
		return nil, errors.New("config path required")
	}
	if onReload == nil {
		return nil, errors.New("reload callback required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &ConfigWatcher{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   logger,
		onReload: onReload,
		current:  current,
	}, nil
}

// SetDebounce 调整合并窗口，主要供测试使用。
func (w *ConfigWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Run 阻塞直到 ctx 取消。监听目录而不是文件本身，兼容 rename 方式的原子保存。
func (w *ConfigWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithFields(logrus.Fields{"action": "config_watch", "path": w.path}).
				WithError(err).Warn("配置监听出错")
		}
	}
}

func (w *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *ConfigWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.Reload(ctx)
	})
}

func (w *ConfigWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Reload 立即重新加载配置。加载或校验失败时保留旧配置。
func (w *ConfigWatcher) Reload(ctx context.Context) {
	fields := logging.BaseFields("config_reload", w.path)
	next, err := config.Load(w.path)
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Error("配置重新加载失败，继续使用旧配置")
		return
	}

	w.mu.Lock()
	previous := w.current
	w.current = next
	w.mu.Unlock()

	changes := Diff(previous, next)
	fields["changes"] = len(changes)
	w.logger.WithFields(fields).Info("配置已重新加载")
	w.onReload(ctx, next, changes)
}

// Current 返回最近一次成功加载的配置。
func (w *ConfigWatcher) Current() *config.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
