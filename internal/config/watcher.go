/*
ConfigWatcher 配置文件监听器
监听配置文件的变化，当配置文件发生变化时重新加载配置并调用注册的回调函数。
用于运行时调整日志级别等无需重启进程的配置项。

注意事项：
- 基于文件系统事件触发，编辑器的原子写入会产生Rename/Create事件，因此监听目录而非单个文件。
- 短时间内的连续写入会被去抖动合并为一次重载。
*/
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify" // 文件系统监听库
)

// ReloadCallback 配置重载回调函数类型
type ReloadCallback func(oldConfig, newConfig *Config) error

// ConfigWatcher 配置文件监听器
type ConfigWatcher struct {
	watcher    *fsnotify.Watcher  // 文件系统监听器
	configPath string             // 配置文件目录
	env        string             // 环境标识
	callbacks  []ReloadCallback   // 重载回调函数列表
	mu         sync.RWMutex       // 读写锁
	ctx        context.Context    // 上下文
	cancel     context.CancelFunc // 取消函数
	done       chan struct{}      // 完成信号
}

// NewConfigWatcher 创建配置文件监听器
func NewConfigWatcher(configPath, env string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	cw := &ConfigWatcher{
		watcher:    watcher,
		configPath: configPath,
		env:        env,
		callbacks:  make([]ReloadCallback, 0),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	return cw, nil
}

// AddCallback 注册配置重载回调函数
func (cw *ConfigWatcher) AddCallback(cb ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

// Start 启动监听
// 监听配置文件所在目录，收到写入事件后去抖动重载
func (cw *ConfigWatcher) Start() error {
	configFile := getConfigFileName(cw.configPath, cw.env)
	watchDir := filepath.Dir(configFile)

	if err := cw.watcher.Add(watchDir); err != nil {
		return fmt.Errorf("failed to watch config dir %s: %w", watchDir, err)
	}

	go cw.watchLoop(configFile)
	return nil
}

// Stop 停止监听
func (cw *ConfigWatcher) Stop() {
	cw.cancel()
	<-cw.done
	cw.watcher.Close()
}

// watchLoop 事件循环
func (cw *ConfigWatcher) watchLoop(configFile string) {
	defer close(cw.done)

	// 去抖动定时器，合并编辑器的多次写入事件
	var debounce *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case <-cw.ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(configFile) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			cw.reload()

		case _, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// reload 重新加载配置并通知回调
func (cw *ConfigWatcher) reload() {
	oldConfig := GlobalConfig

	newConfig, err := LoadConfig(cw.configPath, cw.env)
	if err != nil {
		// 配置文件处于中间状态时加载可能失败，保留旧配置等待下一次事件
		return
	}

	cw.mu.RLock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, cb := range callbacks {
		_ = cb(oldConfig, newConfig)
	}
}
