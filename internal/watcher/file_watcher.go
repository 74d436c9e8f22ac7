package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// APKHandler 对一个落地完成的 APK 执行的处理函数
type APKHandler func(ctx context.Context, apkPath string) error

// FileWatcher 监控入站目录，新落地的 APK 交给 handler
// 大文件复制会触发一串 Create/Write 事件，用防抖加大小稳定检查对齐到写入完成
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	handler  APKHandler
	logger   *logrus.Logger
	debounce time.Duration

	mu         sync.Mutex
	processing map[string]bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher 创建入站目录监控器
func NewFileWatcher(watchDir string, handler APKHandler, logger *logrus.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		handler:    handler,
		logger:     logger,
		debounce:   2 * time.Second,
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}

	logger.WithField("watch_dir", watchDir).Info("File watcher created")
	return fw, nil
}

// Start 启动监控：先处理启动前已落地的 APK，再进入事件循环
// 重复提交由运行历史的时间窗口去重兜底
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.logger.Info("Starting file watcher")

	if err := fw.scanExisting(ctx); err != nil {
		fw.logger.WithError(err).Warn("Failed to scan existing files")
	}

	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started")
	return nil
}

// scanExisting 处理启动前就已经在目录里的 APK
func (fw *FileWatcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isAPK(entry.Name()) {
			continue
		}
		path := filepath.Join(fw.watchDir, entry.Name())
		fw.logger.WithField("file", entry.Name()).Info("Found existing APK")
		go fw.handleFile(ctx, path)
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	debounceTimer := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("File watcher context done")
			return
		case <-fw.stopChan:
			fw.logger.Info("File watcher stopped")
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isAPK(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")

			// 防抖：同一文件短时间内多次触发只处理一次
			if timer, exists := debounceTimer[event.Name]; exists {
				timer.Stop()
			}
			name := event.Name
			debounceTimer[name] = time.AfterFunc(fw.debounce, func() {
				fw.handleFile(ctx, name)
			})

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (fw *FileWatcher) handleFile(ctx context.Context, path string) {
	fw.mu.Lock()
	if fw.processing[path] {
		fw.mu.Unlock()
		fw.logger.WithField("file", path).Debug("File is already being processed")
		return
	}
	fw.processing[path] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, path)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Error("File not ready")
		return
	}

	fw.logger.WithField("file", path).Info("Dispatching APK")
	if err := fw.handler(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Error("Failed to process APK")
	}
}

// waitForFileReady 文件大小连续两次采样一致视为写入完成
func (fw *FileWatcher) waitForFileReady(path string) error {
	const maxAttempts = 10
	for i := 0; i < maxAttempts; i++ {
		info1, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		time.Sleep(500 * time.Millisecond)

		info2, err := os.Stat(path)
		if err != nil {
			return err
		}

		if info1.Size() == info2.Size() && info1.Size() > 0 {
			return nil
		}
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

func isAPK(fileName string) bool {
	return strings.HasSuffix(strings.ToLower(fileName), ".apk")
}

// Stop 停止监控，幂等
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		err = fw.watcher.Close()
	})
	return err
}

// WatchDir 监控目录
func (fw *FileWatcher) WatchDir() string {
	return fw.watchDir
}
