package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// Decompiler 反编译/重打包能力接口，测试中可替换为 fake
type Decompiler interface {
	Decompile(ctx context.Context, apkPath, outDir string) error
	Rebuild(ctx context.Context, dir, outApk string) error
}

// Workspace 持有一个 APK 反编译中间产物的 scratch 目录
// 目录归本 Workspace 独占；除显式保留外，任何退出路径上都保证被移除
type Workspace struct {
	apkPath string
	dir     string
	tool    Decompiler
	logger  *logrus.Logger

	mu          sync.Mutex
	decompiled  bool
	rebuiltPath string
	retain      bool
	disposed    bool
}

// New 为一个源 APK 创建工作区
// scratch 目录名由源 APK 决定，上次失败运行的残留目录会在 Decompile 时被清除
func New(scratchRoot, apkPath string, tool Decompiler, logger *logrus.Logger) (*Workspace, error) {
	if _, err := os.Stat(apkPath); err != nil {
		return nil, fmt.Errorf("source apk not accessible: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(apkPath), filepath.Ext(apkPath))
	return &Workspace{
		apkPath: apkPath,
		dir:     filepath.Join(scratchRoot, stem+"_working"),
		tool:    tool,
		logger:  logger,
	}, nil
}

// Dir scratch 目录路径
func (w *Workspace) Dir() string {
	return w.dir
}

// Decompiled 反编译状态
func (w *Workspace) Decompiled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.decompiled
}

// Decompile 反编译源 APK 到 scratch 目录
// 先移除同一源 APK 上次失败运行的残留目录，保证反编译状态总是从当前源字节新鲜推导
func (w *Workspace) Decompile(ctx context.Context) error {
	if err := os.RemoveAll(w.dir); err != nil {
		return domain.NewPipelineError(domain.FailureDecompile, "",
			fmt.Errorf("failed to remove stale scratch dir: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(w.dir), 0o755); err != nil {
		return domain.NewPipelineError(domain.FailureDecompile, "", err)
	}

	if err := w.tool.Decompile(ctx, w.apkPath, w.dir); err != nil {
		return domain.NewPipelineError(domain.FailureDecompile, "", err)
	}

	// 后置条件：反编译产物必须带 manifest，否则后续无法定位入口点
	manifest := filepath.Join(w.dir, "AndroidManifest.xml")
	if _, err := os.Stat(manifest); err != nil {
		return domain.NewPipelineError(domain.FailureDecompile, "",
			fmt.Errorf("decompiled output has no AndroidManifest.xml: %w", err))
	}

	w.mu.Lock()
	w.decompiled = true
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"apk": w.apkPath,
		"dir": w.dir,
	}).Info("APK decompiled")
	return nil
}

// Rebuild 将（已变异的）scratch 目录重打包为 APK
// 反编译状态未就绪时快速失败，不尝试部分修复
func (w *Workspace) Rebuild(ctx context.Context, outPath string) (string, error) {
	if !w.Decompiled() {
		return "", domain.NewPipelineError(domain.FailureRebuild, "",
			fmt.Errorf("workspace for %s is not decompiled", w.apkPath))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", domain.NewPipelineError(domain.FailureRebuild, "", err)
	}

	if err := w.tool.Rebuild(ctx, w.dir, outPath); err != nil {
		return "", domain.NewPipelineError(domain.FailureRebuild, "", err)
	}

	// 后置条件：产物存在且非空
	info, err := os.Stat(outPath)
	if err != nil {
		return "", domain.NewPipelineError(domain.FailureRebuild,
			"", fmt.Errorf("rebuilt apk missing: %w", err))
	}
	if info.Size() == 0 {
		return "", domain.NewPipelineError(domain.FailureRebuild,
			"", fmt.Errorf("rebuilt apk is empty: %s", outPath))
	}

	w.mu.Lock()
	w.rebuiltPath = outPath
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"out_apk": outPath,
		"size":    info.Size(),
	}).Info("APK rebuilt")
	return outPath, nil
}

// Retain 标记保留 scratch 目录（事后排查用），必须在 Dispose 之前调用
func (w *Workspace) Retain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retain = true
}

// Retained 是否被标记为保留
func (w *Workspace) Retained() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retain
}

// Dispose 释放工作区，幂等
// 除非显式保留，scratch 目录在成功、失败、取消的所有退出路径上都被移除
func (w *Workspace) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	retain := w.retain
	w.mu.Unlock()

	if retain {
		w.logger.WithField("dir", w.dir).Warn("Workspace retained for inspection, not removing")
		return
	}

	if err := os.RemoveAll(w.dir); err != nil {
		w.logger.WithError(err).WithField("dir", w.dir).Error("Failed to remove workspace dir")
		return
	}
	w.logger.WithField("dir", w.dir).Debug("Workspace removed")
}
