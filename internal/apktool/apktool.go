package apktool

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// Tool apktool 反编译/重打包后端
// 工具本身是不透明的外部进程，这里只负责调用并把诊断输出带回错误
type Tool struct {
	path             string
	decompileTimeout time.Duration
	rebuildTimeout   time.Duration
	logger           *logrus.Logger
}

// New 创建 apktool 后端
func New(path string, decompileTimeout, rebuildTimeout time.Duration, logger *logrus.Logger) *Tool {
	if path == "" {
		path = "apktool"
	}
	return &Tool{
		path:             path,
		decompileTimeout: decompileTimeout,
		rebuildTimeout:   rebuildTimeout,
		logger:           logger,
	}
}

// Available 检查 apktool 是否在 PATH 中
func (t *Tool) Available() bool {
	_, err := exec.LookPath(t.path)
	return err == nil
}

// Decompile apktool d -f <apk> -o <outDir>
func (t *Tool) Decompile(ctx context.Context, apkPath, outDir string) error {
	ctx, cancel := context.WithTimeout(ctx, t.decompileTimeout)
	defer cancel()

	t.logger.WithFields(logrus.Fields{
		"apk":     apkPath,
		"out_dir": outDir,
	}).Info("Decompiling APK")

	cmd := exec.CommandContext(ctx, t.path, "d", "-f", apkPath, "-o", outDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apktool d failed: %w, output: %s", err, string(output))
	}
	return nil
}

// Rebuild apktool b <dir> -o <outApk>
func (t *Tool) Rebuild(ctx context.Context, dir, outApk string) error {
	ctx, cancel := context.WithTimeout(ctx, t.rebuildTimeout)
	defer cancel()

	t.logger.WithFields(logrus.Fields{
		"dir":     dir,
		"out_apk": outApk,
	}).Info("Rebuilding APK")

	cmd := exec.CommandContext(ctx, t.path, "b", dir, "-o", outApk)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apktool b failed: %w, output: %s", err, string(output))
	}
	return nil
}
