package signer

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// signLocks 按密钥库路径串行化签名
// 批量模式下多个运行共享同一密钥库文件，签名工具不能并发打开同一个库
var signLocks sync.Map

func lockKeystore(path string) func() {
	mu, _ := signLocks.LoadOrStore(path, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

// Signer 一个具体的 APK 签名工具
type Signer interface {
	Name() string
	Available() bool
	Sign(ctx context.Context, apkPath string, identity *KeystoreIdentity) error
}

// ApkSigner 首选签名工具（v2/v3 签名方案）
type ApkSigner struct {
	path    string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewApkSigner 创建 apksigner 后端
func NewApkSigner(timeout time.Duration, logger *logrus.Logger) *ApkSigner {
	return &ApkSigner{path: "apksigner", timeout: timeout, logger: logger}
}

func (s *ApkSigner) Name() string {
	return "apksigner"
}

func (s *ApkSigner) Available() bool {
	_, err := exec.LookPath(s.path)
	return err == nil
}

func (s *ApkSigner) Sign(ctx context.Context, apkPath string, identity *KeystoreIdentity) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.path, "sign",
		"--ks", identity.Path,
		"--ks-key-alias", identity.Alias,
		"--ks-pass", "pass:"+identity.StorePass,
		"--key-pass", "pass:"+identity.KeyPass,
		apkPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apksigner sign failed: %w, output: %s", err, string(output))
	}
	return nil
}

// JarSigner 降级签名工具（v1 签名方案，老设备兼容）
type JarSigner struct {
	path    string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewJarSigner 创建 jarsigner 后端
func NewJarSigner(timeout time.Duration, logger *logrus.Logger) *JarSigner {
	return &JarSigner{path: "jarsigner", timeout: timeout, logger: logger}
}

func (s *JarSigner) Name() string {
	return "jarsigner"
}

func (s *JarSigner) Available() bool {
	_, err := exec.LookPath(s.path)
	return err == nil
}

func (s *JarSigner) Sign(ctx context.Context, apkPath string, identity *KeystoreIdentity) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.path,
		"-keystore", identity.Path,
		"-storepass", identity.StorePass,
		"-keypass", identity.KeyPass,
		"-sigalg", "SHA256withRSA",
		"-digestalg", "SHA-256",
		apkPath, identity.Alias,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("jarsigner failed: %w, output: %s", err, string(output))
	}
	return nil
}

// Chain 主备签名链：首选工具失败时恰好降级一次
type Chain struct {
	primary   Signer
	secondary Signer
	logger    *logrus.Logger
}

// NewChain 创建签名链
func NewChain(primary, secondary Signer, logger *logrus.Logger) *Chain {
	return &Chain{primary: primary, secondary: secondary, logger: logger}
}

// Sign 对 APK 签名，返回实际完成签名的工具名
// 主备均不可用时按 signing_tool_unavailable 上报，可用工具全部失败时按 signing 上报
func (c *Chain) Sign(ctx context.Context, apkPath string, identity *KeystoreIdentity) (string, error) {
	var candidates []Signer
	for _, s := range []Signer{c.primary, c.secondary} {
		if s != nil && s.Available() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", domain.NewPipelineError(domain.FailureSigningToolUnavailable, "",
			fmt.Errorf("neither %s nor %s is available in PATH", c.primary.Name(), c.secondary.Name()))
	}

	unlock := lockKeystore(identity.Path)
	defer unlock()

	var lastErr error
	for i, s := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		c.logger.WithFields(logrus.Fields{
			"signer": s.Name(),
			"apk":    apkPath,
		}).Info("Signing APK")

		if err := s.Sign(ctx, apkPath, identity); err != nil {
			lastErr = err
			if i == 0 && len(candidates) > 1 {
				c.logger.WithError(err).WithField("signer", s.Name()).
					Warn("Primary signer failed, falling back")
			}
			continue
		}
		return s.Name(), nil
	}

	return "", domain.NewPipelineError(domain.FailureSigning, "",
		fmt.Errorf("all available signers failed: %w", lastErr))
}
