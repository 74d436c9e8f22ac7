package signer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// 默认签名身份仅供本地研究使用，口令写死且随仓库文档公开
// 重打包产物无论如何都会破坏原始签名，这里只需要一个能通过安装校验的自签名身份
const (
	defaultAlias     = "patcher"
	defaultStorePass = "patcher123"
	defaultKeyPass   = "patcher123"
	keystoreDName    = "CN=APK Patcher, OU=Research, O=Local, C=US"
	keystoreValidity = "10000"
)

// KeystoreIdentity 一个可用的签名身份
type KeystoreIdentity struct {
	Path      string
	Alias     string
	StorePass string
	KeyPass   string
	Generated bool // 本次调用新生成（而非复用已有密钥库）
}

// KeystoreManager 定位或生成签名密钥库
// 同一路径的并发生成请求被串行化，密钥库生成后在多次运行间复用
type KeystoreManager struct {
	path      string
	alias     string
	storePass string
	keyPass   string
	timeout   time.Duration
	logger    *logrus.Logger

	mu sync.Mutex
}

// NewKeystoreManager 创建密钥库管理器，空的身份参数回落到研究默认值
func NewKeystoreManager(path, alias, storePass, keyPass string, timeout time.Duration, logger *logrus.Logger) *KeystoreManager {
	if alias == "" {
		alias = defaultAlias
	}
	if storePass == "" {
		storePass = defaultStorePass
	}
	if keyPass == "" {
		keyPass = defaultKeyPass
	}
	return &KeystoreManager{
		path:      path,
		alias:     alias,
		storePass: storePass,
		keyPass:   keyPass,
		timeout:   timeout,
		logger:    logger,
	}
}

// ObtainOrCreate 返回可用身份；密钥库不存在时用 keytool 生成
func (m *KeystoreManager) ObtainOrCreate(ctx context.Context) (*KeystoreIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity := &KeystoreIdentity{
		Path:      m.path,
		Alias:     m.alias,
		StorePass: m.storePass,
		KeyPass:   m.keyPass,
	}

	if _, err := os.Stat(m.path); err == nil {
		m.logger.WithField("keystore", m.path).Debug("Reusing existing keystore")
		return identity, nil
	}

	if _, err := exec.LookPath("keytool"); err != nil {
		return nil, domain.NewPipelineError(domain.FailureKeystore, "",
			fmt.Errorf("keytool not found in PATH: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, domain.NewPipelineError(domain.FailureKeystore, "", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.logger.WithFields(logrus.Fields{
		"keystore": m.path,
		"alias":    m.alias,
	}).Warn("Generating research keystore with publicly documented credentials, do not use for release signing")

	cmd := exec.CommandContext(ctx, "keytool",
		"-genkeypair",
		"-keystore", m.path,
		"-alias", m.alias,
		"-storepass", m.storePass,
		"-keypass", m.keyPass,
		"-keyalg", "RSA",
		"-keysize", "2048",
		"-validity", keystoreValidity,
		"-dname", keystoreDName,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// 半成品密钥库不可留存，否则下次运行会把它当可用身份
		os.Remove(m.path)
		return nil, domain.NewPipelineError(domain.FailureKeystore, "",
			fmt.Errorf("keytool -genkeypair failed: %w, output: %s", err, string(output)))
	}

	identity.Generated = true
	m.logger.WithField("keystore", m.path).Info("Keystore generated")
	return identity, nil
}
