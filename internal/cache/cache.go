package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/mret-tools/apk-patcher-go/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

const (
	artifactName = "frida-gadget.so"
	markerSuffix = ".sha256"
)

// Cache gadget 二进制的本地内容寻址缓存，按 (version, arch) 键存储
// 多个独立 pipeline 运行可共享同一个 Cache，同键写入被串行化
type Cache struct {
	dir        string
	httpClient *http.Client
	retryCfg   *retry.Config
	logger     *logrus.Logger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New 创建缓存
func New(dir string, downloadTimeout time.Duration, logger *logrus.Logger) *Cache {
	return &Cache{
		dir: dir,
		httpClient: &http.Client{
			Timeout: downloadTimeout,
		},
		retryCfg: retry.DefaultConfig(logger),
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// lockKey 获取并锁定 (version, arch) 键的互斥锁，返回解锁函数
func (c *Cache) lockKey(key string) func() {
	c.mu.Lock()
	lock, ok := c.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.keyLocks[key] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (c *Cache) entryDir(version string, arch domain.Architecture) string {
	return filepath.Join(c.dir, version, string(arch))
}

// FetchOrDownload 返回 (version, arch) 的缓存产物；命中且完整性标记一致时不访问网络
// 未命中或校验失败时重新下载，写入临时路径后原子 rename，崩溃不会留下可见的损坏条目
func (c *Cache) FetchOrDownload(ctx context.Context, release *domain.GadgetRelease, arch domain.Architecture) (*domain.CachedArtifact, error) {
	key := release.Version + "/" + string(arch)
	unlock := c.lockKey(key)
	defer unlock()

	if artifact, ok := c.lookup(release.Version, arch); ok {
		c.logger.WithFields(logrus.Fields{
			"version": release.Version,
			"arch":    arch,
			"path":    artifact.Path,
		}).Info("Gadget cache hit")
		return artifact, nil
	}

	url, ok := release.URLFor(arch)
	if !ok {
		return nil, domain.NewPipelineError(domain.FailureParse, "",
			fmt.Errorf("release %s has no asset for %s", release.Version, arch))
	}

	c.logger.WithFields(logrus.Fields{
		"version": release.Version,
		"arch":    arch,
		"url":     url,
	}).Info("Gadget cache miss, downloading")

	return c.download(ctx, release.Version, arch, url)
}

// lookup 检查缓存条目，完整性标记与磁盘内容一致才算命中
// 校验失败的条目被丢弃（绝不静默返回损坏字节），按未命中处理
func (c *Cache) lookup(version string, arch domain.Architecture) (*domain.CachedArtifact, bool) {
	path := filepath.Join(c.entryDir(version, arch), artifactName)
	markerPath := path + markerSuffix

	marker, err := os.ReadFile(markerPath)
	if err != nil {
		return nil, false
	}

	digest, size, err := fileSHA256(path)
	if err != nil {
		return nil, false
	}

	if digest != strings.TrimSpace(string(marker)) {
		c.logger.WithFields(logrus.Fields{
			"version": version,
			"arch":    arch,
			"path":    path,
		}).Warn("Cached gadget failed integrity check, discarding entry")
		os.Remove(path)
		os.Remove(markerPath)
		return nil, false
	}

	return &domain.CachedArtifact{
		Version: version,
		Arch:    arch,
		Path:    path,
		Size:    size,
		SHA256:  digest,
	}, true
}

func (c *Cache) download(ctx context.Context, version string, arch domain.Architecture, url string) (*domain.CachedArtifact, error) {
	dir := c.entryDir(version, arch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	// 下载压缩包到独立临时路径，同键并发下载互不干扰
	xzPath, err := retry.DoWithResult(ctx, c.retryCfg, func(ctx context.Context) (string, error) {
		return c.fetchToTemp(ctx, dir, url)
	})
	if err != nil {
		if ft := domain.FailureTypeOf(err); ft != domain.FailureUnknown && ft != domain.FailureNone {
			return nil, err
		}
		return nil, domain.NewPipelineError(domain.FailureNetwork, "",
			fmt.Errorf("gadget download failed: %w", err))
	}
	defer os.Remove(xzPath)

	// 解压到临时 .so，边写边计算完整性标记
	tmpSo, err := os.CreateTemp(dir, "gadget-*.so.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpSoPath := tmpSo.Name()
	defer os.Remove(tmpSoPath)

	xzFile, err := os.Open(xzPath)
	if err != nil {
		tmpSo.Close()
		return nil, err
	}

	xzReader, err := xz.NewReader(xzFile)
	if err != nil {
		xzFile.Close()
		tmpSo.Close()
		return nil, domain.NewPipelineError(domain.FailureIntegrity, "",
			fmt.Errorf("downloaded gadget is not valid xz: %w", err))
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmpSo, hasher), xzReader)
	xzFile.Close()
	if cerr := tmpSo.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, domain.NewPipelineError(domain.FailureIntegrity, "",
			fmt.Errorf("gadget decompression failed: %w", err))
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	finalPath := filepath.Join(dir, artifactName)

	// 先产物后标记：读取端只有在标记就位且匹配时才视为命中
	if err := os.Rename(tmpSoPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to persist gadget: %w", err)
	}
	if err := writeMarkerAtomic(finalPath+markerSuffix, digest); err != nil {
		os.Remove(finalPath)
		return nil, fmt.Errorf("failed to persist integrity marker: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"version": version,
		"arch":    arch,
		"path":    finalPath,
		"size":    size,
		"sha256":  digest,
	}).Info("Gadget downloaded and cached")

	return &domain.CachedArtifact{
		Version: version,
		Arch:    arch,
		Path:    finalPath,
		Size:    size,
		SHA256:  digest,
	}, nil
}

func (c *Cache) fetchToTemp(ctx context.Context, dir, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("download unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", retry.Transient(fmt.Errorf("download returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, "gadget-*.so.xz.tmp")
	if err != nil {
		return "", err
	}

	_, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", retry.Transient(fmt.Errorf("download interrupted: %w", err))
	}

	return tmp.Name(), nil
}

func fileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func writeMarkerAtomic(path, digest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "marker-*.tmp")
	if err != nil {
		return err
	}

	_, err = tmp.WriteString(digest)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}
