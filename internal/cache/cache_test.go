package cache

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

var gadgetBytes = []byte("\x7fELF fake gadget binary payload for tests")

// xzCompress 构造 .so.xz 测试载荷
func xzCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newTestCache(t *testing.T) (*Cache, *int32, *httptest.Server) {
	t.Helper()

	var downloads int32
	payload := xzCompress(t, gadgetBytes)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&downloads, 1)
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	c := New(t.TempDir(), 10*time.Second, logger)
	c.retryCfg.InitialInterval = 10 * time.Millisecond
	return c, &downloads, srv
}

func testRelease(url string) *domain.GadgetRelease {
	urls := make(map[domain.Architecture]string)
	for _, arch := range domain.AllArchitectures() {
		urls[arch] = url
	}
	return &domain.GadgetRelease{Version: "16.6.8", AssetURLs: urls}
}

// TestFetchOrDownload_Idempotent 连续两次调用返回相同内容且至多一次网络下载
func TestFetchOrDownload_Idempotent(t *testing.T) {
	c, downloads, srv := newTestCache(t)
	rel := testRelease(srv.URL)
	ctx := context.Background()

	first, err := c.FetchOrDownload(ctx, rel, domain.ArchARM64)
	require.NoError(t, err)
	second, err := c.FetchOrDownload(ctx, rel, domain.ArchARM64)
	require.NoError(t, err)

	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, int32(1), atomic.LoadInt32(downloads), "Cache hit must not touch the network")

	content, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, gadgetBytes, content)
}

// TestFetchOrDownload_CorruptEntryRedownloaded 损坏条目被丢弃并重新下载，绝不返回损坏字节
func TestFetchOrDownload_CorruptEntryRedownloaded(t *testing.T) {
	c, downloads, srv := newTestCache(t)
	rel := testRelease(srv.URL)
	ctx := context.Background()

	first, err := c.FetchOrDownload(ctx, rel, domain.ArchARM64)
	require.NoError(t, err)

	// 篡改缓存产物，标记不再匹配
	require.NoError(t, os.WriteFile(first.Path, []byte("corrupted"), 0o644))

	second, err := c.FetchOrDownload(ctx, rel, domain.ArchARM64)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(downloads), "Corrupt entry must trigger re-download")

	content, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, gadgetBytes, content)
	assert.Equal(t, first.SHA256, second.SHA256)
}

// TestFetchOrDownload_ConcurrentSameKey 同键并发请求只产生一次下载和一个良构产物
func TestFetchOrDownload_ConcurrentSameKey(t *testing.T) {
	c, downloads, srv := newTestCache(t)
	rel := testRelease(srv.URL)

	const callers = 8
	results := make([]*domain.CachedArtifact, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.FetchOrDownload(context.Background(), rel, domain.ArchARM64)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].SHA256, results[i].SHA256)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(downloads), "Writers must be linearized per key")
}

// TestFetchOrDownload_DifferentArchDistinctEntries 不同架构各占独立条目，互不串用
func TestFetchOrDownload_DifferentArchDistinctEntries(t *testing.T) {
	c, _, srv := newTestCache(t)
	rel := testRelease(srv.URL)
	ctx := context.Background()

	arm, err := c.FetchOrDownload(ctx, rel, domain.ArchARM64)
	require.NoError(t, err)
	x86, err := c.FetchOrDownload(ctx, rel, domain.ArchX86)
	require.NoError(t, err)

	assert.NotEqual(t, arm.Path, x86.Path)
	assert.Equal(t, domain.ArchARM64, arm.Arch)
	assert.Equal(t, domain.ArchX86, x86.Arch)
}

// TestFetchOrDownload_BadXZIsIntegrityError 非法压缩数据按完整性失败上报，不产生缓存条目
func TestFetchOrDownload_BadXZIsIntegrityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("definitely not xz"))
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	dir := t.TempDir()
	c := New(dir, 10*time.Second, logger)

	_, err := c.FetchOrDownload(context.Background(), testRelease(srv.URL), domain.ArchARM64)
	require.Error(t, err)
	assert.Equal(t, domain.FailureIntegrity, domain.FailureTypeOf(err))

	_, statErr := os.Stat(filepath.Join(dir, "16.6.8", "arm64", artifactName))
	assert.True(t, os.IsNotExist(statErr), "No corrupt entry may become visible")
}

// TestFetchOrDownload_NotFoundIsNetworkError 下载 404 不重试，按 network 失败上报
func TestFetchOrDownload_NotFoundIsNetworkError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	c := New(t.TempDir(), 10*time.Second, logger)

	_, err := c.FetchOrDownload(context.Background(), testRelease(srv.URL), domain.ArchARM64)
	require.Error(t, err)
	assert.Equal(t, domain.FailureNetwork, domain.FailureTypeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
