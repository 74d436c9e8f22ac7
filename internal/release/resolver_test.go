package release

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mret-tools/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func feedJSON(version string, arches []string) string {
	assets := ""
	for i, suffix := range arches {
		if i > 0 {
			assets += ","
		}
		name := fmt.Sprintf("frida-gadget-%s-%s.so.xz", version, suffix)
		assets += fmt.Sprintf(`{"name":%q,"browser_download_url":"https://dl.example/%s"}`, name, name)
	}
	return fmt.Sprintf(`{"tag_name":"v%s","assets":[%s]}`, version, assets)
}

var allSuffixes = []string{"android-arm64", "android-arm", "android-x86", "android-x86_64"}

// TestResolve_Success 测试完整发布解析
func TestResolve_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedJSON("16.6.8", allSuffixes))
	}))
	defer srv.Close()

	resolver := NewResolver(srv.URL, 5*time.Second, testLogger())
	rel, err := resolver.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "16.6.8", rel.Version)
	assert.Len(t, rel.AssetURLs, 4)

	url, ok := rel.URLFor(domain.ArchARM64)
	assert.True(t, ok)
	assert.Contains(t, url, "android-arm64")
}

// TestResolve_MissingArchIsParseError 缺少任一架构条目必须是 parse 失败，绝不降级
func TestResolve_MissingArchIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 缺少 x86_64
		fmt.Fprint(w, feedJSON("16.6.8", []string{"android-arm64", "android-arm", "android-x86"}))
	}))
	defer srv.Close()

	resolver := NewResolver(srv.URL, 5*time.Second, testLogger())
	rel, err := resolver.Resolve(context.Background())

	assert.Nil(t, rel)
	require.Error(t, err)
	assert.Equal(t, domain.FailureParse, domain.FailureTypeOf(err))
	assert.Contains(t, err.Error(), "x86_64")
}

// TestResolve_TransientRetriedOnce 5xx 后恢复应成功，且恰好两次请求
func TestResolve_TransientRetriedOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, feedJSON("16.6.8", allSuffixes))
	}))
	defer srv.Close()

	resolver := NewResolver(srv.URL, 5*time.Second, testLogger())
	resolver.retryCfg.InitialInterval = 10 * time.Millisecond

	rel, err := resolver.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "16.6.8", rel.Version)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// TestResolve_PersistentFailureIsNetworkError 持续 5xx 只允许一次重试后上报 network 失败
func TestResolve_PersistentFailureIsNetworkError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resolver := NewResolver(srv.URL, 5*time.Second, testLogger())
	resolver.retryCfg.InitialInterval = 10 * time.Millisecond

	_, err := resolver.Resolve(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.FailureNetwork, domain.FailureTypeOf(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "Exactly one transient retry")
}

// TestResolve_MalformedBody 非 JSON 响应是 parse 失败且不重试
func TestResolve_MalformedBody(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	resolver := NewResolver(srv.URL, 5*time.Second, testLogger())
	_, err := resolver.Resolve(context.Background())

	require.Error(t, err)
	assert.Equal(t, domain.FailureParse, domain.FailureTypeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
