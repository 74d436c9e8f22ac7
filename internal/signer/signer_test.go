package signer

import (
	"context"
	"errors"
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
)

// fakeSigner 可编程的签名工具
type fakeSigner struct {
	name      string
	available bool
	signErr   error
	calls     int
}

func (f *fakeSigner) Name() string    { return f.name }
func (f *fakeSigner) Available() bool { return f.available }

func (f *fakeSigner) Sign(ctx context.Context, apkPath string, identity *KeystoreIdentity) error {
	f.calls++
	return f.signErr
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testIdentity(t *testing.T) *KeystoreIdentity {
	t.Helper()
	return &KeystoreIdentity{
		Path:      filepath.Join(t.TempDir(), "test.jks"),
		Alias:     "patcher",
		StorePass: "patcher123",
		KeyPass:   "patcher123",
	}
}

// TestChain_PrimaryUsedWhenHealthy 首选工具可用且成功时不触碰备选
func TestChain_PrimaryUsedWhenHealthy(t *testing.T) {
	primary := &fakeSigner{name: "apksigner", available: true}
	secondary := &fakeSigner{name: "jarsigner", available: true}
	chain := NewChain(primary, secondary, testLogger())

	used, err := chain.Sign(context.Background(), "/tmp/out.apk", testIdentity(t))
	require.NoError(t, err)
	assert.Equal(t, "apksigner", used)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, secondary.calls, "Secondary must not run when primary succeeds")
}

// TestChain_FallsBackExactlyOnce 首选失败时恰好降级一次，记录实际签名工具
func TestChain_FallsBackExactlyOnce(t *testing.T) {
	primary := &fakeSigner{name: "apksigner", available: true, signErr: errors.New("zipalign mismatch")}
	secondary := &fakeSigner{name: "jarsigner", available: true}
	chain := NewChain(primary, secondary, testLogger())

	used, err := chain.Sign(context.Background(), "/tmp/out.apk", testIdentity(t))
	require.NoError(t, err)
	assert.Equal(t, "jarsigner", used)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

// TestChain_SkipsUnavailablePrimary 首选不可用时直接用备选，不计一次降级失败
func TestChain_SkipsUnavailablePrimary(t *testing.T) {
	primary := &fakeSigner{name: "apksigner", available: false}
	secondary := &fakeSigner{name: "jarsigner", available: true}
	chain := NewChain(primary, secondary, testLogger())

	used, err := chain.Sign(context.Background(), "/tmp/out.apk", testIdentity(t))
	require.NoError(t, err)
	assert.Equal(t, "jarsigner", used)
	assert.Equal(t, 0, primary.calls)
}

// TestChain_NoToolAvailable 主备均不可用按 signing_tool_unavailable 上报
func TestChain_NoToolAvailable(t *testing.T) {
	chain := NewChain(
		&fakeSigner{name: "apksigner", available: false},
		&fakeSigner{name: "jarsigner", available: false},
		testLogger(),
	)

	_, err := chain.Sign(context.Background(), "/tmp/out.apk", testIdentity(t))
	require.Error(t, err)
	assert.Equal(t, domain.FailureSigningToolUnavailable, domain.FailureTypeOf(err))
}

// TestChain_AllSignersFail 可用工具全部失败按 signing 上报并保留末次诊断
func TestChain_AllSignersFail(t *testing.T) {
	primary := &fakeSigner{name: "apksigner", available: true, signErr: errors.New("primary boom")}
	secondary := &fakeSigner{name: "jarsigner", available: true, signErr: errors.New("secondary boom")}
	chain := NewChain(primary, secondary, testLogger())

	_, err := chain.Sign(context.Background(), "/tmp/out.apk", testIdentity(t))
	require.Error(t, err)
	assert.Equal(t, domain.FailureSigning, domain.FailureTypeOf(err))
	assert.Contains(t, err.Error(), "secondary boom")
}

// TestChain_CanceledContext 取消的上下文不再尝试签名
func TestChain_CanceledContext(t *testing.T) {
	primary := &fakeSigner{name: "apksigner", available: true}
	chain := NewChain(primary, &fakeSigner{name: "jarsigner", available: true}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := chain.Sign(ctx, "/tmp/out.apk", testIdentity(t))
	require.Error(t, err)
	assert.Equal(t, domain.FailureCanceled, domain.FailureTypeOf(err))
	assert.Equal(t, 0, primary.calls)
}

// slowSigner 记录同时在签的运行数，用于验证密钥库串行化
type slowSigner struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *slowSigner) Name() string    { return "apksigner" }
func (s *slowSigner) Available() bool { return true }

func (s *slowSigner) Sign(ctx context.Context, apkPath string, identity *KeystoreIdentity) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return nil
}

// TestChain_SerializesSharedKeystore 共享同一密钥库文件的并发签名必须串行
func TestChain_SerializesSharedKeystore(t *testing.T) {
	backend := &slowSigner{}
	chain := NewChain(backend, nil, testLogger())
	identity := &KeystoreIdentity{
		Path:      filepath.Join(t.TempDir(), "shared.jks"),
		Alias:     "patcher",
		StorePass: "patcher123",
		KeyPass:   "patcher123",
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := chain.Sign(context.Background(), "/tmp/out.apk", identity)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), backend.peak.Load(),
		"Concurrent runs sharing one keystore must sign one at a time")
}

// gatedSigner 进入签名后阻塞，直到测试放行
type gatedSigner struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSigner) Name() string    { return "apksigner" }
func (s *gatedSigner) Available() bool { return true }

func (s *gatedSigner) Sign(ctx context.Context, apkPath string, identity *KeystoreIdentity) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

// TestChain_IndependentKeystoresRunConcurrently 不同密钥库之间互不阻塞
func TestChain_IndependentKeystoresRunConcurrently(t *testing.T) {
	backend := &gatedSigner{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	chain := NewChain(backend, nil, testLogger())
	dir := t.TempDir()

	var wg sync.WaitGroup
	for _, name := range []string{"a.jks", "b.jks"} {
		wg.Add(1)
		path := filepath.Join(dir, name)
		go func() {
			defer wg.Done()
			_, err := chain.Sign(context.Background(), "/tmp/out.apk", &KeystoreIdentity{
				Path:      path,
				Alias:     "patcher",
				StorePass: "patcher123",
				KeyPass:   "patcher123",
			})
			assert.NoError(t, err)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-backend.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("signing with a separate keystore was blocked")
		}
	}
	close(backend.release)
	wg.Wait()
}

// TestKeystoreManager_ReusesExisting 已存在的密钥库直接复用，不调用外部工具
func TestKeystoreManager_ReusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.jks")
	require.NoError(t, os.WriteFile(path, []byte("jks placeholder"), 0o600))

	m := NewKeystoreManager(path, "custom", "secret1", "secret2", 30*time.Second, testLogger())
	identity, err := m.ObtainOrCreate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, path, identity.Path)
	assert.Equal(t, "custom", identity.Alias)
	assert.Equal(t, "secret1", identity.StorePass)
	assert.Equal(t, "secret2", identity.KeyPass)
	assert.False(t, identity.Generated)
}

// TestKeystoreManager_DefaultIdentity 空身份参数回落到研究默认值
func TestKeystoreManager_DefaultIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.jks")
	require.NoError(t, os.WriteFile(path, []byte("jks placeholder"), 0o600))

	m := NewKeystoreManager(path, "", "", "", 30*time.Second, testLogger())
	identity, err := m.ObtainOrCreate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, defaultAlias, identity.Alias)
	assert.Equal(t, defaultStorePass, identity.StorePass)
	assert.Equal(t, defaultKeyPass, identity.KeyPass)
}
