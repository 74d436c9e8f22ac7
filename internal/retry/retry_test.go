package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testConfig() *Config {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &Config{
		MaxAttempts:     2,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Logger:          logger,
	}
}

// TestDo_Success 测试第一次就成功的情况
func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts, "Should succeed on first attempt")
}

// TestDo_TransientRetriedOnce 测试瞬时错误恰好重试一次
func TestDo_TransientRetriedOnce(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

// TestDo_TransientBounded 测试瞬时错误的重试是有界的
func TestDo_TransientBounded(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func(ctx context.Context) error {
		attempts++
		return Transient(errors.New("still down"))
	})

	assert.Error(t, err)
	assert.Equal(t, 2, attempts, "Exactly one retry, never more")
	assert.Contains(t, err.Error(), "max attempts")
}

// TestDo_NonTransientNotRetried 测试非瞬时错误不重试
func TestDo_NonTransientNotRetried(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func(ctx context.Context) error {
		attempts++
		return errors.New("parse error")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "Non-transient errors must surface immediately")
}

// TestDo_ContextCanceled 测试上下文取消立即终止重试
func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, testConfig(), func(ctx context.Context) error {
		attempts++
		return Transient(errors.New("x"))
	})

	assert.Error(t, err)
	assert.Equal(t, 0, attempts)
}

// TestIsTransient_CanceledNotTransient 取消与超时不可重试
func TestIsTransient_CanceledNotTransient(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(Transient(errors.New("x"))))
}

// TestDoWithResult 测试带返回值的重试
func TestDoWithResult(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), testConfig(), func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", Transient(errors.New("flaky"))
		}
		return "16.6.8", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "16.6.8", got)
}
