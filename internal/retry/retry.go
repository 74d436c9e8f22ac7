package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Config 重试配置
// 管道内网络操作的唯一重试入口：默认只允许一次瞬时网络重试（共 2 次尝试）
type Config struct {
	MaxAttempts     int           // 最大尝试次数（含首次）
	InitialInterval time.Duration // 首次重试前的等待
	MaxInterval     time.Duration // 退避上限
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置：一次瞬时重试，指数退避，有界
func DefaultConfig(logger *logrus.Logger) *Config {
	if logger == nil {
		logger = logrus.New()
	}
	return &Config{
		MaxAttempts:     2,
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		Logger:          logger,
	}
}

// TransientError 标记为瞬时（可重试）的错误
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient 将错误标记为瞬时错误
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient 判断错误是否值得重试
// 显式标记的瞬时错误和网络层超时可重试；上下文取消/超时不重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}

	return false
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带瞬时重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig(nil)
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				config.Logger.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}

		if attempt >= config.MaxAttempts {
			break
		}

		config.Logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     config.MaxAttempts,
			"wait":    interval,
			"error":   err.Error(),
		}).Warn("Transient failure, will retry")

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(interval):
		}

		interval *= 2
		if interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// DoWithResult 执行带瞬时重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
