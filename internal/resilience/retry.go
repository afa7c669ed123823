// Package resilience 提供下游调用的重试与熔断保护。
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"receiptflow/backend/internal/config"
)

// RetryExhaustedError 表示所有尝试均失败。
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// TransientError 包装可重试的临时性错误。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient 标记错误为可重试。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// StatusError 携带下游 HTTP 状态码的错误。
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Jitter 为退避时间产生抖动，可注入以便测试。
type Jitter func(delay time.Duration) time.Duration

// DefaultJitter 在退避时间上附加至多 10% 的随机抖动。
func DefaultJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/10+1))
}

// NoJitter 不附加抖动，测试中使用。
func NoJitter(delay time.Duration) time.Duration { return delay }

// RetryCondition 判断错误是否值得重试。
type RetryCondition func(err error) bool

// DefaultRetryCondition 对网络超时与显式标记的临时性错误重试。
func DefaultRetryCondition(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// 服务端错误与限流响应值得重试，客户端错误不值得
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == 429
	}
	return false
}

// Executor 执行带指数退避的重试。
type Executor struct {
	cfg       *config.RetryConfig
	log       *zap.Logger
	jitter    Jitter
	condition RetryCondition
	onRetry   func(attempt int, err error)
}

// NewExecutor 创建重试执行器。
func NewExecutor(cfg *config.RetryConfig, log *zap.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		log:       log,
		jitter:    DefaultJitter,
		condition: DefaultRetryCondition,
	}
}

// WithJitter 替换抖动函数。
func (e *Executor) WithJitter(jitter Jitter) *Executor {
	e.jitter = jitter
	return e
}

// WithCondition 替换重试判定。
func (e *Executor) WithCondition(condition RetryCondition) *Executor {
	e.condition = condition
	return e
}

// WithOnRetry 设置每次重试前的回调。
func (e *Executor) WithOnRetry(fn func(attempt int, err error)) *Executor {
	e.onRetry = fn
	return e
}

// Do 执行 operation，失败且可重试时按指数退避重试。
// 上下文取消会立即中断退避等待。
func (e *Executor) Do(ctx context.Context, name string, operation func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}

		if !e.condition(lastErr) {
			return lastErr
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		e.log.Warn("operation failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if e.onRetry != nil {
			e.onRetry(attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &RetryExhaustedError{Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

// backoff 计算第 attempt 次失败后的等待时间。
// 上限在附加抖动之后生效，实际等待不超过 MaxDelay。
func (e *Executor) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(e.cfg.BaseDelay) * math.Pow(e.cfg.BackoffFactor, float64(attempt-1)))
	delay = e.jitter(delay)
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	return delay
}
