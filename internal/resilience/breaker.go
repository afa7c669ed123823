package resilience

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"receiptflow/backend/internal/config"
)

// ErrCircuitOpen 表示熔断器处于打开状态，调用被直接拒绝。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// 熔断器状态。
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

type breakerEntry struct {
	state        string
	failures     int
	openedAt     time.Time
	halfOpenBusy bool
}

// Breaker 按 key 维护独立的熔断器。
// 连续失败达到阈值后打开，冷却期过后进入半开状态放行单次探测，
// 探测成功关闭，失败则重新打开。
type Breaker struct {
	cfg *config.RetryConfig
	log *zap.Logger

	mu      sync.Mutex
	entries map[string]*breakerEntry

	now          func() time.Time
	onTransition func(key, state string)
}

// NewBreaker 创建熔断器。
func NewBreaker(cfg *config.RetryConfig, log *zap.Logger) *Breaker {
	return &Breaker{
		cfg:     cfg,
		log:     log,
		entries: make(map[string]*breakerEntry),
		now:     time.Now,
	}
}

// WithOnTransition 设置状态切换回调，用于上报指标。
func (b *Breaker) WithOnTransition(fn func(key, state string)) *Breaker {
	b.onTransition = fn
	return b
}

// Allow 判断 key 的调用是否放行。
// 返回 ErrCircuitOpen 时调用方不应执行下游操作。
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entry(key)
	switch entry.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(entry.openedAt) >= b.cfg.BreakerCooldown {
			b.transition(key, entry, StateHalfOpen)
			entry.halfOpenBusy = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		// 半开状态只放行一个探测请求
		if entry.halfOpenBusy {
			return ErrCircuitOpen
		}
		entry.halfOpenBusy = true
		return nil
	}
	return nil
}

// RecordSuccess 记录 key 的一次成功调用。
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entry(key)
	entry.failures = 0
	entry.halfOpenBusy = false
	if entry.state != StateClosed {
		b.transition(key, entry, StateClosed)
	}
}

// RecordFailure 记录 key 的一次失败调用。
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.entry(key)
	entry.halfOpenBusy = false

	if entry.state == StateHalfOpen {
		// 探测失败，重新打开并重置冷却
		entry.openedAt = b.now()
		b.transition(key, entry, StateOpen)
		return
	}

	entry.failures++
	if entry.failures >= b.cfg.BreakerThreshold && entry.state == StateClosed {
		entry.openedAt = b.now()
		b.transition(key, entry, StateOpen)
	}
}

// State 返回 key 的当前状态。
func (b *Breaker) State(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(key).state
}

func (b *Breaker) entry(key string) *breakerEntry {
	entry, ok := b.entries[key]
	if !ok {
		entry = &breakerEntry{state: StateClosed}
		b.entries[key] = entry
	}
	return entry
}

func (b *Breaker) transition(key string, entry *breakerEntry, state string) {
	entry.state = state
	b.log.Info("circuit breaker state changed",
		zap.String("key", key),
		zap.String("state", state),
	)
	if b.onTransition != nil {
		b.onTransition(key, state)
	}
}
