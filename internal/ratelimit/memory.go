package ratelimit

import (
	"context"
	"sync"
	"time"

	"receiptflow/backend/internal/config"
)

// MemoryLimiter 进程内限流器，适用于单实例部署与测试。
type MemoryLimiter struct {
	cfg *config.RateLimitConfig

	mu      sync.Mutex
	windows map[string]*memoryWindow

	// 可注入的时间源，便于测试窗口切换
	now func() time.Time
}

type memoryWindow struct {
	start time.Time
	count int
}

// NewMemoryLimiter 创建进程内限流器。
func NewMemoryLimiter(cfg *config.RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg,
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// Allow 原子地自增 (orgID, endpoint) 的窗口计数并判定是否放行。
func (l *MemoryLimiter) Allow(_ context.Context, orgID, endpoint string) (Decision, error) {
	now := l.now()
	start, end := windowBounds(now, l.cfg.WindowMinutes)
	key := orgID + ":" + endpoint

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		// 新窗口开始，旧计数直接丢弃
		w = &memoryWindow{start: start}
		l.windows[key] = w
	}
	w.count++
	count := w.count
	l.mu.Unlock()

	return decide(count, l.cfg, now, start, end), nil
}
