package ratelimit

import (
	"context"
	"fmt"
	"time"

	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/domain"
)

// WindowStore 由 SQL 存储实现，单条 upsert 完成检查与自增。
// 过期窗口行不参与判定，由 PurgeWindowsBefore 周期性清理。
type WindowStore interface {
	IncrementWindow(ctx context.Context, window *domain.RateLimitWindow) (int, error)
	PurgeWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLLimiter 基于数据库 upsert 的限流器。
// 唯一索引 (org_id, endpoint, window_start) 保证并发自增不丢计数。
type SQLLimiter struct {
	store WindowStore
	cfg   *config.RateLimitConfig
	now   func() time.Time
}

// NewSQLLimiter 创建数据库限流器。
func NewSQLLimiter(store WindowStore, cfg *config.RateLimitConfig) *SQLLimiter {
	return &SQLLimiter{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Allow 以单条 upsert 自增窗口计数并判定是否放行。
func (l *SQLLimiter) Allow(ctx context.Context, orgID, endpoint string) (Decision, error) {
	now := l.now()
	start, end := windowBounds(now, l.cfg.WindowMinutes)

	count, err := l.store.IncrementWindow(ctx, &domain.RateLimitWindow{
		OrgID:         orgID,
		Endpoint:      endpoint,
		WindowStart:   start,
		Count:         1,
		MaxRequests:   l.cfg.MaxRequests,
		WindowMinutes: l.cfg.WindowMinutes,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit upsert: %w", err)
	}

	return decide(count, l.cfg, now, start, end), nil
}
