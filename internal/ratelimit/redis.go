package ratelimit

import (
	"context"
	"fmt"
	"time"

	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/storage/redis"
)

// RedisLimiter 基于 Redis INCR 的分布式限流器。
// INCR 在 Redis 侧是单命令原子操作，多实例共享同一计数。
type RedisLimiter struct {
	client *redis.Client
	cfg    *config.RateLimitConfig
	now    func() time.Time
}

// NewRedisLimiter 创建 Redis 限流器。
func NewRedisLimiter(client *redis.Client, cfg *config.RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Allow 自增窗口计数并判定是否放行。
// 键按窗口起点编码，窗口切换后旧键随 TTL 过期。
func (l *RedisLimiter) Allow(ctx context.Context, orgID, endpoint string) (Decision, error) {
	now := l.now()
	start, end := windowBounds(now, l.cfg.WindowMinutes)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", orgID, endpoint, start.Unix())

	// TTL 略长于窗口，保证窗口尾部的查询仍能命中
	ttl := end.Sub(now) + time.Minute
	count, err := l.client.IncrWithWindow(ctx, key, ttl)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}

	return decide(int(count), l.cfg, now, start, end), nil
}
