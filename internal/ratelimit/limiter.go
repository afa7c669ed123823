// Package ratelimit 实现组织级固定窗口限流。
//
// 计数键为 (组织, 端点)，窗口按配置长度对齐到整点边界。
// 所有实现的检查与自增必须在数据层一次完成，
// 并发请求同一 key 时不得出现先读后写的竞态。
package ratelimit

import (
	"context"
	"time"

	"receiptflow/backend/internal/config"
)

// Decision 表示一次限流判定结果。
type Decision struct {
	Allowed     bool          // 本次请求是否放行
	Remaining   int           // 当前窗口剩余配额
	RetryAfter  time.Duration // 被拒绝时距窗口重置的时间
	WindowStart time.Time     // 当前窗口起点
}

// Limiter 组织级限流器。
// Allow 返回 error 仅表示数据层故障，限流拒绝通过 Decision.Allowed 表达。
type Limiter interface {
	Allow(ctx context.Context, orgID, endpoint string) (Decision, error)
}

// windowBounds 计算 now 所在的固定窗口边界。
func windowBounds(now time.Time, windowMinutes int) (start time.Time, end time.Time) {
	window := time.Duration(windowMinutes) * time.Minute
	start = now.UTC().Truncate(window)
	return start, start.Add(window)
}

// decide 根据自增后的计数生成判定结果。
func decide(count int, cfg *config.RateLimitConfig, now, start, end time.Time) Decision {
	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:     count <= cfg.MaxRequests,
		Remaining:   remaining,
		WindowStart: start,
	}
	if !d.Allowed {
		d.RetryAfter = end.Sub(now.UTC())
	}
	return d
}
