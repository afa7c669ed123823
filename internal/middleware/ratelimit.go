package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 空闲限速器的回收周期与存活时间。
const (
	ipLimiterSweepInterval = 5 * time.Minute
	ipLimiterIdleTTL       = 10 * time.Minute
)

// ipLimiterEntry 单个来源 IP 的令牌桶及其最近活跃时间。
type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 按来源 IP 的令牌桶限速器。
//
// 组织级限流在处理管线内按 (org, endpoint) 计数；这里只挡住
// 认证之前的洪水流量，两层互不替代。
type IPRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipLimiterEntry
	rps     rate.Limit
	burst   int
	log     *zap.Logger
}

// NewIPRateLimiter 创建 IP 限速器并启动空闲回收。
func NewIPRateLimiter(perSecond float64, burst int, log *zap.Logger) *IPRateLimiter {
	rl := &IPRateLimiter{
		entries: make(map[string]*ipLimiterEntry),
		rps:     rate.Limit(perSecond),
		burst:   burst,
		log:     log,
	}
	go rl.sweepLoop()
	return rl
}

// Allow 判断来源 IP 的本次请求是否放行。
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Handler 返回 gin 中间件。
func (rl *IPRateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !rl.Allow(ip) {
			rl.log.Warn("ip rate limit exceeded",
				zap.String("ip", ip),
				zap.String("path", c.Request.URL.Path),
			)
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// sweepLoop 周期性回收长时间不活跃的 IP 条目。
func (rl *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(ipLimiterSweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-ipLimiterIdleTTL)
		rl.mu.Lock()
		for ip, entry := range rl.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.entries, ip)
			}
		}
		rl.mu.Unlock()
	}
}
