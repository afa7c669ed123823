// Package pool 管理下游资源的复用与后台任务的并发。
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/monitoring"
)

// 池降级告警的稳定 ID，恢复后自动解决。
const alertPoolDegraded = "pool_degraded"

// Resource 可被池化的资源。
type Resource interface {
	Close() error
}

// Factory 按 key 创建资源。
type Factory func(ctx context.Context, key string) (Resource, error)

// Handle 一次资源租借。
// 调用方用完必须 Release，降级句柄在 Release 时直接关闭。
type Handle struct {
	Key      string
	Resource Resource
	pooled   bool
}

// Pooled 返回句柄是否来自池内。
func (h *Handle) Pooled() bool { return h.pooled }

type poolEntry struct {
	resource Resource
	inUse    bool
	idle     bool
	lastUsed time.Time
}

// ResourcePool 按 key 复用下游资源的定容池。
// 池满时 Acquire 不失败，而是降级返回一次性资源，
// 同时触发告警，利用率回落后告警自动解决。
type ResourcePool struct {
	cfg     *config.PoolConfig
	factory Factory
	log     *zap.Logger
	metrics *monitoring.Metrics
	alerts  *monitoring.AlertManager

	mu      sync.Mutex
	entries map[string]*poolEntry

	// 巡检窗口内的资源创建失败计数，Sweep 时清零
	factoryErrors atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	now func() time.Time
}

// NewResourcePool 创建资源池。
func NewResourcePool(
	cfg *config.PoolConfig,
	factory Factory,
	log *zap.Logger,
	metrics *monitoring.Metrics,
	alerts *monitoring.AlertManager,
) *ResourcePool {
	return &ResourcePool{
		cfg:     cfg,
		factory: factory,
		log:     log,
		metrics: metrics,
		alerts:  alerts,
		entries: make(map[string]*poolEntry),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Acquire 按 key 取得资源。
// 命中已有条目时刷新其活跃时间。容量耗尽且 key 不在池内时
// 依次尝试恢复容量：先就地巡检清掉过期条目，仍满则回收一个
// 空闲条目；都腾不出容量才降级返回一次性资源，绝不因池满拒绝请求。
func (p *ResourcePool) Acquire(ctx context.Context, key string) (*Handle, error) {
	p.mu.Lock()

	if entry, ok := p.entries[key]; ok && !entry.inUse {
		entry.inUse = true
		entry.idle = false
		entry.lastUsed = p.now()
		p.publishStatsLocked()
		p.mu.Unlock()
		return &Handle{Key: key, Resource: entry.resource, pooled: true}, nil
	}

	var reclaimed []Resource
	if _, ok := p.entries[key]; !ok && len(p.entries) >= p.cfg.MaxSize {
		reclaimed = p.sweepLocked()
		if len(p.entries) >= p.cfg.MaxSize {
			if resource := p.reclaimIdleLocked(); resource != nil {
				reclaimed = append(reclaimed, resource)
			}
		}
	}

	if _, ok := p.entries[key]; !ok && len(p.entries) < p.cfg.MaxSize {
		p.mu.Unlock()
		p.closeAll(reclaimed)

		resource, err := p.create(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("create pooled resource: %w", err)
		}

		p.mu.Lock()
		// 创建期间锁被释放，容量可能已被占满
		if _, exists := p.entries[key]; !exists && len(p.entries) < p.cfg.MaxSize {
			p.entries[key] = &poolEntry{
				resource: resource,
				inUse:    true,
				lastUsed: p.now(),
			}
			p.publishStatsLocked()
			p.mu.Unlock()
			return &Handle{Key: key, Resource: resource, pooled: true}, nil
		}
		p.mu.Unlock()
		return p.degraded(key, resource), nil
	}

	p.mu.Unlock()
	p.closeAll(reclaimed)

	// 容量无法恢复或同 key 正被占用，降级为一次性资源
	resource, err := p.create(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create degraded resource: %w", err)
	}
	return p.degraded(key, resource), nil
}

// create 调用工厂并记录创建耗时，失败计入巡检窗口内的错误数。
func (p *ResourcePool) create(ctx context.Context, key string) (Resource, error) {
	start := time.Now()
	resource, err := p.factory(ctx, key)
	if err != nil {
		p.factoryErrors.Add(1)
		if p.metrics != nil {
			p.metrics.RecordError("resource_create_failed", "pool")
		}
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.RecordPoolConnectTime(time.Since(start))
	}
	return resource, nil
}

// Release 归还句柄。池内句柄回到可用状态，降级句柄直接关闭。
func (p *ResourcePool) Release(handle *Handle) {
	if handle == nil {
		return
	}
	if !handle.pooled {
		if err := handle.Resource.Close(); err != nil {
			p.log.Warn("failed to close degraded resource",
				zap.String("key", handle.Key),
				zap.Error(err),
			)
		}
		p.maybeResolveDegraded()
		return
	}

	p.mu.Lock()
	if entry, ok := p.entries[handle.Key]; ok {
		entry.inUse = false
		entry.lastUsed = p.now()
	}
	p.publishStatsLocked()
	p.mu.Unlock()
	p.maybeResolveDegraded()
}

// Start 启动后台巡检。
func (p *ResourcePool) Start() {
	go p.sweepLoop()
}

// Stop 停止巡检并关闭所有池内资源。
func (p *ResourcePool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.done

		p.mu.Lock()
		defer p.mu.Unlock()
		for key, entry := range p.entries {
			if err := entry.resource.Close(); err != nil {
				p.log.Warn("failed to close pooled resource",
					zap.String("key", key),
					zap.Error(err),
				)
			}
			delete(p.entries, key)
		}
	})
}

// Utilization 返回当前占用率 (正被使用的条目 / 池容量)。
func (p *ResourcePool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utilizationLocked()
}

// Sweep 执行一轮巡检。
// 空闲超过半个超时周期的条目标记为 idle，
// 超过完整周期的条目被关闭并移出池。
// 同时重置巡检窗口内的资源创建失败计数。
func (p *ResourcePool) Sweep() {
	p.mu.Lock()
	evicted := p.sweepLocked()
	p.publishStatsLocked()
	p.mu.Unlock()

	p.factoryErrors.Store(0)
	p.closeAll(evicted)
}

// sweepLocked 巡检一轮，返回被移出的资源，由调用方在锁外关闭。
func (p *ResourcePool) sweepLocked() []Resource {
	now := p.now()
	var evicted []Resource
	for key, entry := range p.entries {
		if entry.inUse {
			continue
		}
		age := now.Sub(entry.lastUsed)
		if age >= p.cfg.IdleTimeout {
			evicted = append(evicted, entry.resource)
			delete(p.entries, key)
			p.log.Debug("evicted idle resource", zap.String("key", key))
			continue
		}
		if age >= p.cfg.IdleTimeout/2 {
			entry.idle = true
		}
	}
	return evicted
}

// reclaimIdleLocked 回收最久未用的空闲条目，为新 key 腾出容量。
// 没有空闲条目时返回 nil。
func (p *ResourcePool) reclaimIdleLocked() Resource {
	var oldestKey string
	var oldest *poolEntry
	for key, entry := range p.entries {
		if entry.inUse || !entry.idle {
			continue
		}
		if oldest == nil || entry.lastUsed.Before(oldest.lastUsed) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest == nil {
		return nil
	}
	delete(p.entries, oldestKey)
	p.log.Debug("reclaimed idle resource", zap.String("key", oldestKey))
	return oldest.resource
}

func (p *ResourcePool) closeAll(resources []Resource) {
	for _, resource := range resources {
		if err := resource.Close(); err != nil {
			p.log.Warn("failed to close evicted resource", zap.Error(err))
		}
	}
}

// ErrorsInWindow 返回自上轮巡检以来的资源创建失败次数。
func (p *ResourcePool) ErrorsInWindow() int64 {
	return p.factoryErrors.Load()
}

func (p *ResourcePool) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// degraded 返回一次性句柄并触发降级告警。
func (p *ResourcePool) degraded(key string, resource Resource) *Handle {
	p.metrics.RecordPoolExhausted()
	p.log.Warn("pool exhausted, serving degraded resource",
		zap.String("key", key),
		zap.Int("max_size", p.cfg.MaxSize),
	)
	if p.alerts != nil {
		p.alerts.TriggerAlert(&monitoring.Alert{
			ID:        alertPoolDegraded,
			Title:     "Resource Pool Degraded",
			Message:   "pool is exhausted, requests are served with unpooled resources",
			Level:     monitoring.AlertLevelWarning,
			Component: "pool",
			Timestamp: time.Now(),
		})
	}
	return &Handle{Key: key, Resource: resource, pooled: false}
}

// maybeResolveDegraded 利用率回落到水位线以下时解决降级告警。
func (p *ResourcePool) maybeResolveDegraded() {
	if p.alerts == nil {
		return
	}
	if p.Utilization() < p.cfg.HighWatermark {
		p.alerts.ResolveAlert(alertPoolDegraded)
	}
}

func (p *ResourcePool) utilizationLocked() float64 {
	if p.cfg.MaxSize == 0 {
		return 0
	}
	inUse := 0
	for _, entry := range p.entries {
		if entry.inUse {
			inUse++
		}
	}
	return float64(inUse) / float64(p.cfg.MaxSize)
}

func (p *ResourcePool) publishStatsLocked() {
	if p.metrics == nil {
		return
	}
	inUse, idle := 0, 0
	for _, entry := range p.entries {
		if entry.inUse {
			inUse++
		} else if entry.idle {
			idle++
		}
	}
	p.metrics.UpdatePoolStats(inUse, idle, p.utilizationLocked())
}
