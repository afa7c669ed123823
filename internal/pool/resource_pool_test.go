package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/monitoring"
)

type fakeResource struct {
	key    string
	closed atomic.Bool
}

func (r *fakeResource) Close() error {
	r.closed.Store(true)
	return nil
}

func poolConfig() *config.PoolConfig {
	return &config.PoolConfig{
		MaxSize:       2,
		IdleTimeout:   time.Minute,
		SweepInterval: time.Minute,
		HighWatermark: 0.8,
	}
}

func newTestPool(cfg *config.PoolConfig) (*ResourcePool, *monitoring.AlertManager, *atomic.Int32) {
	log := zap.NewNop()
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	alerts := monitoring.NewAlertManager(log)

	var created atomic.Int32
	factory := func(_ context.Context, key string) (Resource, error) {
		created.Add(1)
		return &fakeResource{key: key}, nil
	}
	return NewResourcePool(cfg, factory, log, metrics, alerts), alerts, &created
}

func TestResourcePoolAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("同key复用资源", func(t *testing.T) {
		p, _, created := newTestPool(poolConfig())

		h1, err := p.Acquire(ctx, "vendor-a")
		require.NoError(t, err)
		assert.True(t, h1.Pooled())
		p.Release(h1)

		h2, err := p.Acquire(ctx, "vendor-a")
		require.NoError(t, err)
		assert.True(t, h2.Pooled())
		assert.Same(t, h1.Resource, h2.Resource)
		assert.Equal(t, int32(1), created.Load())
	})

	t.Run("池满时降级而不是拒绝", func(t *testing.T) {
		p, alerts, _ := newTestPool(poolConfig())

		h1, err := p.Acquire(ctx, "a")
		require.NoError(t, err)
		h2, err := p.Acquire(ctx, "b")
		require.NoError(t, err)

		// 容量为 2，第三个 key 得到可用的降级句柄
		h3, err := p.Acquire(ctx, "c")
		require.NoError(t, err)
		require.NotNil(t, h3.Resource)
		assert.False(t, h3.Pooled())

		active := alerts.GetActiveAlerts()
		require.Len(t, active, 1)
		assert.Equal(t, "pool_degraded", active[0].ID)

		// 降级句柄归还即关闭
		p.Release(h3)
		assert.True(t, h3.Resource.(*fakeResource).closed.Load())

		p.Release(h1)
		p.Release(h2)
	})

	t.Run("降级告警去重且恢复后解决", func(t *testing.T) {
		p, alerts, _ := newTestPool(poolConfig())

		h1, _ := p.Acquire(ctx, "a")
		h2, _ := p.Acquire(ctx, "b")
		d1, _ := p.Acquire(ctx, "c")
		d2, _ := p.Acquire(ctx, "d")

		// 两次降级只产生一条活跃告警
		assert.Len(t, alerts.GetActiveAlerts(), 1)

		p.Release(d1)
		p.Release(d2)
		p.Release(h1)
		p.Release(h2)

		// 利用率回落后告警解决
		assert.Empty(t, alerts.GetActiveAlerts())
	})

	t.Run("被占用的key再次获取走降级", func(t *testing.T) {
		p, _, _ := newTestPool(poolConfig())

		h1, err := p.Acquire(ctx, "a")
		require.NoError(t, err)
		h2, err := p.Acquire(ctx, "a")
		require.NoError(t, err)
		assert.False(t, h2.Pooled())

		p.Release(h1)
		p.Release(h2)
	})
}

func TestResourcePoolRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("池满时过期条目被就地清理", func(t *testing.T) {
		cfg := poolConfig()
		cfg.MaxSize = 1
		p, _, _ := newTestPool(cfg)

		base := time.Now()
		p.now = func() time.Time { return base }

		h, err := p.Acquire(ctx, "a")
		require.NoError(t, err)
		p.Release(h)

		// 条目过期后容量立即可被新 key 复用，无需等待周期巡检
		p.now = func() time.Time { return base.Add(cfg.IdleTimeout) }
		hb, err := p.Acquire(ctx, "b")
		require.NoError(t, err)
		assert.True(t, hb.Pooled())
		assert.True(t, h.Resource.(*fakeResource).closed.Load())
		p.Release(hb)
	})

	t.Run("池满时回收空闲条目而不是降级", func(t *testing.T) {
		cfg := poolConfig()
		cfg.MaxSize = 1
		p, _, _ := newTestPool(cfg)

		base := time.Now()
		p.now = func() time.Time { return base }

		h, err := p.Acquire(ctx, "a")
		require.NoError(t, err)
		p.Release(h)

		// 半个超时周期后条目进入空闲态，可被新 key 回收
		p.now = func() time.Time { return base.Add(cfg.IdleTimeout / 2) }
		hb, err := p.Acquire(ctx, "b")
		require.NoError(t, err)
		assert.True(t, hb.Pooled())
		assert.True(t, h.Resource.(*fakeResource).closed.Load())
		p.Release(hb)
	})

	t.Run("未到空闲阈值的条目不被回收", func(t *testing.T) {
		cfg := poolConfig()
		cfg.MaxSize = 1
		p, _, _ := newTestPool(cfg)

		base := time.Now()
		p.now = func() time.Time { return base }

		h, err := p.Acquire(ctx, "a")
		require.NoError(t, err)
		p.Release(h)

		// 刚归还的条目仍被保留，新 key 走降级
		hb, err := p.Acquire(ctx, "b")
		require.NoError(t, err)
		assert.False(t, hb.Pooled())
		assert.False(t, h.Resource.(*fakeResource).closed.Load())
		p.Release(hb)
	})
}

func TestResourcePoolErrorWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("创建失败计数随巡检清零", func(t *testing.T) {
		log := zap.NewNop()
		metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
		alerts := monitoring.NewAlertManager(log)

		boom := errors.New("connect refused")
		factory := func(context.Context, string) (Resource, error) {
			return nil, boom
		}
		p := NewResourcePool(poolConfig(), factory, log, metrics, alerts)

		_, err := p.Acquire(ctx, "a")
		require.Error(t, err)
		_, err = p.Acquire(ctx, "b")
		require.Error(t, err)
		assert.Equal(t, int64(2), p.ErrorsInWindow())

		rule := monitoring.PoolErrorSpikeRule(p.ErrorsInWindow, 2)
		assert.True(t, rule.Condition())

		p.Sweep()
		assert.Zero(t, p.ErrorsInWindow())
		assert.False(t, rule.Condition())
	})
}

func TestResourcePoolSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("空闲资源先标记后回收", func(t *testing.T) {
		cfg := poolConfig()
		p, _, _ := newTestPool(cfg)

		base := time.Now()
		p.now = func() time.Time { return base }

		h, err := p.Acquire(ctx, "a")
		require.NoError(t, err)
		p.Release(h)

		// 半个超时周期: 仍在池内
		p.now = func() time.Time { return base.Add(cfg.IdleTimeout / 2) }
		p.Sweep()
		assert.Len(t, p.entries, 1)
		assert.True(t, p.entries["a"].idle)

		// 完整超时周期: 被回收并关闭
		p.now = func() time.Time { return base.Add(cfg.IdleTimeout) }
		p.Sweep()
		assert.Empty(t, p.entries)
		assert.True(t, h.Resource.(*fakeResource).closed.Load())
	})

	t.Run("使用中的资源不被回收", func(t *testing.T) {
		cfg := poolConfig()
		p, _, _ := newTestPool(cfg)

		base := time.Now()
		p.now = func() time.Time { return base }

		h, err := p.Acquire(ctx, "a")
		require.NoError(t, err)

		p.now = func() time.Time { return base.Add(10 * cfg.IdleTimeout) }
		p.Sweep()
		assert.Len(t, p.entries, 1)

		p.Release(h)
	})
}

func TestResourcePoolStop(t *testing.T) {
	ctx := context.Background()

	t.Run("停止时关闭所有资源", func(t *testing.T) {
		p, _, _ := newTestPool(poolConfig())
		p.Start()

		h, err := p.Acquire(ctx, "a")
		require.NoError(t, err)
		p.Release(h)

		p.Stop()
		assert.True(t, h.Resource.(*fakeResource).closed.Load())
		assert.Empty(t, p.entries)
	})
}
