package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	// 保存原始环境变量
	originalEnvs := make(map[string]string)
	envKeys := []string{
		"RECEIPTFLOW_SERVER_HOST",
		"RECEIPTFLOW_SERVER_PORT",
		"RECEIPTFLOW_PROVIDER_NAME",
		"RECEIPTFLOW_PROVIDER_WEBHOOK_SECRET",
		"RECEIPTFLOW_DEDUP_SIMILARITY_THRESHOLD",
		"RECEIPTFLOW_RATELIMIT_MAX_REQUESTS",
		"RECEIPTFLOW_RATELIMIT_WINDOW_MINUTES",
		"RECEIPTFLOW_RETRY_MAX_ATTEMPTS",
		"RECEIPTFLOW_LOG_LEVEL",
		"RECEIPTFLOW_LOG_DEVELOPMENT",
	}

	for _, key := range envKeys {
		originalEnvs[key] = os.Getenv(key)
	}

	// 测试后恢复环境变量
	defer func() {
		for key, value := range originalEnvs {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()

	t.Run("加载默认配置成功", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		cfg, err := Load()

		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		// 验证默认值
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "postmark", cfg.Provider.Name)
		assert.Equal(t, 0.90, cfg.Dedup.SimilarityThreshold)
		assert.Equal(t, 7*24*time.Hour, cfg.Dedup.LookbackWindow)
		assert.Equal(t, 20, cfg.Dedup.RecentLimit)
		assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
		assert.Equal(t, 60, cfg.RateLimit.WindowMinutes)
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
		assert.Equal(t, 200*time.Millisecond, cfg.Retry.BaseDelay)
		assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)
		assert.Equal(t, 5, cfg.Retry.BreakerThreshold)
		assert.Equal(t, 10, cfg.Pool.MaxSize)
		assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout)
		assert.False(t, cfg.SMTP.Enabled)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
	})

	t.Run("环境变量覆盖默认值", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		os.Setenv("RECEIPTFLOW_PROVIDER_NAME", "mailgun")
		os.Setenv("RECEIPTFLOW_RATELIMIT_MAX_REQUESTS", "5")
		os.Setenv("RECEIPTFLOW_RATELIMIT_WINDOW_MINUTES", "1")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.Equal(t, "mailgun", cfg.Provider.Name)
		assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
		assert.Equal(t, 1, cfg.RateLimit.WindowMinutes)
	})

	t.Run("未知Provider在启动时被拒绝", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		os.Setenv("RECEIPTFLOW_PROVIDER_NAME", "sendgrid")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "unsupported provider")
	})

	t.Run("非法相似度阈值被拒绝", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		os.Setenv("RECEIPTFLOW_DEDUP_SIMILARITY_THRESHOLD", "1.5")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
	})
}
