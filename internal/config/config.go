package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 受支持的入站 Provider 名称。
var supportedProviders = []string{"postmark", "ses", "mailgun"}

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// ProviderConfig 定义入站邮件 Provider 的配置
type ProviderConfig struct {
	Name          string        // Provider 名称: postmark / ses / mailgun
	WebhookSecret string        // 共享密钥（postmark token / ses 路径令牌）
	SigningKey    string        // mailgun HMAC 签名密钥
	MaxSkew       time.Duration // mailgun 签名时间戳最大偏移
}

// DedupConfig 定义重复检测配置
type DedupConfig struct {
	SimilarityThreshold float64       // Jaccard 相似度阈值，默认 0.90
	LookbackWindow      time.Duration // 相似度比对的回溯窗口，默认 7 天
	RecentLimit         int           // 同发件人取回的最近邮件数量，默认 20
}

// RateLimitConfig 定义组织级限流与 IP 级限速配置
type RateLimitConfig struct {
	MaxRequests   int     // 单窗口最大请求数，默认 100
	WindowMinutes int     // 窗口长度（分钟），默认 60
	IPPerSecond   float64 // 单 IP 每秒请求数，默认 20
	IPBurst       int     // 单 IP 突发额度，默认 40
}

// RetryConfig 定义重试与熔断配置
type RetryConfig struct {
	MaxAttempts      int           // 最大尝试次数，默认 3
	BaseDelay        time.Duration // 初始退避，默认 200ms
	MaxDelay         time.Duration // 退避上限，默认 5s
	BackoffFactor    float64       // 退避倍率，默认 2.0
	BreakerThreshold int           // 熔断连续失败阈值，默认 5
	BreakerCooldown  time.Duration // 熔断冷却时间，默认 30s
}

// PoolConfig 定义下游连接池配置
type PoolConfig struct {
	MaxSize       int           // 池容量，默认 10
	IdleTimeout   time.Duration // 空闲回收超时，默认 5 分钟
	SweepInterval time.Duration // 清理巡检间隔，默认 1 分钟
	HighWatermark float64       // 利用率告警水位，默认 0.8
}

// SMTPConfig 定义 SMTP 接收服务器配置
type SMTPConfig struct {
	Enabled  bool   // 是否启用 SMTP 接收
	BindAddr string // 监听地址，默认 ":25"
	Domain   string // HELO/EHLO 响应域名
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，留空表示不使用 Redis
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig
	Provider  ProviderConfig
	Dedup     DedupConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Pool      PoolConfig
	SMTP      SMTPConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: RECEIPTFLOW_
// 例如: RECEIPTFLOW_PROVIDER_NAME, RECEIPTFLOW_RATELIMIT_MAX_REQUESTS
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("receiptflow")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("provider.name", "postmark")
	viper.SetDefault("provider.webhook_secret", "")
	viper.SetDefault("provider.signing_key", "")
	viper.SetDefault("provider.max_skew", "5m")
	viper.SetDefault("dedup.similarity_threshold", 0.90)
	viper.SetDefault("dedup.lookback_window", "168h")
	viper.SetDefault("dedup.recent_limit", 20)
	viper.SetDefault("ratelimit.max_requests", 100)
	viper.SetDefault("ratelimit.window_minutes", 60)
	viper.SetDefault("ratelimit.ip_per_second", 20.0)
	viper.SetDefault("ratelimit.ip_burst", 40)
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.base_delay", "200ms")
	viper.SetDefault("retry.max_delay", "5s")
	viper.SetDefault("retry.backoff_factor", 2.0)
	viper.SetDefault("retry.breaker_threshold", 5)
	viper.SetDefault("retry.breaker_cooldown", "30s")
	viper.SetDefault("pool.max_size", 10)
	viper.SetDefault("pool.idle_timeout", "5m")
	viper.SetDefault("pool.sweep_interval", "1m")
	viper.SetDefault("pool.high_watermark", 0.8)
	viper.SetDefault("smtp.enabled", false)
	viper.SetDefault("smtp.bind_addr", ":25")
	viper.SetDefault("smtp.domain", "receipts.local")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	providerName := strings.ToLower(strings.TrimSpace(viper.GetString("provider.name")))
	if !isSupportedProvider(providerName) {
		// 未知 Provider 必须在启动时拒绝，而不是等到请求时才失败
		return nil, fmt.Errorf("unsupported provider %q (supported: %s)",
			providerName, strings.Join(supportedProviders, ", "))
	}

	maxSkew, err := time.ParseDuration(viper.GetString("provider.max_skew"))
	if err != nil {
		return nil, fmt.Errorf("invalid provider.max_skew: %w", err)
	}

	threshold := viper.GetFloat64("dedup.similarity_threshold")
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("dedup.similarity_threshold must be in (0, 1], got %v", threshold)
	}

	lookback, err := time.ParseDuration(viper.GetString("dedup.lookback_window"))
	if err != nil {
		return nil, fmt.Errorf("invalid dedup.lookback_window: %w", err)
	}

	recentLimit := viper.GetInt("dedup.recent_limit")
	if recentLimit <= 0 {
		recentLimit = 20
	}

	maxRequests := viper.GetInt("ratelimit.max_requests")
	if maxRequests <= 0 {
		return nil, fmt.Errorf("ratelimit.max_requests must be positive, got %d", maxRequests)
	}
	windowMinutes := viper.GetInt("ratelimit.window_minutes")
	if windowMinutes <= 0 {
		return nil, fmt.Errorf("ratelimit.window_minutes must be positive, got %d", windowMinutes)
	}

	baseDelay, err := time.ParseDuration(viper.GetString("retry.base_delay"))
	if err != nil {
		return nil, fmt.Errorf("invalid retry.base_delay: %w", err)
	}
	maxDelay, err := time.ParseDuration(viper.GetString("retry.max_delay"))
	if err != nil {
		return nil, fmt.Errorf("invalid retry.max_delay: %w", err)
	}
	breakerCooldown, err := time.ParseDuration(viper.GetString("retry.breaker_cooldown"))
	if err != nil {
		breakerCooldown = 30 * time.Second
	}

	idleTimeout, err := time.ParseDuration(viper.GetString("pool.idle_timeout"))
	if err != nil {
		idleTimeout = 5 * time.Minute
	}
	sweepInterval, err := time.ParseDuration(viper.GetString("pool.sweep_interval"))
	if err != nil {
		sweepInterval = time.Minute
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Provider: ProviderConfig{
			Name:          providerName,
			WebhookSecret: viper.GetString("provider.webhook_secret"),
			SigningKey:    viper.GetString("provider.signing_key"),
			MaxSkew:       maxSkew,
		},
		Dedup: DedupConfig{
			SimilarityThreshold: threshold,
			LookbackWindow:      lookback,
			RecentLimit:         recentLimit,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   maxRequests,
			WindowMinutes: windowMinutes,
			IPPerSecond:   viper.GetFloat64("ratelimit.ip_per_second"),
			IPBurst:       viper.GetInt("ratelimit.ip_burst"),
		},
		Retry: RetryConfig{
			MaxAttempts:      viper.GetInt("retry.max_attempts"),
			BaseDelay:        baseDelay,
			MaxDelay:         maxDelay,
			BackoffFactor:    viper.GetFloat64("retry.backoff_factor"),
			BreakerThreshold: viper.GetInt("retry.breaker_threshold"),
			BreakerCooldown:  breakerCooldown,
		},
		Pool: PoolConfig{
			MaxSize:       viper.GetInt("pool.max_size"),
			IdleTimeout:   idleTimeout,
			SweepInterval: sweepInterval,
			HighWatermark: viper.GetFloat64("pool.high_watermark"),
		},
		SMTP: SMTPConfig{
			Enabled:  viper.GetBool("smtp.enabled"),
			BindAddr: viper.GetString("smtp.bind_addr"),
			Domain:   viper.GetString("smtp.domain"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
	}

	return cfg, nil
}

// isSupportedProvider 检查 Provider 名称是否受支持
func isSupportedProvider(name string) bool {
	for _, p := range supportedProviders {
		if p == name {
			return true
		}
	}
	return false
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 已存在的环境变量优先级更高，不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
