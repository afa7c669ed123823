package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"receiptflow/backend/internal/alias"
	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/dedup"
	"receiptflow/backend/internal/health"
	"receiptflow/backend/internal/logger"
	"receiptflow/backend/internal/monitoring"
	"receiptflow/backend/internal/pool"
	"receiptflow/backend/internal/provider"
	"receiptflow/backend/internal/queue"
	"receiptflow/backend/internal/ratelimit"
	"receiptflow/backend/internal/resilience"
	"receiptflow/backend/internal/service"
	"receiptflow/backend/internal/smtp"
	"receiptflow/backend/internal/storage"
	"receiptflow/backend/internal/storage/memory"
	redisclient "receiptflow/backend/internal/storage/redis"
	sqlstore "receiptflow/backend/internal/storage/sql"
	httptransport "receiptflow/backend/internal/transport/http"
)

// 后台协程池的规模。哈希登记与任务派发都是轻量短任务。
const (
	workerCount = 8
	workerQueue = 256
)

// main 启动同时包含 HTTP webhook 接收与 SMTP 接收的入站服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     "",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting receiptflow server",
		zap.String("provider", cfg.Provider.Name),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store
	var windowStore ratelimit.WindowStore

	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		dbStore, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		store = dbStore
		windowStore = dbStore
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}

	// 初始化 Redis（可选，用于限流与 Message-ID 快速路径缓存）
	var redis *redisclient.Client
	if cfg.Redis.Address != "" {
		redis, err = redisclient.New(&cfg.Redis, log)
		if err != nil {
			panic(fmt.Sprintf("failed to connect redis: %v", err))
		}
		log.Info("redis connected", zap.String("address", cfg.Redis.Address))
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0))
	alertManager.AddRule(monitoring.StoreHealthRule(store))

	healthChecker := health.NewHealthChecker(store, redis, log)

	log.Info("monitoring system initialized")

	// 后台协程池与下游处理端资源池
	workers := pool.NewWorkerPool(workerCount, workerQueue, log)
	resources := pool.NewResourcePool(
		&cfg.Pool,
		func(_ context.Context, key string) (pool.Resource, error) {
			return queue.NewLogProcessor(key, log), nil
		},
		log,
		metrics,
		alertManager,
	)
	alertManager.AddRule(monitoring.PoolHighUtilizationRule(resources.Utilization, cfg.Pool.HighWatermark))
	alertManager.AddRule(monitoring.PoolErrorSpikeRule(resources.ErrorsInWindow, 5))

	// 重试执行器与熔断器
	executor := resilience.NewExecutor(&cfg.Retry, log).
		WithOnRetry(func(attempt int, err error) {
			metrics.RecordRetryAttempt("enqueue")
		})
	breaker := resilience.NewBreaker(&cfg.Retry, log).
		WithOnTransition(metrics.RecordBreakerTransition)
	alertManager.AddRule(monitoring.BreakerOpenRule("enqueue", func() string {
		return breaker.State("enqueue")
	}))

	// 重复检测器：Redis 可用时启用 Message-ID 快速路径缓存
	detector := dedup.NewDetector(store, &cfg.Dedup, log, metrics, alertManager, workers)
	if redis != nil {
		detector = detector.WithCache(redis)
	}

	// 组织限流器：Redis > 数据库 > 内存
	var limiter ratelimit.Limiter
	switch {
	case redis != nil:
		limiter = ratelimit.NewRedisLimiter(redis, &cfg.RateLimit)
		log.Info("using redis rate limiter")
	case windowStore != nil:
		limiter = ratelimit.NewSQLLimiter(windowStore, &cfg.RateLimit)
		log.Info("using sql rate limiter")
	default:
		limiter = ratelimit.NewMemoryLimiter(&cfg.RateLimit)
		log.Info("using memory rate limiter")
	}

	// Provider 适配器在启动时选定一次
	adapter, err := provider.New(&cfg.Provider)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize provider: %v", err))
	}

	resolver := alias.NewResolver(store)
	enqueuer := queue.NewLocalEnqueuer(store, workers, resources, metrics, log)

	ingest := service.NewIngestService(
		adapter,
		resolver,
		detector,
		limiter,
		executor,
		breaker,
		enqueuer,
		store,
		service.NewZapProcessingLog(log),
		metrics,
		log,
	)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:  cfg,
		Ingest:  ingest,
		Metrics: metrics,
		Health:  healthChecker.Handler(),
		Logger:  log,
	})

	// 健康探针（用于 Kubernetes 等）
	router.GET("/health/live", gin.WrapF(healthChecker.LiveHandler()))
	router.GET("/health/ready", gin.WrapF(healthChecker.ReadyHandler()))

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 服务器（可选的直接接收通道）
	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		smtpBackend := smtp.NewBackend(resolver, ingest, smtp.NewConnectionLimiter(64, 32), log)
		smtpServer = gosmtp.NewServer(smtpBackend)
		smtpServer.Addr = cfg.SMTP.BindAddr
		smtpServer.Domain = cfg.SMTP.Domain
		smtpServer.ReadTimeout = 10 * time.Second
		smtpServer.WriteTimeout = 10 * time.Second
		smtpServer.MaxMessageBytes = 25 * 1024 * 1024
		smtpServer.MaxRecipients = 50
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	workers.Start(groupCtx)
	resources.Start()

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && err != gosmtp.ErrServerClosed {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// 告警巡检 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services")
		alertManager.StartMonitoring(groupCtx, 1*time.Minute)
		return nil
	})

	// 过期限流窗口清理 goroutine（仅数据库限流需要，Redis 键随 TTL 过期）
	if windowStore != nil {
		group.Go(func() error {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			retention := 2 * time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					cutoff := time.Now().UTC().Add(-retention)
					purged, err := windowStore.PurgeWindowsBefore(groupCtx, cutoff)
					if err != nil {
						log.Warn("rate limit window purge failed", zap.Error(err))
						continue
					}
					if purged > 0 {
						log.Info("purged expired rate limit windows", zap.Int64("count", purged))
					}
				}
			}
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		resources.Stop()
		workers.Stop()
		if redis != nil {
			if err := redis.Close(); err != nil {
				log.Warn("redis close warning", zap.Error(err))
			}
		}
		if err := store.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
