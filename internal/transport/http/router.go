package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/middleware"
	"receiptflow/backend/internal/monitoring"
	"receiptflow/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config  *config.Config
	Ingest  *service.IngestService
	Metrics *monitoring.Metrics
	Health  http.Handler // 健康检查处理器，nil 时退化为静态 200
	Logger  *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)

	// 使用自定义中间件替代默认中间件
	router.Use(mm.PanicRecovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(mm.HTTPMetrics())

	// IP 级限速挡在验签之前
	ipLimiter := middleware.NewIPRateLimiter(
		deps.Config.RateLimit.IPPerSecond,
		deps.Config.RateLimit.IPBurst,
		deps.Logger,
	)
	router.Use(ipLimiter.Handler())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{
			"Content-Length",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 路由未匹配与方法不支持的统一响应
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		Fail(c, http.StatusMethodNotAllowed, MsgMethodNotAllowed, "")
	})
	router.NoRoute(func(c *gin.Context) {
		Fail(c, http.StatusNotFound, MsgRouteNotFound, "")
	})

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", gin.WrapH(deps.Health))
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	inboundHandler := NewInboundHandler(deps.Ingest, deps.Logger)

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Inbound Routes ==========
		inboundRoutes := v1.Group("/inbound")
		{
			inboundRoutes.POST("/email", inboundHandler.HandleEmail) // 接收 Provider webhook 投递
		}
	}

	return router
}
