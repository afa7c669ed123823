package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 入站邮件指标
	EmailsIngested      *prometheus.CounterVec
	EmailsRejected      *prometheus.CounterVec
	EmailProcessingTime *prometheus.HistogramVec

	// 重复检测指标
	DuplicatesDetected *prometheus.CounterVec
	DedupFailOpen      prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	// 重试与熔断指标
	RetryAttempts      *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec

	// 连接池指标
	PoolInUse           prometheus.Gauge
	PoolIdle            prometheus.Gauge
	PoolUtilization     prometheus.Gauge
	PoolExhausted       prometheus.Counter
	PoolConnectDuration prometheus.Histogram

	// 错误指标
	ErrorsTotal    *prometheus.CounterVec
	PanicsTotal    prometheus.Counter
	SecurityEvents *prometheus.CounterVec
}

// NewMetrics 创建监控指标并注册到默认注册表
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith 创建监控指标并注册到指定注册表，测试中使用独立注册表
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "receiptflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		// 入站邮件指标
		EmailsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_emails_ingested_total",
				Help: "Total number of emails accepted for processing",
			},
			[]string{"provider", "source"},
		),

		EmailsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_emails_rejected_total",
				Help: "Total number of inbound emails rejected",
			},
			[]string{"provider", "reason"},
		),

		EmailProcessingTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "receiptflow_email_processing_duration_seconds",
				Help:    "Email processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		// 重复检测指标
		DuplicatesDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_duplicates_detected_total",
				Help: "Total number of duplicate emails detected",
			},
			[]string{"reason"},
		),

		DedupFailOpen: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "receiptflow_dedup_fail_open_total",
				Help: "Total number of duplicate checks that failed open on data errors",
			},
		),

		// 限流指标
		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_rate_limit_blocks_total",
				Help: "Total number of requests blocked by rate limiting",
			},
			[]string{"endpoint"},
		),

		// 重试与熔断指标
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_retry_attempts_total",
				Help: "Total number of retry attempts by operation",
			},
			[]string{"operation"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"key", "state"},
		),

		// 连接池指标
		PoolInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "receiptflow_pool_in_use",
				Help: "Number of pooled resources currently in use",
			},
		),

		PoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "receiptflow_pool_idle",
				Help: "Number of idle pooled resources",
			},
		),

		PoolUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "receiptflow_pool_utilization",
				Help: "Pool utilization ratio between 0 and 1",
			},
		),

		PoolExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "receiptflow_pool_exhausted_total",
				Help: "Total number of acquisitions served degraded because the pool was full",
			},
		),

		PoolConnectDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "receiptflow_pool_connect_duration_seconds",
				Help:    "Time spent creating pooled resources",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		// 错误指标
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "receiptflow_panics_total",
				Help: "Total number of panics",
			},
		),

		SecurityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receiptflow_security_events_total",
				Help: "Total number of security events",
			},
			[]string{"event"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordEmailIngested 记录邮件接收
func (m *Metrics) RecordEmailIngested(provider, source string) {
	m.EmailsIngested.WithLabelValues(provider, source).Inc()
}

// RecordEmailRejected 记录邮件拒绝
func (m *Metrics) RecordEmailRejected(provider, reason string) {
	m.EmailsRejected.WithLabelValues(provider, reason).Inc()
}

// RecordProcessingTime 记录单封邮件的处理耗时
func (m *Metrics) RecordProcessingTime(source string, duration time.Duration) {
	m.EmailProcessingTime.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordDuplicate 记录重复检测命中
func (m *Metrics) RecordDuplicate(reason string) {
	m.DuplicatesDetected.WithLabelValues(reason).Inc()
}

// RecordDedupFailOpen 记录重复检测因数据层故障放行
func (m *Metrics) RecordDedupFailOpen() {
	m.DedupFailOpen.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(endpoint string) {
	m.RateLimitBlocks.WithLabelValues(endpoint).Inc()
}

// RecordRetryAttempt 记录重试
func (m *Metrics) RecordRetryAttempt(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// RecordBreakerTransition 记录熔断器状态切换
func (m *Metrics) RecordBreakerTransition(key, state string) {
	m.BreakerTransitions.WithLabelValues(key, state).Inc()
}

// UpdatePoolStats 更新连接池指标
func (m *Metrics) UpdatePoolStats(inUse, idle int, utilization float64) {
	m.PoolInUse.Set(float64(inUse))
	m.PoolIdle.Set(float64(idle))
	m.PoolUtilization.Set(utilization)
}

// RecordPoolConnectTime 记录一次资源创建耗时
func (m *Metrics) RecordPoolConnectTime(duration time.Duration) {
	m.PoolConnectDuration.Observe(duration.Seconds())
}

// RecordPoolExhausted 记录池耗尽降级
func (m *Metrics) RecordPoolExhausted() {
	m.PoolExhausted.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordSecurityEvent 记录安全事件
func (m *Metrics) RecordSecurityEvent(event string) {
	m.SecurityEvents.WithLabelValues(event).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
