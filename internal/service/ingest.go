package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"receiptflow/backend/internal/alias"
	"receiptflow/backend/internal/dedup"
	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/monitoring"
	"receiptflow/backend/internal/provider"
	"receiptflow/backend/internal/ratelimit"
	"receiptflow/backend/internal/resilience"
	"receiptflow/backend/internal/storage"
)

// 入库下游在熔断器中的 key。
const enqueueBreakerKey = "enqueue"

// 处理步骤名称，流水日志使用。
const (
	stepSelectProvider = "select_provider"
	stepVerify         = "verify"
	stepParse          = "parse"
	stepResolveAlias   = "resolve_alias"
	stepResolveOrg     = "resolve_org"
	stepReceived       = "received"
	stepIdempotency    = "check_idempotency"
	stepRateLimit      = "check_rate_limit"
	stepEnqueue        = "enqueue"
	stepEnqueued       = "enqueued"
)

// JobEnqueuer 持久化邮件并派发处理任务。
type JobEnqueuer interface {
	Enqueue(ctx context.Context, email *domain.InboundEmail, correlationID string) error
}

// Result 一次入站处理的结论。
type Result struct {
	EmailID         string
	CorrelationID   string
	Provider        string
	Duplicate       bool
	DuplicateReason string
	RetryAfter      time.Duration
}

// PipelineError 携带关联 ID 的处理错误，传输层据此构造响应。
type PipelineError struct {
	CorrelationID string
	Err           error
	RetryAfter    time.Duration // 仅限流拒绝时非零
}

// Error 实现 error 接口。
func (e *PipelineError) Error() string {
	return fmt.Sprintf("ingest pipeline failed (correlation %s): %v", e.CorrelationID, e.Err)
}

// Unwrap 暴露底层错误供 errors.Is 归类。
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// IngestService 入站邮件处理编排器。
// 处理按固定顺序推进: SelectProvider → Verify → Parse → ResolveAlias
// → ResolveOrg → LogReceived → CheckIdempotency → CheckRateLimit
// → Enqueue → LogEnqueued → Respond，任一步失败立即终止。
type IngestService struct {
	adapter  provider.Adapter
	resolver *alias.Resolver
	detector *dedup.Detector
	limiter  ratelimit.Limiter
	executor *resilience.Executor
	breaker  *resilience.Breaker
	enqueuer JobEnqueuer
	emails   storage.EmailRepository
	plog     ProcessingLog
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewIngestService 创建编排器。
func NewIngestService(
	adapter provider.Adapter,
	resolver *alias.Resolver,
	detector *dedup.Detector,
	limiter ratelimit.Limiter,
	executor *resilience.Executor,
	breaker *resilience.Breaker,
	enqueuer JobEnqueuer,
	emails storage.EmailRepository,
	plog ProcessingLog,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *IngestService {
	return &IngestService{
		adapter:  adapter,
		resolver: resolver,
		detector: detector,
		limiter:  limiter,
		executor: executor,
		breaker:  breaker,
		enqueuer: enqueuer,
		emails:   emails,
		plog:     plog,
		metrics:  metrics,
		log:      log,
	}
}

// HandleInbound 处理一次 Provider webhook 投递。
// 关联 ID 在入口生成，贯穿所有日志与响应。
func (s *IngestService) HandleInbound(ctx context.Context, req *http.Request, body []byte) (*Result, error) {
	correlationID := uuid.NewString()
	providerName := s.adapter.Name()

	s.plog.LogProcessingStep(ctx, correlationID, stepSelectProvider, "ok", map[string]interface{}{
		"provider": providerName,
	})

	// Verify: 失败即关闭，不触碰载荷内容
	if err := s.adapter.Verify(req, body); err != nil {
		s.plog.LogProcessingStep(ctx, correlationID, stepVerify, "failed", nil)
		s.metrics.RecordEmailRejected(providerName, "authentication")
		return nil, s.fail(correlationID, err)
	}
	s.plog.LogProcessingStep(ctx, correlationID, stepVerify, "ok", nil)

	// Parse: 统一为 EmailPayload
	payload, err := s.adapter.Parse(req, body)
	if err != nil {
		s.plog.LogProcessingStep(ctx, correlationID, stepParse, "failed", nil)
		s.metrics.RecordEmailRejected(providerName, "validation")
		return nil, s.fail(correlationID, err)
	}
	payload.Metadata.Provider = providerName
	payload.Metadata.CorrelationID = correlationID
	s.plog.LogProcessingStep(ctx, correlationID, stepParse, "ok", map[string]interface{}{
		"message_id": payload.MessageID,
	})

	return s.process(ctx, correlationID, "webhook", payload)
}

// HandleParsed 处理已解析的载荷，SMTP 前端从 Parse 之后进入管线。
func (s *IngestService) HandleParsed(ctx context.Context, payload *domain.EmailPayload) (*Result, error) {
	correlationID := payload.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
		payload.Metadata.CorrelationID = correlationID
	}
	source := payload.Metadata.Provider
	if source == "" {
		source = "smtp"
		payload.Metadata.Provider = source
	}
	return s.process(ctx, correlationID, source, payload)
}

// process 从别名解析开始推进状态机。
func (s *IngestService) process(ctx context.Context, correlationID, source string, payload *domain.EmailPayload) (*Result, error) {
	providerName := payload.Metadata.Provider
	start := time.Now()

	// ResolveAlias + ResolveOrg: 未知收件人记录安全事件
	orgAlias, org, err := s.resolver.Resolve(ctx, payload.Alias)
	if err != nil {
		if errors.Is(err, domain.ErrRecipientNotFound) {
			s.plog.LogSecurityEvent(ctx, correlationID, "unknown_recipient", map[string]interface{}{
				"alias": payload.Alias,
			})
			s.metrics.RecordSecurityEvent("unknown_recipient")
		}
		s.plog.LogProcessingStep(ctx, correlationID, stepResolveAlias, "failed", nil)
		s.metrics.RecordEmailRejected(providerName, "recipient_not_found")
		return nil, s.fail(correlationID, err)
	}
	s.plog.LogProcessingStep(ctx, correlationID, stepResolveAlias, "ok", map[string]interface{}{
		"alias_id": orgAlias.ID,
	})
	s.plog.LogProcessingStep(ctx, correlationID, stepResolveOrg, "ok", map[string]interface{}{
		"org_id": org.ID,
	})

	s.plog.LogProcessingStep(ctx, correlationID, stepReceived, "ok", map[string]interface{}{
		"org_id":     org.ID,
		"message_id": payload.MessageID,
		"from":       payload.From,
	})

	// CheckIdempotency: 三级重复检测
	verdict, err := s.detector.Check(ctx, org.ID, payload)
	if err != nil {
		return nil, s.fail(correlationID, err)
	}
	if verdict.IsDuplicate {
		s.plog.LogProcessingStep(ctx, correlationID, stepIdempotency, "duplicate", map[string]interface{}{
			"reason":      verdict.Reason,
			"existing_id": verdict.ExistingEmailID,
			"confidence":  verdict.Confidence,
		})
		return &Result{
			EmailID:         verdict.ExistingEmailID,
			CorrelationID:   correlationID,
			Provider:        providerName,
			Duplicate:       true,
			DuplicateReason: verdict.Reason,
		}, nil
	}
	s.plog.LogProcessingStep(ctx, correlationID, stepIdempotency, "ok", nil)

	// CheckRateLimit: 拒绝发生在任何持久化副作用之前
	decision, err := s.limiter.Allow(ctx, org.ID, "inbound")
	if err != nil {
		return nil, s.fail(correlationID, fmt.Errorf("rate limit check: %w", err))
	}
	if !decision.Allowed {
		s.plog.LogProcessingStep(ctx, correlationID, stepRateLimit, "blocked", map[string]interface{}{
			"org_id":      org.ID,
			"retry_after": decision.RetryAfter.String(),
		})
		s.metrics.RecordRateLimitBlock("inbound")
		return nil, &PipelineError{
			CorrelationID: correlationID,
			Err:           domain.ErrRateLimitExceeded,
			RetryAfter:    decision.RetryAfter,
		}
	}
	s.plog.LogProcessingStep(ctx, correlationID, stepRateLimit, "ok", map[string]interface{}{
		"remaining": decision.Remaining,
	})

	// Enqueue: 经熔断器与重试执行器落库
	email := s.buildEmail(org.ID, payload)
	result, err := s.enqueue(ctx, correlationID, org.ID, email)
	if err != nil {
		s.metrics.RecordEmailRejected(providerName, "enqueue_failed")
		return nil, err
	}
	if result != nil {
		// 唯一约束命中，迟到发现的重复
		result.Provider = providerName
		return result, nil
	}

	// 登记哈希与 Message-ID 缓存，均为尽力而为
	s.detector.RememberHash(org.ID, email.ID, s.detector.Fingerprint(payload))
	s.detector.RememberMessageID(ctx, org.ID, payload.MessageID, email.ID)

	s.plog.LogProcessingStep(ctx, correlationID, stepEnqueued, "ok", map[string]interface{}{
		"email_id": email.ID,
	})
	s.metrics.RecordEmailIngested(providerName, source)
	s.metrics.RecordProcessingTime(source, time.Since(start))

	return &Result{
		EmailID:       email.ID,
		CorrelationID: correlationID,
		Provider:      providerName,
	}, nil
}

// enqueue 执行落库。返回非 nil Result 表示唯一约束命中的重复。
func (s *IngestService) enqueue(ctx context.Context, correlationID, orgID string, email *domain.InboundEmail) (*Result, error) {
	if err := s.breaker.Allow(enqueueBreakerKey); err != nil {
		s.plog.LogProcessingStep(ctx, correlationID, stepEnqueue, "circuit_open", nil)
		return nil, s.fail(correlationID, err)
	}

	err := s.executor.Do(ctx, stepEnqueue, func(ctx context.Context) error {
		return s.enqueuer.Enqueue(ctx, email, correlationID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) {
			// 检测与落库之间有并发投递抢先，按重复成功处理
			s.breaker.RecordSuccess(enqueueBreakerKey)
			existingID := ""
			if existing, lookupErr := s.emails.GetEmailByMessageID(ctx, orgID, email.MessageID); lookupErr == nil {
				existingID = existing.ID
			}
			s.plog.LogProcessingStep(ctx, correlationID, stepEnqueue, "duplicate", map[string]interface{}{
				"existing_id": existingID,
			})
			return &Result{
				EmailID:         existingID,
				CorrelationID:   correlationID,
				Duplicate:       true,
				DuplicateReason: domain.DuplicateReasonMessageID,
			}, nil
		}

		s.breaker.RecordFailure(enqueueBreakerKey)
		s.plog.LogProcessingStep(ctx, correlationID, stepEnqueue, "failed", nil)
		s.log.Error("failed to enqueue inbound email",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return nil, s.fail(correlationID, err)
	}

	s.breaker.RecordSuccess(enqueueBreakerKey)
	return nil, nil
}

// buildEmail 由载荷构造持久化记录。
func (s *IngestService) buildEmail(orgID string, payload *domain.EmailPayload) *domain.InboundEmail {
	receivedAt := payload.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return &domain.InboundEmail{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		MessageID:  payload.MessageID,
		Alias:      payload.Alias,
		From:       payload.From,
		To:         payload.To,
		Subject:    payload.Subject,
		Text:       payload.Text,
		Provider:   payload.Metadata.Provider,
		ReceivedAt: receivedAt,
	}
}

func (s *IngestService) fail(correlationID string, err error) error {
	return &PipelineError{CorrelationID: correlationID, Err: err}
}
