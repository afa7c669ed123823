// Package dedup 实现三级重复检测。
//
// 检测顺序依次为 Message-ID 精确匹配、规范化内容哈希匹配、
// 同发件人近期邮件的 Jaccard 相似度比对。任一级数据层故障时
// 检测放行（fail-open），宁可收下重复邮件也不拒绝合法收据，
// 同时记录指标与告警供运维跟进。
package dedup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"receiptflow/backend/internal/canonical"
	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/monitoring"
	"receiptflow/backend/internal/pool"
	"receiptflow/backend/internal/storage"
)

// 置信度等级，越靠前的检测级别越可信。
const (
	confidenceMessageID   = 100
	confidenceContentHash = 95
)

// 数据层故障放行时使用的告警 ID。
const alertDedupFailOpen = "dedup_fail_open"

// SeenCache Message-ID 快速路径缓存，可选。
type SeenCache interface {
	SetSeen(ctx context.Context, key string, value string, ttl time.Duration) error
	GetSeen(ctx context.Context, key string) (string, error)
}

// Detector 重复检测器。
type Detector struct {
	emails  storage.EmailRepository
	hashes  storage.ContentHashRepository
	cfg     *config.DedupConfig
	log     *zap.Logger
	metrics *monitoring.Metrics
	alerts  *monitoring.AlertManager
	workers *pool.WorkerPool
	cache   SeenCache // 可为 nil
}

// NewDetector 创建重复检测器。
func NewDetector(
	store storage.Store,
	cfg *config.DedupConfig,
	log *zap.Logger,
	metrics *monitoring.Metrics,
	alerts *monitoring.AlertManager,
	workers *pool.WorkerPool,
) *Detector {
	return &Detector{
		emails:  store,
		hashes:  store,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		alerts:  alerts,
		workers: workers,
	}
}

// WithCache 设置 Message-ID 快速路径缓存。
func (d *Detector) WithCache(cache SeenCache) *Detector {
	d.cache = cache
	return d
}

// Check 对载荷执行三级重复检测。
// 返回的 error 恒为 nil 以外仅在上下文取消时出现，
// 数据层故障在内部消化为 fail-open。
func (d *Detector) Check(ctx context.Context, orgID string, payload *domain.EmailPayload) (domain.DuplicateVerdict, error) {
	if err := ctx.Err(); err != nil {
		return domain.NotDuplicate(), err
	}

	// 第一级: Message-ID 精确匹配
	if verdict, done := d.checkMessageID(ctx, orgID, payload); done {
		return verdict, nil
	}

	// 第二级: 规范化内容哈希
	hash := d.Fingerprint(payload)
	if verdict, done := d.checkContentHash(ctx, orgID, hash); done {
		return verdict, nil
	}

	// 第三级: 同发件人近期邮件相似度
	if verdict, done := d.checkSimilarity(ctx, orgID, payload); done {
		return verdict, nil
	}

	return domain.NotDuplicate(), nil
}

// Fingerprint 计算载荷的规范化内容哈希。
func (d *Detector) Fingerprint(payload *domain.EmailPayload) string {
	return canonical.HashContent(payload.Subject, payload.Text, payload.From)
}

// RememberHash 异步登记已持久化邮件的内容哈希。
// 写入是尽力而为的，队列满或写入失败都只记录日志，
// 丢失的哈希最多让后续重复落到相似度级别。
func (d *Detector) RememberHash(orgID, emailID, hash string) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := d.hashes.SaveContentHash(ctx, &domain.ContentHash{
			ID:      uuid.NewString(),
			EmailID: emailID,
			OrgID:   orgID,
			Hash:    hash,
		})
		if err != nil && !errors.Is(err, storage.ErrDuplicateHash) {
			d.log.Warn("failed to record content hash",
				zap.String("org_id", orgID),
				zap.String("email_id", emailID),
				zap.Error(err),
			)
		}
	}

	if d.workers == nil || !d.workers.TrySubmit(task) {
		// 队列满时同步执行，哈希登记不值得反压请求
		if d.workers != nil {
			d.metrics.RecordError("worker_queue_saturated", "dedup")
		}
		task()
	}
}

// RememberMessageID 在缓存中标记 Message-ID 已出现。
func (d *Detector) RememberMessageID(ctx context.Context, orgID, messageID, emailID string) {
	if d.cache == nil {
		return
	}
	key := seenKey(orgID, messageID)
	if err := d.cache.SetSeen(ctx, key, emailID, d.cfg.LookbackWindow); err != nil {
		d.log.Debug("failed to cache message id", zap.Error(err))
	}
}

func (d *Detector) checkMessageID(ctx context.Context, orgID string, payload *domain.EmailPayload) (domain.DuplicateVerdict, bool) {
	if payload.MessageID == "" {
		return domain.NotDuplicate(), false
	}

	// 快速路径: 缓存命中直接判重，缓存故障退回存储查询
	if d.cache != nil {
		if emailID, err := d.cache.GetSeen(ctx, seenKey(orgID, payload.MessageID)); err == nil && emailID != "" {
			d.metrics.RecordDuplicate(domain.DuplicateReasonMessageID)
			return domain.DuplicateVerdict{
				IsDuplicate:     true,
				Reason:          domain.DuplicateReasonMessageID,
				ExistingEmailID: emailID,
				Confidence:      confidenceMessageID,
			}, true
		}
	}

	existing, err := d.emails.GetEmailByMessageID(ctx, orgID, payload.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrEmailNotFound) {
			return domain.NotDuplicate(), false
		}
		d.failOpen("message_id", err)
		return domain.NotDuplicate(), true
	}

	d.metrics.RecordDuplicate(domain.DuplicateReasonMessageID)
	return domain.DuplicateVerdict{
		IsDuplicate:     true,
		Reason:          domain.DuplicateReasonMessageID,
		ExistingEmailID: existing.ID,
		Confidence:      confidenceMessageID,
	}, true
}

func (d *Detector) checkContentHash(ctx context.Context, orgID, hash string) (domain.DuplicateVerdict, bool) {
	record, err := d.hashes.GetContentHash(ctx, orgID, hash)
	if err != nil {
		if errors.Is(err, storage.ErrHashNotFound) {
			return domain.NotDuplicate(), false
		}
		d.failOpen("content_hash", err)
		return domain.NotDuplicate(), true
	}

	d.metrics.RecordDuplicate(domain.DuplicateReasonContentHash)
	return domain.DuplicateVerdict{
		IsDuplicate:     true,
		Reason:          domain.DuplicateReasonContentHash,
		ExistingEmailID: record.EmailID,
		Confidence:      confidenceContentHash,
	}, true
}

func (d *Detector) checkSimilarity(ctx context.Context, orgID string, payload *domain.EmailPayload) (domain.DuplicateVerdict, bool) {
	since := time.Now().UTC().Add(-d.cfg.LookbackWindow)
	recent, err := d.emails.ListRecentBySender(ctx, orgID, payload.From, since, d.cfg.RecentLimit)
	if err != nil {
		d.failOpen("similarity", err)
		return domain.NotDuplicate(), true
	}

	words := canonical.WordSet(canonical.StripVolatile(payload.Subject, payload.Text))
	if len(words) == 0 {
		return domain.NotDuplicate(), false
	}

	for _, candidate := range recent {
		candidateWords := canonical.WordSet(canonical.StripVolatile(candidate.Subject, candidate.Text))
		similarity := canonical.Jaccard(words, candidateWords)
		if similarity >= d.cfg.SimilarityThreshold {
			reason := fmt.Sprintf("content similarity %.2f", similarity)
			d.metrics.RecordDuplicate("similarity")
			return domain.DuplicateVerdict{
				IsDuplicate:     true,
				Reason:          reason,
				ExistingEmailID: candidate.ID,
				Confidence:      int(math.Round(similarity * 100)),
			}, true
		}
	}

	return domain.NotDuplicate(), false
}

// failOpen 记录数据层故障并放行本次检测。
func (d *Detector) failOpen(stage string, err error) {
	d.log.Warn("duplicate check failed open",
		zap.String("stage", stage),
		zap.Error(err),
	)
	d.metrics.RecordDedupFailOpen()
	if d.alerts != nil {
		d.alerts.TriggerAlert(&monitoring.Alert{
			ID:        alertDedupFailOpen,
			Title:     "Duplicate Detection Fail-Open",
			Message:   "duplicate checks are being skipped because of storage errors",
			Level:     monitoring.AlertLevelWarning,
			Component: "dedup",
			Timestamp: time.Now(),
		})
	}
}

func seenKey(orgID, messageID string) string {
	return "dedup:seen:" + orgID + ":" + messageID
}
