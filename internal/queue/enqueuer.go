// Package queue 负责把已通过校验的邮件落库并派发处理任务。
package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/monitoring"
	"receiptflow/backend/internal/pool"
	"receiptflow/backend/internal/resilience"
	"receiptflow/backend/internal/storage"
)

// Job 一个待处理的收据解析任务。
type Job struct {
	EmailID       string
	OrgID         string
	CorrelationID string
}

// Processor 下游收据处理端。
// 资源池中的条目实现该接口，按组织复用连接。
type Processor interface {
	Process(ctx context.Context, job Job) error
	Close() error
}

// LocalEnqueuer 本地任务派发器。
// 持久化邮件后经协程池把任务交给下游处理端，
// 下游连接从资源池按组织租借。
type LocalEnqueuer struct {
	emails    storage.EmailRepository
	workers   *pool.WorkerPool
	resources *pool.ResourcePool
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewLocalEnqueuer 创建本地任务派发器。
func NewLocalEnqueuer(
	emails storage.EmailRepository,
	workers *pool.WorkerPool,
	resources *pool.ResourcePool,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *LocalEnqueuer {
	return &LocalEnqueuer{
		emails:    emails,
		workers:   workers,
		resources: resources,
		metrics:   metrics,
		log:       log,
	}
}

// Enqueue 持久化邮件并派发处理任务。
// (org_id, message_id) 唯一约束命中返回 domain.ErrDuplicateEmail，
// 其余存储故障标记为临时错误供上层重试。
func (q *LocalEnqueuer) Enqueue(ctx context.Context, email *domain.InboundEmail, correlationID string) error {
	if err := q.emails.SaveEmail(ctx, email); err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			return domain.ErrDuplicateEmail
		}
		return resilience.Transient(err)
	}

	q.dispatch(Job{EmailID: email.ID, OrgID: email.OrgID, CorrelationID: correlationID})
	return nil
}

// dispatch 把任务交给协程池异步处理。
// 派发失败只影响后台解析的及时性，不回滚已落库的邮件。
func (q *LocalEnqueuer) dispatch(job Job) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		handle, err := q.resources.Acquire(ctx, job.OrgID)
		if err != nil {
			q.log.Error("failed to acquire processor",
				zap.String("email_id", job.EmailID),
				zap.Error(err),
			)
			return
		}
		defer q.resources.Release(handle)

		processor, ok := handle.Resource.(Processor)
		if !ok {
			q.log.Error("pooled resource is not a processor", zap.String("org_id", job.OrgID))
			return
		}
		if err := processor.Process(ctx, job); err != nil {
			q.log.Error("processing job failed",
				zap.String("email_id", job.EmailID),
				zap.Error(err),
			)
		}
	}

	if q.workers == nil || !q.workers.TrySubmit(task) {
		if q.workers != nil && q.metrics != nil {
			q.metrics.RecordError("worker_queue_saturated", "queue")
		}
		q.log.Warn("worker queue saturated, processing inline",
			zap.String("email_id", job.EmailID),
		)
		task()
	}
}
