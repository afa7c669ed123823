package queue

import (
	"context"

	"go.uber.org/zap"
)

// LogProcessor 收据解析子系统接入前的本地处理端。
// 只记录任务已就绪，真正的解析由外部子系统消费。
type LogProcessor struct {
	orgID string
	log   *zap.Logger
}

// NewLogProcessor 创建日志处理端。
func NewLogProcessor(orgID string, log *zap.Logger) *LogProcessor {
	return &LogProcessor{orgID: orgID, log: log}
}

// Process 实现 Processor。
func (p *LogProcessor) Process(_ context.Context, job Job) error {
	p.log.Info("email ready for extraction",
		zap.String("email_id", job.EmailID),
		zap.String("org_id", job.OrgID),
		zap.String("correlation_id", job.CorrelationID),
	)
	return nil
}

// Close 实现 Processor。
func (p *LogProcessor) Close() error { return nil }
