package service

import (
	"context"

	"go.uber.org/zap"
)

// ProcessingLog 记录处理流水与安全事件。
// 日志失败绝不中断处理管线，实现方必须自行消化错误。
type ProcessingLog interface {
	LogProcessingStep(ctx context.Context, correlationID, step, status string, fields map[string]interface{})
	LogSecurityEvent(ctx context.Context, correlationID, event string, fields map[string]interface{})
}

// ZapProcessingLog 基于 zap 的处理日志实现。
type ZapProcessingLog struct {
	log *zap.Logger
}

// NewZapProcessingLog 创建处理日志。
func NewZapProcessingLog(log *zap.Logger) *ZapProcessingLog {
	return &ZapProcessingLog{log: log}
}

// LogProcessingStep 记录一次状态机转移。
func (l *ZapProcessingLog) LogProcessingStep(_ context.Context, correlationID, step, status string, fields map[string]interface{}) {
	zapFields := make([]zap.Field, 0, len(fields)+3)
	zapFields = append(zapFields,
		zap.String("correlation_id", correlationID),
		zap.String("step", step),
		zap.String("status", status),
	)
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	l.log.Info("processing step", zapFields...)
}

// LogSecurityEvent 记录安全事件。
func (l *ZapProcessingLog) LogSecurityEvent(_ context.Context, correlationID, event string, fields map[string]interface{}) {
	zapFields := make([]zap.Field, 0, len(fields)+2)
	zapFields = append(zapFields,
		zap.String("correlation_id", correlationID),
		zap.String("event", event),
	)
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	l.log.Warn("security event", zapFields...)
}
