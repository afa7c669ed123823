package provider

import (
	"fmt"

	"receiptflow/backend/internal/config"
)

// New 根据配置构造 Provider 适配器。
//
// Provider 在启动时选定一次，未知名称返回配置错误，
// 绝不把选择推迟到请求处理阶段。
func New(cfg *config.ProviderConfig) (Adapter, error) {
	switch cfg.Name {
	case "postmark":
		return NewPostmarkAdapter(cfg.WebhookSecret), nil
	case "ses":
		return NewSESAdapter(cfg.WebhookSecret), nil
	case "mailgun":
		return NewMailgunAdapter(cfg.SigningKey, cfg.MaxSkew), nil
	default:
		return nil, fmt.Errorf("unknown inbound provider %q", cfg.Name)
	}
}
