// Package provider 实现入站邮件 Provider 的验证与解析抽象。
//
// 每个 Provider 将自身的投递封套规范化为同一个 domain.EmailPayload，
// 下游组件（别名解析、重复检测、入队）不再区分来源。
// Provider 由部署配置选定一次，请求路径上不做类型再判断。
package provider

import (
	"net/http"

	"receiptflow/backend/internal/domain"
)

// Adapter 定义单个 Provider 的能力。
//
// Verify 失败关闭：任何不匹配或内部异常都返回
// *domain.ProviderVerificationError，绝不放行。
// Parse 对格式错误的载荷返回 *domain.ProviderParsingError。
type Adapter interface {
	// Name 返回 Provider 名称。
	Name() string
	// Verify 校验请求来源的真实性（共享密钥或签名封套）。
	Verify(r *http.Request, body []byte) error
	// Parse 将请求体解析为标准化载荷。
	Parse(r *http.Request, body []byte) (*domain.EmailPayload, error)
}

// verificationError 构造验证错误。
func verificationError(providerName, code string) error {
	return &domain.ProviderVerificationError{Provider: providerName, Code: code}
}

// parsingError 构造解析错误。
func parsingError(providerName, code, details string) error {
	return &domain.ProviderParsingError{Provider: providerName, Code: code, Details: details}
}
