package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication 表示签名或共享密钥校验失败，不重试。
	ErrAuthentication = errors.New("authentication failed")
	// ErrValidation 表示请求载荷格式错误或缺少必填字段，不重试。
	ErrValidation = errors.New("payload validation failed")
	// ErrRecipientNotFound 表示收件别名不存在或未激活。
	// 可能是探测行为，需要记录安全事件。
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrRateLimitExceeded 表示组织超出窗口配额，未执行任何副作用。
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrDuplicateEmail 表示持久层唯一约束命中，属于"迟到发现的重复"。
	ErrDuplicateEmail = errors.New("duplicate email")
)

// ProviderVerificationError 表示 Provider 请求验证失败。
// Code 仅用于内部诊断，不向调用方泄露。
type ProviderVerificationError struct {
	Provider string
	Code     string
}

// Error 实现 error 接口。
func (e *ProviderVerificationError) Error() string {
	return fmt.Sprintf("provider %s verification failed (%s)", e.Provider, e.Code)
}

// Unwrap 归类到认证错误。
func (e *ProviderVerificationError) Unwrap() error {
	return ErrAuthentication
}

// ProviderParsingError 表示 Provider 载荷解析失败。
type ProviderParsingError struct {
	Provider string
	Code     string
	Details  string
}

// Error 实现 error 接口。
func (e *ProviderParsingError) Error() string {
	return fmt.Sprintf("provider %s parsing failed (%s): %s", e.Provider, e.Code, e.Details)
}

// Unwrap 归类到载荷校验错误。
func (e *ProviderParsingError) Unwrap() error {
	return ErrValidation
}
