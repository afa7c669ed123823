package httptransport

import (
	"errors"
	"net/http"

	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/resilience"
)

// 对外错误消息。保持通用措辞，Provider 名称与内部错误码只进日志。
const (
	MsgAlreadyProcessed   = "already processed"
	MsgAuthFailed         = "authentication failed"
	MsgInvalidPayload     = "invalid payload"
	MsgRecipientNotFound  = "recipient not found"
	MsgRateLimitExceeded  = "rate limit exceeded"
	MsgRequestBodyTooLong = "request body too large"
	MsgMethodNotAllowed   = "method not allowed"
	MsgRouteNotFound      = "not found"
	MsgInternalError      = "internal server error"
)

// statusForError 将处理管线错误归类为 HTTP 状态码与通用消息。
//
// 映射关系：认证失败 401、载荷非法 400、收件人未知 404、
// 限流 429、熔断与其余错误一律 500。
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized, MsgAuthFailed
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, MsgInvalidPayload
	case errors.Is(err, domain.ErrRecipientNotFound):
		return http.StatusNotFound, MsgRecipientNotFound
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, MsgRateLimitExceeded
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusInternalServerError, MsgInternalError
	default:
		return http.StatusInternalServerError, MsgInternalError
	}
}
