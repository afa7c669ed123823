package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"receiptflow/backend/internal/service"
)

// ingestResponse 入站接收成功的统一响应结构
//
// 重复投递时 Message 为 "already processed"，EmailID 指向已有记录。
type ingestResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	EmailID       string `json:"emailId"`
	CorrelationID string `json:"correlationId"`
	Provider      string `json:"provider,omitempty"`
}

// errorResponse 错误响应结构，只暴露通用消息，不泄漏内部细节
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Ingested 成功接收响应（200）
func Ingested(c *gin.Context, result *service.Result) {
	c.JSON(http.StatusOK, ingestResponse{
		Success:       true,
		EmailID:       result.EmailID,
		CorrelationID: result.CorrelationID,
		Provider:      result.Provider,
	})
}

// AlreadyProcessed 重复投递响应（200，返回已有邮件 ID）
func AlreadyProcessed(c *gin.Context, result *service.Result) {
	c.JSON(http.StatusOK, ingestResponse{
		Success:       true,
		Message:       MsgAlreadyProcessed,
		EmailID:       result.EmailID,
		CorrelationID: result.CorrelationID,
	})
}

// Fail 错误响应，携带关联 ID 便于排查
func Fail(c *gin.Context, status int, msg, correlationID string) {
	c.JSON(status, errorResponse{
		Error:         msg,
		CorrelationID: correlationID,
	})
}
