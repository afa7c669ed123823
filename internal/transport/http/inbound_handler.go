package httptransport

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"receiptflow/backend/internal/service"
)

// InboundHandler 接收 Provider webhook 投递并交给编排器处理。
type InboundHandler struct {
	ingest *service.IngestService
	log    *zap.Logger
}

// NewInboundHandler 创建入站处理器。
func NewInboundHandler(ingest *service.IngestService, log *zap.Logger) *InboundHandler {
	return &InboundHandler{ingest: ingest, log: log}
}

// HandleEmail godoc
// @Summary 接收入站邮件
// @Description 接收 Provider webhook 投递的回执邮件
// @Tags Inbound
// @Accept json
// @Produce json
// @Success 200 {object} ingestResponse
// @Failure 400 {object} errorResponse
// @Failure 401 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Failure 429 {object} errorResponse
// @Failure 500 {object} errorResponse
// @Router /v1/inbound/email [post]
func (h *InboundHandler) HandleEmail(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Fail(c, http.StatusRequestEntityTooLarge, MsgRequestBodyTooLong, "")
			return
		}
		Fail(c, http.StatusBadRequest, MsgInvalidPayload, "")
		return
	}

	result, err := h.ingest.HandleInbound(c.Request.Context(), c.Request, body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if result.Duplicate {
		AlreadyProcessed(c, result)
		return
	}
	Ingested(c, result)
}

// respondError 将管线错误翻译为响应，限流拒绝附带 Retry-After。
func (h *InboundHandler) respondError(c *gin.Context, err error) {
	status, msg := statusForError(err)

	correlationID := ""
	var pipeErr *service.PipelineError
	if errors.As(err, &pipeErr) {
		correlationID = pipeErr.CorrelationID
		if status == http.StatusTooManyRequests && pipeErr.RetryAfter > 0 {
			seconds := int(pipeErr.RetryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
		}
	}

	if status >= http.StatusInternalServerError {
		h.log.Error("inbound delivery failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	}
	Fail(c, status, msg, correlationID)
}
