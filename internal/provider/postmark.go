package provider

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"receiptflow/backend/internal/domain"
)

// HeaderWebhookToken Postmark 入站 Webhook 的共享密钥请求头。
const HeaderWebhookToken = "X-Webhook-Token"

// PostmarkAdapter 解析 Postmark 风格的直接 JSON 投递。
// 验证方式为共享密钥请求头的常量时间比较。
type PostmarkAdapter struct {
	secret string
}

// NewPostmarkAdapter 创建 Postmark 适配器。
func NewPostmarkAdapter(secret string) *PostmarkAdapter {
	return &PostmarkAdapter{secret: secret}
}

// postmarkInbound Postmark 入站投递的 JSON 结构。
type postmarkInbound struct {
	MessageID         string `json:"MessageID"`
	From              string `json:"From"`
	To                string `json:"To"`
	OriginalRecipient string `json:"OriginalRecipient"`
	Subject           string `json:"Subject"`
	TextBody          string `json:"TextBody"`
	HTMLBody          string `json:"HtmlBody"`
	Date              string `json:"Date"`
	Attachments       []struct {
		Name          string `json:"Name"`
		ContentType   string `json:"ContentType"`
		ContentLength int64  `json:"ContentLength"`
	} `json:"Attachments"`
}

// Name 返回 Provider 名称。
func (a *PostmarkAdapter) Name() string {
	return "postmark"
}

// Verify 校验共享密钥请求头。
func (a *PostmarkAdapter) Verify(r *http.Request, _ []byte) error {
	if a.secret == "" {
		return verificationError(a.Name(), "secret_not_configured")
	}

	token := r.Header.Get(HeaderWebhookToken)
	if token == "" {
		return verificationError(a.Name(), "missing_token")
	}

	// 常量时间比较，避免时序侧信道
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) != 1 {
		return verificationError(a.Name(), "token_mismatch")
	}

	return nil
}

// Parse 将直接 JSON 体解析为标准化载荷。
func (a *PostmarkAdapter) Parse(_ *http.Request, body []byte) (*domain.EmailPayload, error) {
	var inbound postmarkInbound
	if err := json.Unmarshal(body, &inbound); err != nil {
		return nil, parsingError(a.Name(), "invalid_json", err.Error())
	}

	if inbound.MessageID == "" {
		return nil, parsingError(a.Name(), "missing_field", "MessageID is required")
	}
	if inbound.From == "" {
		return nil, parsingError(a.Name(), "missing_field", "From is required")
	}

	recipient := inbound.OriginalRecipient
	if recipient == "" {
		recipient = inbound.To
	}
	if recipient == "" {
		return nil, parsingError(a.Name(), "missing_field", "recipient is required")
	}

	receivedAt := time.Now().UTC()
	if inbound.Date != "" {
		if parsed, err := time.Parse(time.RFC1123Z, inbound.Date); err == nil {
			receivedAt = parsed.UTC()
		}
	}

	payload := &domain.EmailPayload{
		Alias:      recipient,
		MessageID:  inbound.MessageID,
		From:       inbound.From,
		To:         recipient,
		Subject:    inbound.Subject,
		Text:       inbound.TextBody,
		HTML:       inbound.HTMLBody,
		ReceivedAt: receivedAt,
		Metadata:   domain.PayloadMeta{Provider: a.Name()},
	}

	for _, att := range inbound.Attachments {
		payload.Attachments = append(payload.Attachments, &domain.Attachment{
			Name:        att.Name,
			ContentType: att.ContentType,
			Size:        att.ContentLength,
		})
	}

	return payload, nil
}
