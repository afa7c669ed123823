package provider

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"receiptflow/backend/internal/domain"
)

// SESAdapter 解析 SNS 通知封套包裹的 SES 入站投递。
// 外层封套的 Message 字段是 JSON 编码的内层消息；
// 验证方式为订阅时配置的路径令牌。
type SESAdapter struct {
	pathToken string
}

// NewSESAdapter 创建 SES 适配器。
func NewSESAdapter(pathToken string) *SESAdapter {
	return &SESAdapter{pathToken: pathToken}
}

// snsEnvelope SNS 通知的外层封套。
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"` // JSON 编码的内层消息
	Timestamp string `json:"Timestamp"`
}

// sesMessage SES 接收通知的内层消息。
type sesMessage struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID     string   `json:"messageId"`
		Source        string   `json:"source"`
		Destination   []string `json:"destination"`
		Timestamp     string   `json:"timestamp"`
		CommonHeaders struct {
			From    []string `json:"from"`
			To      []string `json:"to"`
			Subject string   `json:"subject"`
		} `json:"commonHeaders"`
	} `json:"mail"`
	Content struct {
		Text string `json:"text"`
		HTML string `json:"html"`
	} `json:"content"`
}

// Name 返回 Provider 名称。
func (a *SESAdapter) Name() string {
	return "ses"
}

// Verify 校验订阅令牌。
//
// 令牌通过查询参数 token 传递（订阅 URL 在部署时配置）。
func (a *SESAdapter) Verify(r *http.Request, _ []byte) error {
	if a.pathToken == "" {
		return verificationError(a.Name(), "secret_not_configured")
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		return verificationError(a.Name(), "missing_token")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(a.pathToken)) != 1 {
		return verificationError(a.Name(), "token_mismatch")
	}

	return nil
}

// Parse 解开 SNS 封套并将内层 SES 消息解析为标准化载荷。
func (a *SESAdapter) Parse(_ *http.Request, body []byte) (*domain.EmailPayload, error) {
	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, parsingError(a.Name(), "invalid_envelope", err.Error())
	}

	switch envelope.Type {
	case "Notification":
		// 继续解析
	case "SubscriptionConfirmation":
		// 订阅确认由运维在部署期完成，请求路径上视为无效载荷
		return nil, parsingError(a.Name(), "subscription_confirmation", "subscription must be confirmed out of band")
	default:
		return nil, parsingError(a.Name(), "unknown_envelope_type", envelope.Type)
	}

	if envelope.Message == "" {
		return nil, parsingError(a.Name(), "missing_field", "Message is required")
	}

	var msg sesMessage
	if err := json.Unmarshal([]byte(envelope.Message), &msg); err != nil {
		return nil, parsingError(a.Name(), "invalid_inner_message", err.Error())
	}

	if msg.Mail.MessageID == "" {
		return nil, parsingError(a.Name(), "missing_field", "mail.messageId is required")
	}

	from := msg.Mail.Source
	if len(msg.Mail.CommonHeaders.From) > 0 {
		from = msg.Mail.CommonHeaders.From[0]
	}
	if from == "" {
		return nil, parsingError(a.Name(), "missing_field", "sender is required")
	}

	var recipient string
	if len(msg.Mail.Destination) > 0 {
		recipient = msg.Mail.Destination[0]
	} else if len(msg.Mail.CommonHeaders.To) > 0 {
		recipient = msg.Mail.CommonHeaders.To[0]
	}
	if recipient == "" {
		return nil, parsingError(a.Name(), "missing_field", "recipient is required")
	}

	receivedAt := time.Now().UTC()
	if msg.Mail.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, msg.Mail.Timestamp); err == nil {
			receivedAt = parsed.UTC()
		}
	}

	return &domain.EmailPayload{
		Alias:      strings.ToLower(recipient),
		MessageID:  msg.Mail.MessageID,
		From:       from,
		To:         recipient,
		Subject:    msg.Mail.CommonHeaders.Subject,
		Text:       msg.Content.Text,
		HTML:       msg.Content.HTML,
		ReceivedAt: receivedAt,
		Metadata:   domain.PayloadMeta{Provider: a.Name()},
	}, nil
}
