package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"receiptflow/backend/internal/domain"
)

// MailgunAdapter 解析 Mailgun 风格的签名 JSON 投递。
// 验证方式为 HMAC-SHA256(timestamp+token, signingKey)，
// 并检查时间戳偏移以防重放。
type MailgunAdapter struct {
	signingKey string
	maxSkew    time.Duration
	now        func() time.Time
}

// NewMailgunAdapter 创建 Mailgun 适配器。
func NewMailgunAdapter(signingKey string, maxSkew time.Duration) *MailgunAdapter {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &MailgunAdapter{
		signingKey: signingKey,
		maxSkew:    maxSkew,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// mailgunInbound Mailgun 入站投递的 JSON 结构。
type mailgunInbound struct {
	Signature struct {
		Timestamp string `json:"timestamp"`
		Token     string `json:"token"`
		Signature string `json:"signature"`
	} `json:"signature"`
	Message struct {
		MessageID string `json:"message-id"`
		From      string `json:"from"`
		Recipient string `json:"recipient"`
		Subject   string `json:"subject"`
		BodyPlain string `json:"body-plain"`
		BodyHTML  string `json:"body-html"`
		Timestamp int64  `json:"timestamp"`
		Attachments []struct {
			Name        string `json:"name"`
			ContentType string `json:"content-type"`
			Size        int64  `json:"size"`
		} `json:"attachments"`
	} `json:"message"`
}

// Name 返回 Provider 名称。
func (a *MailgunAdapter) Name() string {
	return "mailgun"
}

// Verify 校验签名块。
func (a *MailgunAdapter) Verify(_ *http.Request, body []byte) error {
	if a.signingKey == "" {
		return verificationError(a.Name(), "secret_not_configured")
	}

	var inbound mailgunInbound
	if err := json.Unmarshal(body, &inbound); err != nil {
		return verificationError(a.Name(), "invalid_body")
	}

	sig := inbound.Signature
	if sig.Timestamp == "" || sig.Token == "" || sig.Signature == "" {
		return verificationError(a.Name(), "missing_signature")
	}

	// 时间戳偏移检查，拒绝重放的旧投递
	ts, err := strconv.ParseInt(sig.Timestamp, 10, 64)
	if err != nil {
		return verificationError(a.Name(), "invalid_timestamp")
	}
	skew := a.now().Sub(time.Unix(ts, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return verificationError(a.Name(), "timestamp_skew")
	}

	mac := hmac.New(sha256.New, []byte(a.signingKey))
	mac.Write([]byte(sig.Timestamp + sig.Token))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig.Signature)) {
		return verificationError(a.Name(), "signature_mismatch")
	}

	return nil
}

// Parse 将签名投递体解析为标准化载荷。
func (a *MailgunAdapter) Parse(_ *http.Request, body []byte) (*domain.EmailPayload, error) {
	var inbound mailgunInbound
	if err := json.Unmarshal(body, &inbound); err != nil {
		return nil, parsingError(a.Name(), "invalid_json", err.Error())
	}

	msg := inbound.Message
	if msg.MessageID == "" {
		return nil, parsingError(a.Name(), "missing_field", "message-id is required")
	}
	if msg.From == "" {
		return nil, parsingError(a.Name(), "missing_field", "from is required")
	}
	if msg.Recipient == "" {
		return nil, parsingError(a.Name(), "missing_field", "recipient is required")
	}

	receivedAt := time.Now().UTC()
	if msg.Timestamp > 0 {
		receivedAt = time.Unix(msg.Timestamp, 0).UTC()
	}

	payload := &domain.EmailPayload{
		Alias:      msg.Recipient,
		MessageID:  msg.MessageID,
		From:       msg.From,
		To:         msg.Recipient,
		Subject:    msg.Subject,
		Text:       msg.BodyPlain,
		HTML:       msg.BodyHTML,
		ReceivedAt: receivedAt,
		Metadata:   domain.PayloadMeta{Provider: a.Name()},
	}

	for _, att := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, &domain.Attachment{
			Name:        att.Name,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}

	return payload, nil
}
