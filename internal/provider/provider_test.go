package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/domain"
)

const testSecret = "webhook-secret-for-tests"

// postmarkBody 构造 Postmark 投递体。
func postmarkBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"MessageID":         "msg-100",
		"From":              "shop@x.com",
		"To":                "acme@receipts.local",
		"OriginalRecipient": "acme@receipts.local",
		"Subject":           "Receipt",
		"TextBody":          "Total $10",
		"HtmlBody":          "<p>Total $10</p>",
		"Attachments": []map[string]interface{}{
			{"Name": "receipt.pdf", "ContentType": "application/pdf", "ContentLength": 1024},
		},
	})
	require.NoError(t, err)
	return body
}

// sesBody 构造 SNS 封套包裹的 SES 投递体。
func sesBody(t *testing.T) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]interface{}{
		"notificationType": "Received",
		"mail": map[string]interface{}{
			"messageId":   "msg-100",
			"source":      "shop@x.com",
			"destination": []string{"acme@receipts.local"},
			"timestamp":   "2026-08-30T10:00:00Z",
			"commonHeaders": map[string]interface{}{
				"from":    []string{"shop@x.com"},
				"to":      []string{"acme@receipts.local"},
				"subject": "Receipt",
			},
		},
		"content": map[string]string{
			"text": "Total $10",
			"html": "<p>Total $10</p>",
		},
	})
	require.NoError(t, err)

	envelope, err := json.Marshal(map[string]string{
		"Type":      "Notification",
		"MessageId": "sns-1",
		"Message":   string(inner),
	})
	require.NoError(t, err)
	return envelope
}

// mailgunBody 构造带有效签名的 Mailgun 投递体。
func mailgunBody(t *testing.T, signingKey string, ts time.Time) []byte {
	t.Helper()
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	token := "deterministic-token"

	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp + token))
	signature := hex.EncodeToString(mac.Sum(nil))

	body, err := json.Marshal(map[string]interface{}{
		"signature": map[string]string{
			"timestamp": timestamp,
			"token":     token,
			"signature": signature,
		},
		"message": map[string]interface{}{
			"message-id": "msg-100",
			"from":       "shop@x.com",
			"recipient":  "acme@receipts.local",
			"subject":    "Receipt",
			"body-plain": "Total $10",
			"body-html":  "<p>Total $10</p>",
			"timestamp":  ts.Unix(),
		},
	})
	require.NoError(t, err)
	return body
}

func TestFactory(t *testing.T) {
	t.Run("按名称构造适配器", func(t *testing.T) {
		for _, name := range []string{"postmark", "ses", "mailgun"} {
			adapter, err := New(&config.ProviderConfig{
				Name:          name,
				WebhookSecret: testSecret,
				SigningKey:    testSecret,
			})
			require.NoError(t, err)
			assert.Equal(t, name, adapter.Name())
		}
	})

	t.Run("未知名称返回配置错误", func(t *testing.T) {
		adapter, err := New(&config.ProviderConfig{Name: "sendgrid"})
		assert.Error(t, err)
		assert.Nil(t, adapter)
	})
}

// TestParseRoundTrip 验证所有 Provider 解析出形状一致的标准载荷。
func TestParseRoundTrip(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name    string
		adapter Adapter
		body    []byte
	}{
		{"postmark", NewPostmarkAdapter(testSecret), postmarkBody(t)},
		{"ses", NewSESAdapter(testSecret), sesBody(t)},
		{"mailgun", NewMailgunAdapter(testSecret, 5*time.Minute), mailgunBody(t, testSecret, now)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
			payload, err := tc.adapter.Parse(req, tc.body)
			require.NoError(t, err)

			// 所有 Provider 归一化到同一字段形状
			assert.Equal(t, "msg-100", payload.MessageID)
			assert.Equal(t, "shop@x.com", payload.From)
			assert.Equal(t, "acme@receipts.local", payload.Alias)
			assert.Equal(t, "Receipt", payload.Subject)
			assert.Equal(t, "Total $10", payload.Text)
			assert.Equal(t, tc.name, payload.Metadata.Provider)
			assert.False(t, payload.ReceivedAt.IsZero())
		})
	}
}

func TestPostmarkVerify(t *testing.T) {
	adapter := NewPostmarkAdapter(testSecret)

	t.Run("正确令牌通过", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		req.Header.Set(HeaderWebhookToken, testSecret)
		assert.NoError(t, adapter.Verify(req, nil))
	})

	t.Run("错误令牌失败关闭", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		req.Header.Set(HeaderWebhookToken, "wrong")
		err := adapter.Verify(req, nil)
		require.Error(t, err)

		var verr *domain.ProviderVerificationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "postmark", verr.Provider)
		assert.True(t, errors.Is(err, domain.ErrAuthentication))
	})

	t.Run("缺少令牌失败关闭", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		assert.Error(t, adapter.Verify(req, nil))
	})

	t.Run("未配置密钥时拒绝一切", func(t *testing.T) {
		empty := NewPostmarkAdapter("")
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		req.Header.Set(HeaderWebhookToken, "anything")
		assert.Error(t, empty.Verify(req, nil))
	})
}

func TestSESVerifyAndParse(t *testing.T) {
	adapter := NewSESAdapter(testSecret)

	t.Run("查询令牌通过", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/inbound/email?token="+testSecret, nil)
		assert.NoError(t, adapter.Verify(req, nil))
	})

	t.Run("错误令牌失败", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/inbound/email?token=bad", nil)
		assert.Error(t, adapter.Verify(req, nil))
	})

	t.Run("订阅确认封套被拒绝", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"Type":    "SubscriptionConfirmation",
			"Message": "{}",
		})
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		_, err := adapter.Parse(req, body)

		var perr *domain.ProviderParsingError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "subscription_confirmation", perr.Code)
	})

	t.Run("内层消息格式错误", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"Type":    "Notification",
			"Message": "not-json",
		})
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		_, err := adapter.Parse(req, body)
		assert.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})
}

func TestMailgunVerify(t *testing.T) {
	adapter := NewMailgunAdapter(testSecret, 5*time.Minute)

	t.Run("有效签名通过", func(t *testing.T) {
		body := mailgunBody(t, testSecret, time.Now())
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		assert.NoError(t, adapter.Verify(req, body))
	})

	t.Run("错误签名密钥失败", func(t *testing.T) {
		body := mailgunBody(t, "other-key", time.Now())
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		assert.Error(t, adapter.Verify(req, body))
	})

	t.Run("过期时间戳被拒绝", func(t *testing.T) {
		body := mailgunBody(t, testSecret, time.Now().Add(-time.Hour))
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		err := adapter.Verify(req, body)
		require.Error(t, err)

		var verr *domain.ProviderVerificationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "timestamp_skew", verr.Code)
	})
}

func TestParseMissingFields(t *testing.T) {
	t.Run("缺少MessageID返回解析错误", func(t *testing.T) {
		adapter := NewPostmarkAdapter(testSecret)
		body, _ := json.Marshal(map[string]string{
			"From": "shop@x.com",
			"To":   "acme@receipts.local",
		})
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		_, err := adapter.Parse(req, body)

		var perr *domain.ProviderParsingError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "missing_field", perr.Code)
	})

	t.Run("非JSON体返回解析错误", func(t *testing.T) {
		adapter := NewPostmarkAdapter(testSecret)
		req := httptest.NewRequest("POST", "/v1/inbound/email", nil)
		_, err := adapter.Parse(req, []byte("not json"))
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})
}
