package smtp

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmail(t *testing.T) {
	t.Run("纯文本邮件", func(t *testing.T) {
		raw := strings.Join([]string{
			"Message-ID: <plain-1@vendor.example>",
			"From: billing@vendor.example",
			"To: acme-receipts@in.example.com",
			"Subject: Receipt #42",
			"Date: Mon, 02 Jan 2006 15:04:05 +0000",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"Your total is $10.00",
		}, "\r\n")

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "<plain-1@vendor.example>", parsed.MessageID)
		assert.Equal(t, "Receipt #42", parsed.Subject)
		assert.Equal(t, "billing@vendor.example", parsed.From)
		assert.Contains(t, parsed.Text, "Your total is $10.00")
		assert.Equal(t, 2006, parsed.Date.Year())
		assert.Empty(t, parsed.Attachments)
	})

	t.Run("无ContentType按纯文本处理", func(t *testing.T) {
		raw := "Subject: hi\r\n\r\nhello"

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "hello", parsed.Text)
	})

	t.Run("编码头部被解码", func(t *testing.T) {
		// "收据" 的 RFC 2047 编码
		raw := "Subject: =?utf-8?B?5pS25o2u?=\r\nContent-Type: text/plain\r\n\r\nbody"

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "收据", parsed.Subject)
	})

	t.Run("多部分邮件提取文本与附件元信息", func(t *testing.T) {
		pdf := []byte("%PDF-1.4 fake receipt content")
		encoded := base64.StdEncoding.EncodeToString(pdf)

		raw := strings.Join([]string{
			"Message-ID: <multi-1@vendor.example>",
			"Subject: Invoice",
			`Content-Type: multipart/mixed; boundary="frontier"`,
			"",
			"--frontier",
			"Content-Type: text/plain; charset=utf-8",
			"",
			"See attached invoice.",
			"--frontier",
			"Content-Type: application/pdf; name=invoice.pdf",
			"Content-Transfer-Encoding: base64",
			`Content-Disposition: attachment; filename="invoice.pdf"`,
			"",
			encoded,
			"--frontier--",
		}, "\r\n")

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Contains(t, parsed.Text, "See attached invoice.")
		require.Len(t, parsed.Attachments, 1)
		att := parsed.Attachments[0]
		assert.Equal(t, "invoice.pdf", att.Name)
		assert.Equal(t, "application/pdf", att.ContentType)
		assert.Equal(t, int64(len(pdf)), att.Size)
	})

	t.Run("quoted-printable正文被解码", func(t *testing.T) {
		raw := strings.Join([]string{
			"Subject: qp",
			"Content-Type: text/plain; charset=utf-8",
			"Content-Transfer-Encoding: quoted-printable",
			"",
			"Total =E2=82=AC10",
		}, "\r\n")

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "Total €10", strings.TrimSpace(parsed.Text))
	})

	t.Run("缺少boundary的多部分邮件报错", func(t *testing.T) {
		raw := "Content-Type: multipart/mixed\r\n\r\nbody"

		_, err := ParseEmail([]byte(raw))
		assert.Error(t, err)
	})
}
