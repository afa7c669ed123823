package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"receiptflow/backend/internal/alias"
	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/service"
)

// 单封邮件的最大原始体积与单封处理超时。
const (
	maxMessageBytes = 25 << 20
	dataTimeout     = 30 * time.Second
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 服务器（Receiving-Only SMTP Server）：
// 只接受发往已登记组织别名的投递，不支持对外发送，也不会成为
// 开放中继。Rcpt() 通过别名解析器严格验证收件人，未登记地址
// 一律返回 550。通过验证的邮件进入与 webhook 相同的处理管线，
// 重复检测与组织限流同样生效。
type Backend struct {
	resolver *alias.Resolver
	ingest   *service.IngestService
	limiter  *ConnectionLimiter
	log      *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(resolver *alias.Resolver, ingest *service.IngestService, limiter *ConnectionLimiter, log *zap.Logger) *Backend {
	return &Backend{
		resolver: resolver,
		ingest:   ingest,
		limiter:  limiter,
		log:      log,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
	released    bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 此方法是防止邮件中继的核心：只有解析到活跃组织别名的地址
// 才被接受，其余一律 550 拒绝。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	if !strings.Contains(addr, "@") {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dataTimeout)
	defer cancel()

	if _, _, err := s.backend.resolver.Resolve(ctx, addr); err != nil {
		if errors.Is(err, domain.ErrRecipientNotFound) {
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
				Message:      "recipient mailbox not found",
			}
		}
		s.backend.log.Error("smtp recipient lookup failed",
			zap.String("recipient", addr),
			zap.Error(err),
		)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容，逐收件人走完整接收管线。
func (s *session) Data(r io.Reader) error {
	rawBytes, err := io.ReadAll(io.LimitReader(r, maxMessageBytes))
	if err != nil {
		return err
	}

	parsed, err := ParseEmail(rawBytes)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message could not be parsed",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dataTimeout)
	defer cancel()

	for _, rcpt := range s.recipients {
		payload := s.buildPayload(rcpt, parsed)

		result, err := s.backend.ingest.HandleParsed(ctx, payload)
		if err != nil {
			return s.deliveryError(rcpt, err)
		}
		if result.Duplicate {
			// 重复投递按成功接收处理，避免触发发送方重试
			s.backend.log.Info("smtp delivery was duplicate",
				zap.String("recipient", rcpt),
				zap.String("email_id", result.EmailID),
			)
		}
	}

	return nil
}

// buildPayload 由解析结果构造标准化载荷。
func (s *session) buildPayload(rcpt string, parsed *ParsedEmail) *domain.EmailPayload {
	from := parsed.From
	if from == "" {
		from = s.fromAddress
	}
	receivedAt := parsed.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return &domain.EmailPayload{
		Alias:       rcpt,
		MessageID:   parsed.MessageID,
		From:        from,
		To:          rcpt,
		Subject:     parsed.Subject,
		Text:        parsed.Text,
		HTML:        parsed.HTML,
		Attachments: parsed.Attachments,
		ReceivedAt:  receivedAt,
		Metadata:    domain.PayloadMeta{Provider: "smtp"},
	}
}

// deliveryError 将管线错误翻译为 SMTP 状态码。
func (s *session) deliveryError(rcpt string, err error) error {
	if errors.Is(err, domain.ErrRateLimitExceeded) {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "rate limit exceeded, try again later",
		}
	}
	if errors.Is(err, domain.ErrRecipientNotFound) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}

	s.backend.log.Error("smtp delivery failed",
		zap.String("recipient", rcpt),
		zap.Error(err),
	)
	return &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "temporary failure, try again later",
	}
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.backend.limiter != nil && !s.released {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
