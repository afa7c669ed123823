package smtp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"receiptflow/backend/internal/alias"
	"receiptflow/backend/internal/config"
	"receiptflow/backend/internal/dedup"
	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/monitoring"
	"receiptflow/backend/internal/ratelimit"
	"receiptflow/backend/internal/resilience"
	"receiptflow/backend/internal/service"
	"receiptflow/backend/internal/storage/memory"
)

// storeEnqueuer 直接落库的入队实现
type storeEnqueuer struct {
	store *memory.Store
}

func (e *storeEnqueuer) Enqueue(ctx context.Context, email *domain.InboundEmail, _ string) error {
	return e.store.SaveEmail(ctx, email)
}

type backendFixture struct {
	backend *Backend
	store   *memory.Store
}

func newBackendFixture(t *testing.T, maxRequests int) *backendFixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	alerts := monitoring.NewAlertManager(log)
	store := memory.NewStore()

	require.NoError(t, store.SaveOrganization(ctx, &domain.Organization{
		ID: "org-1", Name: "Acme", Slug: "acme", IsActive: true,
	}))
	require.NoError(t, store.SaveAlias(ctx, &domain.OrgAlias{
		ID: "al-1", OrgID: "org-1", Slug: "acme-receipts",
		Address: "acme-receipts@in.example.com", IsActive: true,
	}))

	dedupCfg := &config.DedupConfig{SimilarityThreshold: 0.90, LookbackWindow: 7 * 24 * time.Hour, RecentLimit: 20}
	limitCfg := &config.RateLimitConfig{MaxRequests: maxRequests, WindowMinutes: 60}
	retryCfg := &config.RetryConfig{
		MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
		BackoffFactor: 2.0, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second,
	}

	resolver := alias.NewResolver(store)
	ingest := service.NewIngestService(
		nil,
		resolver,
		dedup.NewDetector(store, dedupCfg, log, metrics, alerts, nil),
		ratelimit.NewMemoryLimiter(limitCfg),
		resilience.NewExecutor(retryCfg, log).WithJitter(resilience.NoJitter),
		resilience.NewBreaker(retryCfg, log),
		&storeEnqueuer{store: store},
		store,
		service.NewZapProcessingLog(log),
		metrics,
		log,
	)

	return &backendFixture{
		backend: NewBackend(resolver, ingest, nil, log),
		store:   store,
	}
}

func (f *backendFixture) session(t *testing.T) *session {
	t.Helper()
	sess, err := f.backend.NewSession(nil)
	require.NoError(t, err)
	return sess.(*session)
}

func rawReceipt(seq string) string {
	return strings.Join([]string{
		"Message-ID: <" + seq + "@vendor.example>",
		"From: billing@vendor.example",
		"To: acme-receipts@in.example.com",
		"Subject: Receipt " + seq,
		"Content-Type: text/plain; charset=utf-8",
		"",
		"order " + seq + " item" + seq + " total" + seq,
	}, "\r\n")
}

func TestSMTPSession(t *testing.T) {
	t.Run("已登记别名接收成功", func(t *testing.T) {
		f := newBackendFixture(t, 100)
		sess := f.session(t)

		require.NoError(t, sess.Mail("billing@vendor.example", nil))
		require.NoError(t, sess.Rcpt("<ACME-Receipts@in.example.com>", nil))
		require.NoError(t, sess.Data(strings.NewReader(rawReceipt("r1"))))

		email, err := f.store.GetEmailByMessageID(context.Background(), "org-1", "<r1@vendor.example>")
		require.NoError(t, err)
		assert.Equal(t, "smtp", email.Provider)
		assert.Equal(t, "acme-receipts@in.example.com", email.Alias)
	})

	t.Run("未知收件人返回550", func(t *testing.T) {
		f := newBackendFixture(t, 100)
		sess := f.session(t)

		err := sess.Rcpt("nobody@in.example.com", nil)
		require.Error(t, err)

		var smtpErr *gosmtp.SMTPError
		require.True(t, errors.As(err, &smtpErr))
		assert.Equal(t, 550, smtpErr.Code)
	})

	t.Run("非法地址返回501", func(t *testing.T) {
		f := newBackendFixture(t, 100)
		sess := f.session(t)

		err := sess.Rcpt("not-an-address", nil)
		require.Error(t, err)

		var smtpErr *gosmtp.SMTPError
		require.True(t, errors.As(err, &smtpErr))
		assert.Equal(t, 501, smtpErr.Code)
	})

	t.Run("重复投递按成功接收处理", func(t *testing.T) {
		f := newBackendFixture(t, 100)

		sess := f.session(t)
		require.NoError(t, sess.Rcpt("acme-receipts@in.example.com", nil))
		require.NoError(t, sess.Data(strings.NewReader(rawReceipt("r2"))))

		again := f.session(t)
		require.NoError(t, again.Rcpt("acme-receipts@in.example.com", nil))
		assert.NoError(t, again.Data(strings.NewReader(rawReceipt("r2"))))
	})

	t.Run("超出组织配额返回451", func(t *testing.T) {
		f := newBackendFixture(t, 1)

		sess := f.session(t)
		require.NoError(t, sess.Rcpt("acme-receipts@in.example.com", nil))
		require.NoError(t, sess.Data(strings.NewReader(rawReceipt("r3"))))

		next := f.session(t)
		require.NoError(t, next.Rcpt("acme-receipts@in.example.com", nil))
		err := next.Data(strings.NewReader(rawReceipt("r4")))
		require.Error(t, err)

		var smtpErr *gosmtp.SMTPError
		require.True(t, errors.As(err, &smtpErr))
		assert.Equal(t, 451, smtpErr.Code)
	})

	t.Run("无法解析的内容返回554", func(t *testing.T) {
		f := newBackendFixture(t, 100)
		sess := f.session(t)

		require.NoError(t, sess.Rcpt("acme-receipts@in.example.com", nil))
		err := sess.Data(strings.NewReader("Content-Type: multipart/mixed\r\n\r\nbroken"))
		require.Error(t, err)

		var smtpErr *gosmtp.SMTPError
		require.True(t, errors.As(err, &smtpErr))
		assert.Equal(t, 554, smtpErr.Code)
	})

	t.Run("连接数超限拒绝新会话", func(t *testing.T) {
		f := newBackendFixture(t, 100)
		f.backend.limiter = NewConnectionLimiter(1, 10)

		first, err := f.backend.NewSession(nil)
		require.NoError(t, err)

		_, err = f.backend.NewSession(nil)
		require.Error(t, err)

		var smtpErr *gosmtp.SMTPError
		require.True(t, errors.As(err, &smtpErr))
		assert.Equal(t, 421, smtpErr.Code)

		require.NoError(t, first.Logout())
		_, err = f.backend.NewSession(nil)
		assert.NoError(t, err)
	})
}
