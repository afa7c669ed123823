package sql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/storage"
)

// ========== Email Repository ==========

// SaveEmail 保存入站邮件，(org_id, message_id) 唯一约束冲突映射为 ErrDuplicateEmail
func (s *Store) SaveEmail(ctx context.Context, email *domain.InboundEmail) error {
	query := s.rebind(`
		INSERT INTO inbound_emails (id, org_id, message_id, alias, from_address, to_address, subject, text, provider, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	createdAt := email.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		email.ID,
		email.OrgID,
		email.MessageID,
		email.Alias,
		email.From,
		email.To,
		email.Subject,
		email.Text,
		email.Provider,
		email.ReceivedAt,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// GetEmailByMessageID 根据组织与 Message-ID 获取邮件
func (s *Store) GetEmailByMessageID(ctx context.Context, orgID, messageID string) (*domain.InboundEmail, error) {
	query := s.rebind(`
		SELECT id, org_id, message_id, alias, from_address, to_address, subject, text, provider, received_at, created_at
		FROM inbound_emails
		WHERE org_id = ? AND message_id = ?
	`)
	var email domain.InboundEmail
	err := s.db.QueryRowContext(ctx, query, orgID, messageID).Scan(
		&email.ID,
		&email.OrgID,
		&email.MessageID,
		&email.Alias,
		&email.From,
		&email.To,
		&email.Subject,
		&email.Text,
		&email.Provider,
		&email.ReceivedAt,
		&email.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEmailNotFound
		}
		return nil, err
	}
	return &email, nil
}

// ListRecentBySender 获取同组织同发件人自 since 起的最近邮件，按接收时间倒序
func (s *Store) ListRecentBySender(ctx context.Context, orgID, sender string, since time.Time, limit int) ([]domain.InboundEmail, error) {
	query := s.rebind(`
		SELECT id, org_id, message_id, alias, from_address, to_address, subject, text, provider, received_at, created_at
		FROM inbound_emails
		WHERE org_id = ? AND lower(from_address) = lower(?) AND received_at >= ?
		ORDER BY received_at DESC
		LIMIT ?
	`)
	rows, err := s.db.QueryContext(ctx, query, orgID, sender, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := make([]domain.InboundEmail, 0, limit)
	for rows.Next() {
		var email domain.InboundEmail
		if err := rows.Scan(
			&email.ID,
			&email.OrgID,
			&email.MessageID,
			&email.Alias,
			&email.From,
			&email.To,
			&email.Subject,
			&email.Text,
			&email.Provider,
			&email.ReceivedAt,
			&email.CreatedAt,
		); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}
