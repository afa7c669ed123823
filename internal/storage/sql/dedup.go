package sql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/storage"
)

// ========== Content Hash Repository ==========

// SaveContentHash 写入内容哈希，(org_id, hash) 唯一约束冲突映射为 ErrDuplicateHash
func (s *Store) SaveContentHash(ctx context.Context, hash *domain.ContentHash) error {
	query := s.rebind(`
		INSERT INTO content_hashes (id, email_id, org_id, hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	createdAt := hash.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		hash.ID,
		hash.EmailID,
		hash.OrgID,
		hash.Hash,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateHash
		}
		return err
	}
	return nil
}

// GetContentHash 根据组织与哈希获取记录
func (s *Store) GetContentHash(ctx context.Context, orgID, hashValue string) (*domain.ContentHash, error) {
	query := s.rebind(`
		SELECT id, email_id, org_id, hash, created_at
		FROM content_hashes
		WHERE org_id = ? AND hash = ?
	`)
	var record domain.ContentHash
	err := s.db.QueryRowContext(ctx, query, orgID, hashValue).Scan(
		&record.ID,
		&record.EmailID,
		&record.OrgID,
		&record.Hash,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrHashNotFound
		}
		return nil, err
	}
	return &record, nil
}
