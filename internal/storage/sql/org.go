package sql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/storage"
)

// ========== Org Repository ==========

// SaveOrganization 保存组织
func (s *Store) SaveOrganization(ctx context.Context, org *domain.Organization) error {
	query := s.rebind(`
		INSERT INTO organizations (id, name, slug, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	createdAt := org.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		org.ID,
		org.Name,
		org.Slug,
		org.IsActive,
		createdAt,
	)
	return err
}

// GetOrganization 根据ID获取组织
func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	query := s.rebind(`
		SELECT id, name, slug, is_active, created_at
		FROM organizations
		WHERE id = ?
	`)
	var org domain.Organization
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&org.ID,
		&org.Name,
		&org.Slug,
		&org.IsActive,
		&org.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrOrgNotFound
		}
		return nil, err
	}
	return &org, nil
}

// SaveAlias 保存别名
func (s *Store) SaveAlias(ctx context.Context, alias *domain.OrgAlias) error {
	query := s.rebind(`
		INSERT INTO org_aliases (id, org_id, slug, address, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	createdAt := alias.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		alias.ID,
		alias.OrgID,
		alias.Slug,
		alias.Address,
		alias.IsActive,
		createdAt,
	)
	return err
}

// GetAliasBySlug 根据规范化 slug 获取别名
func (s *Store) GetAliasBySlug(ctx context.Context, slug string) (*domain.OrgAlias, error) {
	query := s.rebind(`
		SELECT id, org_id, slug, address, is_active, created_at
		FROM org_aliases
		WHERE lower(slug) = lower(?)
	`)
	var alias domain.OrgAlias
	err := s.db.QueryRowContext(ctx, query, slug).Scan(
		&alias.ID,
		&alias.OrgID,
		&alias.Slug,
		&alias.Address,
		&alias.IsActive,
		&alias.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}
