package storage

import (
	"context"
	"errors"
	"time"

	"receiptflow/backend/internal/domain"
)

var (
	// ErrEmailNotFound 邮件记录未找到错误
	ErrEmailNotFound = errors.New("email not found")
	// ErrHashNotFound 内容哈希未找到错误
	ErrHashNotFound = errors.New("content hash not found")
	// ErrAliasNotFound 别名未找到错误
	ErrAliasNotFound = errors.New("alias not found")
	// ErrOrgNotFound 组织未找到错误
	ErrOrgNotFound = errors.New("organization not found")
	// ErrDuplicateEmail 表示 (org_id, message_id) 唯一约束冲突。
	// 持久层是幂等性的最终权威，冲突等同于"迟到发现的重复"。
	ErrDuplicateEmail = errors.New("email already exists")
	// ErrDuplicateHash 表示 (org_id, hash) 唯一约束冲突。
	ErrDuplicateHash = errors.New("content hash already exists")
)

// EmailRepository 定义入站邮件数据存取操作。
type EmailRepository interface {
	// SaveEmail 持久化邮件记录；唯一约束冲突返回 ErrDuplicateEmail。
	SaveEmail(ctx context.Context, email *domain.InboundEmail) error
	// GetEmailByMessageID 按组织与 Message-ID 查找（索引查找，重复检测快速路径）。
	GetEmailByMessageID(ctx context.Context, orgID, messageID string) (*domain.InboundEmail, error)
	// ListRecentBySender 返回同组织同发件人自 since 起最近的邮件，按接收时间倒序，至多 limit 条。
	ListRecentBySender(ctx context.Context, orgID, sender string, since time.Time, limit int) ([]domain.InboundEmail, error)
}

// ContentHashRepository 定义内容哈希数据存取操作。
type ContentHashRepository interface {
	// SaveContentHash 写入哈希记录；(org_id, hash) 冲突返回 ErrDuplicateHash。
	SaveContentHash(ctx context.Context, hash *domain.ContentHash) error
	// GetContentHash 按组织与哈希查找。
	GetContentHash(ctx context.Context, orgID, hash string) (*domain.ContentHash, error)
}

// OrgRepository 定义组织与别名数据存取操作。
type OrgRepository interface {
	SaveOrganization(ctx context.Context, org *domain.Organization) error
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	SaveAlias(ctx context.Context, alias *domain.OrgAlias) error
	// GetAliasBySlug 按规范化 slug 查找别名。
	GetAliasBySlug(ctx context.Context, slug string) (*domain.OrgAlias, error)
}

// Store 聚合所有存储接口。
type Store interface {
	EmailRepository
	ContentHashRepository
	OrgRepository

	// Health 检查存储健康状态。
	Health() error
	// Close 释放底层连接。
	Close() error
}
