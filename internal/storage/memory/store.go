package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"receiptflow/backend/internal/domain"
	"receiptflow/backend/internal/storage"
)

// Store 使用内存保存邮件、哈希与组织数据，主要用于开发验证与测试。
type Store struct {
	mu          sync.RWMutex
	emails      map[string]*domain.InboundEmail // emailID -> email
	byMessageID map[string]string               // "orgID:messageID" -> emailID
	hashes      map[string]*domain.ContentHash  // "orgID:hash" -> record
	orgs        map[string]*domain.Organization // orgID -> org
	aliases     map[string]*domain.OrgAlias     // aliasID -> alias
	bySlug      map[string]string               // slug -> aliasID
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		emails:      make(map[string]*domain.InboundEmail),
		byMessageID: make(map[string]string),
		hashes:      make(map[string]*domain.ContentHash),
		orgs:        make(map[string]*domain.Organization),
		aliases:     make(map[string]*domain.OrgAlias),
		bySlug:      make(map[string]string),
	}
}

// ========== Email Repository ==========

// SaveEmail 保存邮件记录，(orgID, messageID) 冲突返回 ErrDuplicateEmail。
func (s *Store) SaveEmail(_ context.Context, email *domain.InboundEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey(email.OrgID, email.MessageID)
	if _, exists := s.byMessageID[key]; exists {
		return storage.ErrDuplicateEmail
	}

	stored := *email
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.emails[stored.ID] = &stored
	s.byMessageID[key] = stored.ID
	return nil
}

// GetEmailByMessageID 按组织与 Message-ID 查找邮件。
func (s *Store) GetEmailByMessageID(_ context.Context, orgID, messageID string) (*domain.InboundEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byMessageID[messageKey(orgID, messageID)]
	if !ok {
		return nil, storage.ErrEmailNotFound
	}
	email := *s.emails[id]
	return &email, nil
}

// ListRecentBySender 返回同组织同发件人自 since 起最近的邮件。
func (s *Store) ListRecentBySender(_ context.Context, orgID, sender string, since time.Time, limit int) ([]domain.InboundEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sender = strings.ToLower(sender)
	matched := make([]domain.InboundEmail, 0)
	for _, email := range s.emails {
		if email.OrgID != orgID {
			continue
		}
		if strings.ToLower(email.From) != sender {
			continue
		}
		if email.ReceivedAt.Before(since) {
			continue
		}
		matched = append(matched, *email)
	}

	// 按接收时间倒序
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ========== Content Hash Repository ==========

// SaveContentHash 写入哈希记录，(orgID, hash) 冲突返回 ErrDuplicateHash。
func (s *Store) SaveContentHash(_ context.Context, hash *domain.ContentHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hashKey(hash.OrgID, hash.Hash)
	if _, exists := s.hashes[key]; exists {
		return storage.ErrDuplicateHash
	}

	stored := *hash
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.hashes[key] = &stored
	return nil
}

// GetContentHash 按组织与哈希查找记录。
func (s *Store) GetContentHash(_ context.Context, orgID, hash string) (*domain.ContentHash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.hashes[hashKey(orgID, hash)]
	if !ok {
		return nil, storage.ErrHashNotFound
	}
	out := *record
	return &out, nil
}

// ========== Org Repository ==========

// SaveOrganization 保存组织。
func (s *Store) SaveOrganization(_ context.Context, org *domain.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *org
	s.orgs[stored.ID] = &stored
	return nil
}

// GetOrganization 按 ID 查找组织。
func (s *Store) GetOrganization(_ context.Context, id string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[id]
	if !ok {
		return nil, storage.ErrOrgNotFound
	}
	out := *org
	return &out, nil
}

// SaveAlias 保存别名。
func (s *Store) SaveAlias(_ context.Context, alias *domain.OrgAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *alias
	s.aliases[stored.ID] = &stored
	s.bySlug[strings.ToLower(stored.Slug)] = stored.ID
	return nil
}

// GetAliasBySlug 按规范化 slug 查找别名。
func (s *Store) GetAliasBySlug(_ context.Context, slug string) (*domain.OrgAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySlug[strings.ToLower(slug)]
	if !ok {
		return nil, storage.ErrAliasNotFound
	}
	alias := *s.aliases[id]
	return &alias, nil
}

// Health 内存存储恒为健康。
func (s *Store) Health() error {
	return nil
}

// Close 内存存储无需释放。
func (s *Store) Close() error {
	return nil
}

func messageKey(orgID, messageID string) string {
	return orgID + ":" + messageID
}

func hashKey(orgID, hash string) string {
	return orgID + ":" + hash
}
