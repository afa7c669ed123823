package domain

import "time"

// ContentHash 表示邮件规范化内容的摘要记录。
// 每封已持久化的邮件对应一行；(OrgID, Hash) 唯一，
// 重复内容通过查找解决，而不是允许多行并存。
type ContentHash struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EmailID   string    `json:"emailId" gorm:"type:varchar(36);index;not null"`
	OrgID     string    `json:"orgId" gorm:"type:varchar(36);uniqueIndex:idx_content_hashes_org_hash;not null"`
	Hash      string    `json:"hash" gorm:"type:varchar(64);uniqueIndex:idx_content_hashes_org_hash;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名。
func (ContentHash) TableName() string {
	return "content_hashes"
}

// 重复判定原因。
const (
	DuplicateReasonMessageID   = "exact message-id match"
	DuplicateReasonContentHash = "content hash match"
)

// DuplicateVerdict 表示一次重复检测的结论。
// 仅在单次请求内有效，不持久化。
type DuplicateVerdict struct {
	IsDuplicate     bool   `json:"isDuplicate"`
	Reason          string `json:"reason,omitempty"`
	ExistingEmailID string `json:"existingEmailId,omitempty"`
	Confidence      int    `json:"confidence"` // 0-100
}

// NotDuplicate 返回"非重复"结论。
func NotDuplicate() DuplicateVerdict {
	return DuplicateVerdict{IsDuplicate: false, Confidence: 0}
}
