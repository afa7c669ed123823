package domain

import "time"

// Organization 表示一个租户组织。
type Organization struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	Slug      string    `json:"slug" gorm:"type:varchar(64);uniqueIndex"`
	IsActive  bool      `json:"isActive" gorm:"default:true"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名。
func (Organization) TableName() string {
	return "organizations"
}

// OrgAlias 表示组织的收件别名。
// 收据邮件被转发到别名地址，系统据此定位所属组织。
type OrgAlias struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrgID     string    `json:"orgId" gorm:"type:varchar(36);index;not null"`
	Slug      string    `json:"slug" gorm:"type:varchar(64);uniqueIndex"` // 别名本地部分的规范化 slug
	Address   string    `json:"address" gorm:"type:varchar(255);index"`   // 完整别名地址
	IsActive  bool      `json:"isActive" gorm:"default:true"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名。
func (OrgAlias) TableName() string {
	return "org_aliases"
}
