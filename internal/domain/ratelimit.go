package domain

import "time"

// RateLimitWindow 表示 (组织, 端点) 在一个固定窗口内的计数。
// 计数的检查与自增必须是数据层的单次原子操作，
// 并发投递同一 key 时不允许出现检查后自增的竞态。
type RateLimitWindow struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrgID         string    `json:"orgId" gorm:"type:varchar(36);uniqueIndex:idx_rate_windows_key;not null"`
	Endpoint      string    `json:"endpoint" gorm:"type:varchar(64);uniqueIndex:idx_rate_windows_key;not null"`
	WindowStart   time.Time `json:"windowStart" gorm:"uniqueIndex:idx_rate_windows_key;not null"`
	Count         int       `json:"count"`
	MaxRequests   int       `json:"maxRequests"`
	WindowMinutes int       `json:"windowMinutes"`
}

// TableName 指定表名。
func (RateLimitWindow) TableName() string {
	return "rate_limit_windows"
}
