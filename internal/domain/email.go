package domain

import "time"

// EmailPayload 表示经过 Provider 解析后的标准化邮件载荷。
// 所有 Provider 解析结果统一为该结构，下游组件不再区分来源。
type EmailPayload struct {
	Alias       string        `json:"alias"`               // 收件别名地址
	MessageID   string        `json:"messageId"`           // 邮件 Message-ID，组织内唯一
	From        string        `json:"from"`                // 发件人地址
	To          string        `json:"to"`                  // 收件人地址
	Subject     string        `json:"subject"`             // 邮件主题
	Text        string        `json:"text,omitempty"`      // 纯文本正文
	HTML        string        `json:"html,omitempty"`      // HTML 正文
	Attachments []*Attachment `json:"attachments,omitempty"` // 附件元信息列表
	ReceivedAt  time.Time     `json:"receivedAt"`          // 接收时间
	Metadata    PayloadMeta   `json:"metadata"`            // 处理元数据
}

// PayloadMeta 记录载荷的处理元数据。
type PayloadMeta struct {
	Provider      string `json:"provider"`           // 来源 Provider 名称
	CorrelationID string `json:"correlationId"`      // 请求级关联 ID
	RawRef        string `json:"rawRef,omitempty"`   // 原始内容引用（文件或对象存储键）
}

// Attachment 表示附件的元信息，正文内容不在本系统内落盘。
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// InboundEmail 表示已持久化的入站邮件记录。
// (OrgID, MessageID) 上的唯一索引是幂等性的最终权威，
// 检测器的 message-id 查找只是快速路径。
type InboundEmail struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrgID      string    `json:"orgId" gorm:"type:varchar(36);uniqueIndex:idx_emails_org_message;index:idx_emails_org_sender,priority:1;not null"`
	MessageID  string    `json:"messageId" gorm:"type:varchar(255);uniqueIndex:idx_emails_org_message;not null"`
	Alias      string    `json:"alias" gorm:"type:varchar(255);index"`
	From       string    `json:"from" gorm:"column:from_address;type:varchar(255);index:idx_emails_org_sender,priority:2"`
	To         string    `json:"to" gorm:"column:to_address;type:varchar(255)"`
	Subject    string    `json:"subject" gorm:"type:varchar(500)"`
	Text       string    `json:"text,omitempty" gorm:"type:text"`
	Provider   string    `json:"provider" gorm:"type:varchar(32)"`
	ReceivedAt time.Time `json:"receivedAt" gorm:"index:idx_emails_org_sender,priority:3"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName 指定表名。
func (InboundEmail) TableName() string {
	return "inbound_emails"
}
