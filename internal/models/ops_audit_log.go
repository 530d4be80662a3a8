package models

import "time"

// OpsAuditLog 运维操作审计日志
// 说明：记录运维接口上的写操作（回调重放、台账清理），按操作员与时间范围检索。
type OpsAuditLog struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Operator   string    `gorm:"type:varchar(100);index;not null" json:"operator"`
	Action     string    `gorm:"type:varchar(100);index;not null" json:"action"`
	Object     string    `gorm:"type:varchar(255);index;not null;default:''" json:"object"`
	Method     string    `gorm:"type:varchar(20);not null;default:''" json:"method"`
	TargetID   string    `gorm:"type:varchar(64);index;not null;default:''" json:"target_id"`
	RequestID  string    `gorm:"type:varchar(128);index;not null;default:''" json:"request_id"`
	DetailJSON JSON      `gorm:"type:json" json:"detail"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (OpsAuditLog) TableName() string {
	return "ops_audit_logs"
}
