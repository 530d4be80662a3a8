package models

import "time"

// IdempotencyRecord 幂等记录
type IdempotencyRecord struct {
	ID                 uint       `gorm:"primarykey" json:"id"`
	Scope              string     `gorm:"size:64;not null;uniqueIndex:uniq_idempotency_scope_key,priority:1" json:"scope"`            // 操作类型
	IdempotencyKey     string     `gorm:"size:191;not null;uniqueIndex:uniq_idempotency_scope_key,priority:2" json:"idempotency_key"` // 客户端幂等键
	RequestFingerprint string     `gorm:"size:64;not null" json:"request_fingerprint"`                                                // 请求指纹（SHA-256）
	Status             string     `gorm:"size:32;not null;index" json:"status"`                                                       // processing/completed/failed_retryable
	ResourceID         string     `gorm:"size:64" json:"resource_id"`                                                                 // 关联资源ID
	ResponseBody       string     `gorm:"type:text" json:"response_body"`                                                             // 成功结果快照
	ErrorCode          string     `gorm:"size:64" json:"error_code"`                                                                  // 终态错误码
	ErrorMessage       string     `gorm:"type:text" json:"error_message"`                                                             // 错误描述
	ErrorDetails       JSON       `gorm:"type:json" json:"error_details"`                                                             // 错误附加信息
	HolderToken        string     `gorm:"size:36" json:"holder_token"`                                                                // 当前处理者令牌，接管时更换
	LockedUntil        *time.Time `json:"locked_until"`                                                                               // 处理租约到期时间
	ExpiresAt          time.Time  `gorm:"index;not null" json:"expires_at"`                                                           // 保留到期时间
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}

// Expired 判断记录是否已过保留期
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// LeaseExpired 判断处理租约是否已过期
func (r *IdempotencyRecord) LeaseExpired(now time.Time) bool {
	return r != nil && r.LockedUntil != nil && !now.Before(*r.LockedUntil)
}
