package models

import "time"

// Refund 退款记录
type Refund struct {
	ID                string     `gorm:"primaryKey;size:64" json:"id"`                                                             // 退款ID（re_ 前缀）
	PaymentID         string     `gorm:"size:64;not null;index;uniqueIndex:uniq_refunds_payment_key,priority:1" json:"payment_id"` // 支付ID
	Provider          string     `gorm:"size:32;not null;uniqueIndex:uniq_refunds_provider_ref,priority:1" json:"provider"`        // 支付提供方
	ProviderReference *string    `gorm:"size:191;uniqueIndex:uniq_refunds_provider_ref,priority:2" json:"provider_reference"`      // 提供方退款流水号
	IdempotencyKey    string     `gorm:"size:191;not null;uniqueIndex:uniq_refunds_payment_key,priority:2" json:"-"`               // 发起退款的幂等键
	Amount            int64      `gorm:"not null" json:"amount"`                                                                   // 退款金额（最小货币单位）
	Currency          string     `gorm:"size:3;not null" json:"currency"`                                                          // 币种
	State             string     `gorm:"size:16;index;not null" json:"state"`                                                      // pending/succeeded/failed/canceled
	Reason            string     `gorm:"size:32" json:"reason"`                                                                    // 退款原因
	Notes             string     `gorm:"type:text" json:"notes"`                                                                   // 备注
	FailureCode       string     `gorm:"size:64" json:"failure_code"`                                                              // 失败错误码
	FailureMessage    string     `gorm:"type:text" json:"failure_message"`                                                         // 失败描述
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`                                                                  // 创建时间
	UpdatedAt         time.Time  `json:"updated_at"`                                                                               // 更新时间
	CompletedAt       *time.Time `json:"completed_at"`                                                                             // 完成时间
}

// TableName 指定表名
func (Refund) TableName() string {
	return "refunds"
}

// ProviderRef 返回提供方退款流水号
func (r *Refund) ProviderRef() string {
	if r == nil || r.ProviderReference == nil {
		return ""
	}
	return *r.ProviderReference
}
