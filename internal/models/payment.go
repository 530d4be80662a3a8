package models

import (
	"time"
)

// Payment 支付记录
type Payment struct {
	ID                   string     `gorm:"primaryKey;size:64" json:"id"`                                                         // 支付ID（pay_ 前缀，不可变）
	Provider             string     `gorm:"size:32;not null;uniqueIndex:uniq_payments_provider_ref,priority:1" json:"provider"`   // 支付提供方（不可变）
	ProviderReference    *string    `gorm:"size:191;uniqueIndex:uniq_payments_provider_ref,priority:2" json:"provider_reference"` // 提供方流水号（仅可设置一次）
	CaptureReference     string     `gorm:"size:191;index" json:"capture_reference"`                                              // 提供方扣款流水号（PayPal 退款依赖）
	Amount               int64      `gorm:"not null" json:"amount"`                                                               // 金额（最小货币单位）
	Currency             string     `gorm:"size:3;not null" json:"currency"`                                                      // 币种（ISO-4217）
	State                string     `gorm:"size:32;index;not null" json:"state"`                                                  // 状态
	Version              int64      `gorm:"not null;default:1" json:"version"`                                                    // 乐观锁版本号
	CapturedAmount       int64      `gorm:"not null;default:0" json:"captured_amount"`                                            // 已扣款金额
	RefundedAmount       int64      `gorm:"not null;default:0" json:"refunded_amount"`                                            // 已成功退款金额
	RefundReservedAmount int64      `gorm:"not null;default:0" json:"refund_reserved_amount"`                                     // 处理中退款占用金额
	PendingOperation     string     `gorm:"size:32" json:"pending_operation"`                                                     // 进行中的提供方操作
	PendingOperationKey  string     `gorm:"size:191" json:"-"`                                                                    // 进行中操作的幂等键
	CustomerID           string     `gorm:"size:191;index" json:"customer_id"`                                                    // 客户标识
	OrderReference       string     `gorm:"size:191;index" json:"order_reference"`                                                // 订单标识
	Description          string     `gorm:"size:500" json:"description"`                                                          // 描述
	Metadata             JSON       `gorm:"type:json" json:"metadata"`                                                            // 附加数据
	ApprovalURL          string     `gorm:"type:text" json:"approval_url,omitempty"`                                              // 需要用户确认时的跳转地址
	FailureCode          string     `gorm:"size:64" json:"failure_code"`                                                          // 失败错误码
	FailureMessage       string     `gorm:"type:text" json:"failure_message"`                                                     // 失败描述
	CreatedAt            time.Time  `gorm:"index" json:"created_at"`                                                              // 创建时间
	UpdatedAt            time.Time  `json:"updated_at"`                                                                           // 更新时间
	AuthorizedAt         *time.Time `json:"authorized_at"`                                                                        // 授权时间
	CapturedAt           *time.Time `json:"captured_at"`                                                                          // 扣款时间
	CanceledAt           *time.Time `json:"canceled_at"`                                                                          // 取消时间
}

// TableName 指定表名
func (Payment) TableName() string {
	return "payments"
}

// ProviderRef 返回提供方流水号（未设置时为空串）
func (p *Payment) ProviderRef() string {
	if p == nil || p.ProviderReference == nil {
		return ""
	}
	return *p.ProviderReference
}

// RefundableAmount 剩余可退款金额（扣除已退与处理中）
func (p *Payment) RefundableAmount() int64 {
	if p == nil {
		return 0
	}
	remaining := p.CapturedAmount - p.RefundedAmount - p.RefundReservedAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}
