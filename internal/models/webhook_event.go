package models

import (
	"time"

	"github.com/payment-orchestrator/internal/constants"
)

// WebhookEvent 提供方回调事件台账
type WebhookEvent struct {
	ID                uint       `gorm:"primarykey" json:"id"`
	Provider          string     `gorm:"size:32;not null;uniqueIndex:uniq_webhook_provider_event,priority:1" json:"provider"`           // 支付提供方
	ProviderEventID   string     `gorm:"size:191;not null;uniqueIndex:uniq_webhook_provider_event,priority:2" json:"provider_event_id"` // 提供方事件ID
	EventType         string     `gorm:"size:128;not null" json:"event_type"`                                                           // 事件类型
	ProviderReference string     `gorm:"size:191;index" json:"provider_reference"`                                                      // 关联的支付流水号
	PaymentID         string     `gorm:"size:64;index" json:"payment_id"`                                                               // 关联支付ID
	Status            string     `gorm:"size:16;not null;index" json:"status"`                                                          // received/processing/processed/failed/ignored
	Attempts          int        `gorm:"not null;default:0" json:"attempts"`                                                            // 处理次数
	LastError         string     `gorm:"type:text" json:"last_error"`                                                                   // 最近一次错误
	Payload           string     `gorm:"type:text" json:"-"`                                                                            // 已验签的原始报文
	LockedUntil       *time.Time `json:"locked_until"`                                                                                  // 处理租约
	ReceivedAt        time.Time  `gorm:"index" json:"received_at"`                                                                      // 首次接收时间
	ProcessedAt       *time.Time `json:"processed_at"`                                                                                  // 处理完成时间
	ExpiresAt         time.Time  `gorm:"index" json:"expires_at"`                                                                       // 保留到期时间
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// Finished 是否已处理完成（成功或忽略）
func (e *WebhookEvent) Finished() bool {
	return e != nil && (e.Status == constants.WebhookStatusProcessed || e.Status == constants.WebhookStatusIgnored)
}
