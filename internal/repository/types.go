package repository

import "time"

// PaymentListFilter 查询支付列表的过滤条件
type PaymentListFilter struct {
	Page           int
	PageSize       int
	Provider       string
	State          string
	CustomerID     string
	OrderReference string
	Search         string
	CreatedFrom    *time.Time
	CreatedTo      *time.Time
}

// WebhookEventListFilter 查询回调事件台账的过滤条件
type WebhookEventListFilter struct {
	Page      int
	PageSize  int
	Provider  string
	Status    string
	EventType string
	PaymentID string
}

// OpsAuditLogListFilter 查询运维审计日志的过滤条件
type OpsAuditLogListFilter struct {
	Page        int
	PageSize    int
	Operator    string
	Action      string
	TargetID    string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}
