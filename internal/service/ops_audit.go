package service

import (
	"context"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/repository"
)

// 审计动作
const (
	AuditActionWebhookReplay  = "webhook_event.replay"
	AuditActionRetentionPurge = "retention.purge"
)

// OpsAuditRecordInput 运维审计记录输入
type OpsAuditRecordInput struct {
	Operator  string
	Action    string
	Object    string
	Method    string
	TargetID  string
	RequestID string
	Detail    models.JSON
}

// OpsAuditService 运维审计服务
type OpsAuditService struct {
	repo repository.OpsAuditLogRepository
	now  func() time.Time
}

// NewOpsAuditService 创建运维审计服务
func NewOpsAuditService(repo repository.OpsAuditLogRepository) *OpsAuditService {
	return &OpsAuditService{repo: repo, now: time.Now}
}

// Record 记录运维审计日志，缺少操作员或动作时忽略
func (s *OpsAuditService) Record(ctx context.Context, input OpsAuditRecordInput) error {
	if s == nil || s.repo == nil {
		return nil
	}
	operator := strings.TrimSpace(input.Operator)
	action := strings.TrimSpace(input.Action)
	if operator == "" || action == "" {
		return nil
	}
	item := &models.OpsAuditLog{
		Operator:   operator,
		Action:     action,
		Object:     strings.TrimSpace(input.Object),
		Method:     strings.ToUpper(strings.TrimSpace(input.Method)),
		TargetID:   strings.TrimSpace(input.TargetID),
		RequestID:  strings.TrimSpace(input.RequestID),
		DetailJSON: input.Detail,
		CreatedAt:  s.now(),
	}
	return s.repo.Create(context.WithoutCancel(ctx), item)
}

// List 运维端查询审计日志
func (s *OpsAuditService) List(ctx context.Context, filter repository.OpsAuditLogListFilter) ([]models.OpsAuditLog, int64, error) {
	if s == nil || s.repo == nil {
		return []models.OpsAuditLog{}, 0, nil
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, InternalError(err)
	}
	return items, total, nil
}
