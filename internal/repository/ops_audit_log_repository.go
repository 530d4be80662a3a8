package repository

import (
	"context"

	"github.com/payment-orchestrator/internal/models"

	"gorm.io/gorm"
)

// OpsAuditLogRepository 运维审计日志数据访问接口
type OpsAuditLogRepository interface {
	Create(ctx context.Context, log *models.OpsAuditLog) error
	List(ctx context.Context, filter OpsAuditLogListFilter) ([]models.OpsAuditLog, int64, error)
}

// GormOpsAuditLogRepository GORM 实现
type GormOpsAuditLogRepository struct {
	db *gorm.DB
}

// NewOpsAuditLogRepository 创建运维审计日志仓库
func NewOpsAuditLogRepository(db *gorm.DB) *GormOpsAuditLogRepository {
	return &GormOpsAuditLogRepository{db: db}
}

// Create 写入审计日志
func (r *GormOpsAuditLogRepository) Create(ctx context.Context, log *models.OpsAuditLog) error {
	if log == nil {
		return nil
	}
	return r.db.WithContext(ctx).Create(log).Error
}

// List 审计日志列表
func (r *GormOpsAuditLogRepository) List(ctx context.Context, filter OpsAuditLogListFilter) ([]models.OpsAuditLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.OpsAuditLog{})
	if filter.Operator != "" {
		query = query.Where("operator = ?", filter.Operator)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.TargetID != "" {
		query = query.Where("target_id = ?", filter.TargetID)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = paginate(query, filter.Page, filter.PageSize)

	logs := make([]models.OpsAuditLog, 0)
	if err := query.Order("id DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
