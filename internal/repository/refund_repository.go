package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"

	"gorm.io/gorm"
)

// RefundRepository 退款数据访问接口
type RefundRepository interface {
	Create(ctx context.Context, refund *models.Refund) error
	GetByID(ctx context.Context, id string) (*models.Refund, error)
	GetByPaymentAndKey(ctx context.Context, paymentID, key string) (*models.Refund, error)
	GetByProviderReference(ctx context.Context, provider, reference string) (*models.Refund, error)
	ListByPayment(ctx context.Context, paymentID string) ([]models.Refund, error)
	List(ctx context.Context, filter RefundListFilter) ([]models.Refund, int64, error)
	TransitionState(ctx context.Context, refund *models.Refund, fromState string) error
	SumSucceeded(ctx context.Context, paymentID string) (int64, error)
	WithTx(tx *gorm.DB) *GormRefundRepository
}

// RefundListFilter 退款列表过滤，按创建时间倒序偏移分页
type RefundListFilter struct {
	PaymentID string
	Limit     int
	Offset    int
}

// GormRefundRepository GORM 实现
type GormRefundRepository struct {
	db *gorm.DB
}

// NewRefundRepository 创建退款仓库
func NewRefundRepository(db *gorm.DB) *GormRefundRepository {
	return &GormRefundRepository{db: db}
}

// WithTx 绑定事务
func (r *GormRefundRepository) WithTx(tx *gorm.DB) *GormRefundRepository {
	if tx == nil {
		return r
	}
	return &GormRefundRepository{db: tx}
}

// Create 创建退款记录
func (r *GormRefundRepository) Create(ctx context.Context, refund *models.Refund) error {
	return translateWriteError(r.db.WithContext(ctx).Create(refund).Error)
}

// GetByID 根据 ID 获取退款
func (r *GormRefundRepository) GetByID(ctx context.Context, id string) (*models.Refund, error) {
	return r.findOne(ctx, "id = ?", strings.TrimSpace(id))
}

// GetByPaymentAndKey 根据支付 + 幂等键获取退款
func (r *GormRefundRepository) GetByPaymentAndKey(ctx context.Context, paymentID, key string) (*models.Refund, error) {
	return r.findOne(ctx, "payment_id = ? AND idempotency_key = ?", paymentID, key)
}

// GetByProviderReference 根据提供方退款流水号获取退款
func (r *GormRefundRepository) GetByProviderReference(ctx context.Context, provider, reference string) (*models.Refund, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, nil
	}
	return r.findOne(ctx, "provider = ? AND provider_reference = ?", provider, strings.TrimSpace(reference))
}

func (r *GormRefundRepository) findOne(ctx context.Context, query string, args ...interface{}) (*models.Refund, error) {
	var refund models.Refund
	if err := r.db.WithContext(ctx).Where(query, args...).First(&refund).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &refund, nil
}

// ListByPayment 获取支付下的全部退款
func (r *GormRefundRepository) ListByPayment(ctx context.Context, paymentID string) ([]models.Refund, error) {
	var refunds []models.Refund
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("created_at asc").Order("id asc").Find(&refunds).Error; err != nil {
		return nil, err
	}
	return refunds, nil
}

// List 按条件分页查询退款，返回当前页与总数
func (r *GormRefundRepository) List(ctx context.Context, filter RefundListFilter) ([]models.Refund, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Refund{})
	if paymentID := strings.TrimSpace(filter.PaymentID); paymentID != "" {
		query = query.Where("refunds.payment_id = ?", paymentID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Limit > 0 {
		query = query.Limit(min(filter.Limit, maxListPageSize))
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var refunds []models.Refund
	if err := query.Order("refunds.created_at desc").Order("refunds.id desc").Find(&refunds).Error; err != nil {
		return nil, 0, err
	}
	return refunds, total, nil
}

// TransitionState 条件更新退款状态，当前状态不是 fromState 时返回 ErrStateConflict
func (r *GormRefundRepository) TransitionState(ctx context.Context, refund *models.Refund, fromState string) error {
	if refund == nil || refund.ID == "" {
		return errors.New("refund is required")
	}
	result := r.db.WithContext(ctx).
		Model(&models.Refund{}).
		Where("id = ? AND state = ?", refund.ID, fromState).
		Select("state", "provider_reference", "failure_code", "failure_message", "completed_at", "updated_at").
		Updates(refund)
	if result.Error != nil {
		return translateWriteError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// SumSucceeded 汇总已成功退款金额
func (r *GormRefundRepository) SumSucceeded(ctx context.Context, paymentID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.Refund{}).
		Where("payment_id = ? AND state = ?", paymentID, constants.RefundStateSucceeded).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
