package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/payment-orchestrator/internal/models"

	"gorm.io/gorm"
)

// PaymentRepository 支付数据访问接口
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByProviderReference(ctx context.Context, provider, reference string) (*models.Payment, error)
	GetByCaptureReference(ctx context.Context, provider, reference string) (*models.Payment, error)
	UpdateWithVersion(ctx context.Context, payment *models.Payment, expectedVersion int64) error
	List(ctx context.Context, filter PaymentListFilter) ([]models.Payment, int64, error)
	WithTx(tx *gorm.DB) *GormPaymentRepository
}

// GormPaymentRepository GORM 实现
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付仓库
func NewPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentRepository) WithTx(tx *gorm.DB) *GormPaymentRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentRepository{db: tx}
}

// Create 创建支付记录，提供方流水号冲突时返回 ErrDuplicateKey
func (r *GormPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.Version <= 0 {
		payment.Version = 1
	}
	return translateWriteError(r.db.WithContext(ctx).Create(payment).Error)
}

// GetByID 根据 ID 获取支付记录
func (r *GormPaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByProviderReference 根据提供方 + 流水号定位支付
func (r *GormPaymentRepository) GetByProviderReference(ctx context.Context, provider, reference string) (*models.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.WithContext(ctx).
		Where("provider = ? AND provider_reference = ?", strings.TrimSpace(provider), reference).
		Limit(1).
		Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// GetByCaptureReference 根据扣款流水号定位支付（PayPal 退款回调只携带扣款号）
func (r *GormPaymentRepository) GetByCaptureReference(ctx context.Context, provider, reference string) (*models.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.WithContext(ctx).
		Where("provider = ? AND capture_reference = ?", strings.TrimSpace(provider), reference).
		Limit(1).
		Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// UpdateWithVersion 按版本号条件写入全部字段
// 调用方负责设置新的 Version，未命中时返回 ErrVersionConflict
func (r *GormPaymentRepository) UpdateWithVersion(ctx context.Context, payment *models.Payment, expectedVersion int64) error {
	if payment == nil || payment.ID == "" {
		return errors.New("payment is required")
	}
	if payment.Version <= expectedVersion {
		return errors.New("payment version must increase")
	}
	result := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND version = ?", payment.ID, expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(payment)
	if result.Error != nil {
		return translateWriteError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// List 支付列表
func (r *GormPaymentRepository) List(ctx context.Context, filter PaymentListFilter) ([]models.Payment, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Payment{})

	if filter.Provider != "" {
		query = query.Where("payments.provider = ?", filter.Provider)
	}
	if filter.State != "" {
		query = query.Where("payments.state = ?", strings.ToUpper(filter.State))
	}
	if filter.CustomerID != "" {
		query = query.Where("payments.customer_id = ?", filter.CustomerID)
	}
	if filter.OrderReference != "" {
		query = query.Where("payments.order_reference = ?", filter.OrderReference)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		operator := likeOperatorByDialect(dbDialectName(r.db))
		like := "%" + search + "%"
		query = query.Where("payments.id "+operator+" ? OR payments.provider_reference "+operator+" ?", like, like)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("payments.created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("payments.created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = paginate(query, filter.Page, filter.PageSize)

	var payments []models.Payment
	if err := query.Order("payments.created_at desc").Order("payments.id desc").Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}
