package repository

import (
	"context"
	"errors"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEventRepository 回调事件台账接口
type WebhookEventRepository interface {
	InsertIfAbsent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	GetByID(ctx context.Context, id uint) (*models.WebhookEvent, error)
	GetByProviderEvent(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error)
	Claim(ctx context.Context, id uint, now time.Time, lease time.Duration) (bool, error)
	MarkProcessed(ctx context.Context, id uint, paymentID string, now time.Time) error
	MarkIgnored(ctx context.Context, id uint, reason string, now time.Time) error
	MarkFailed(ctx context.Context, id uint, message string) error
	List(ctx context.Context, filter WebhookEventListFilter) ([]models.WebhookEvent, int64, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	WithTx(tx *gorm.DB) *GormWebhookEventRepository
}

// GormWebhookEventRepository GORM 实现
type GormWebhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository 创建回调事件仓库
func NewWebhookEventRepository(db *gorm.DB) *GormWebhookEventRepository {
	return &GormWebhookEventRepository{db: db}
}

// WithTx 绑定事务
func (r *GormWebhookEventRepository) WithTx(tx *gorm.DB) *GormWebhookEventRepository {
	if tx == nil {
		return r
	}
	return &GormWebhookEventRepository{db: tx}
}

// InsertIfAbsent 按 (provider, provider_event_id) 插入，已存在时返回 false
func (r *GormWebhookEventRepository) InsertIfAbsent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	if event.Status == "" {
		event.Status = constants.WebhookStatusReceived
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetByID 根据 ID 获取事件
func (r *GormWebhookEventRepository) GetByID(ctx context.Context, id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// GetByProviderEvent 根据提供方事件ID获取
func (r *GormWebhookEventRepository) GetByProviderEvent(ctx context.Context, provider, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	result := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Limit(1).
		Find(&event)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &event, nil
}

// Claim 获取事件处理权：received/failed 或租约过期的 processing 才能被领取
func (r *GormWebhookEventRepository) Claim(ctx context.Context, id uint, now time.Time, lease time.Duration) (bool, error) {
	lockedUntil := now.Add(lease)
	result := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Where("status IN ? OR (status = ? AND (locked_until IS NULL OR locked_until <= ?))",
			[]string{constants.WebhookStatusReceived, constants.WebhookStatusFailed},
			constants.WebhookStatusProcessing, now,
		).
		Updates(map[string]interface{}{
			"status":       constants.WebhookStatusProcessing,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_until": lockedUntil,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkProcessed 标记处理完成，应与状态迁移在同一事务内调用
func (r *GormWebhookEventRepository) MarkProcessed(ctx context.Context, id uint, paymentID string, now time.Time) error {
	return r.finish(ctx, id, constants.WebhookStatusProcessed, map[string]interface{}{
		"payment_id":   paymentID,
		"last_error":   "",
		"processed_at": now,
	})
}

// MarkIgnored 标记为忽略（不支持的事件类型等）
func (r *GormWebhookEventRepository) MarkIgnored(ctx context.Context, id uint, reason string, now time.Time) error {
	return r.finish(ctx, id, constants.WebhookStatusIgnored, map[string]interface{}{
		"last_error":   reason,
		"processed_at": now,
	})
}

// MarkFailed 标记处理失败，等待重投或补偿任务重试
func (r *GormWebhookEventRepository) MarkFailed(ctx context.Context, id uint, message string) error {
	return r.finish(ctx, id, constants.WebhookStatusFailed, map[string]interface{}{
		"last_error": message,
	})
}

func (r *GormWebhookEventRepository) finish(ctx context.Context, id uint, status string, updates map[string]interface{}) error {
	updates["status"] = status
	updates["locked_until"] = nil
	updates["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, constants.WebhookStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// List 回调事件列表
func (r *GormWebhookEventRepository) List(ctx context.Context, filter WebhookEventListFilter) ([]models.WebhookEvent, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.WebhookEvent{})
	if filter.Provider != "" {
		query = query.Where("provider = ?", filter.Provider)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.PaymentID != "" {
		query = query.Where("payment_id = ?", filter.PaymentID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = paginate(query, filter.Page, filter.PageSize)

	var events []models.WebhookEvent
	if err := query.Order("id desc").Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// DeleteExpired 删除过期且已结束的事件
func (r *GormWebhookEventRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []uint
	query := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("expires_at <= ? AND status IN ?", now, []string{constants.WebhookStatusProcessed, constants.WebhookStatusIgnored})
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.WebhookEvent{})
	return result.RowsAffected, result.Error
}
