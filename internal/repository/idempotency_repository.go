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

// IdempotencyRepository 幂等存储接口（数据库与 bolt 两种实现）
type IdempotencyRepository interface {
	Acquire(ctx context.Context, candidate *models.IdempotencyRecord, now time.Time) (AcquireResult, error)
	Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error)
	AttachResource(ctx context.Context, scope, key, holder, resourceID string) error
	Complete(ctx context.Context, scope, key, holder string, outcome IdempotencyOutcome) error
	MarkRetryable(ctx context.Context, scope, key, holder, message string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// 处理中记录的写入都带上获取时的 holder 令牌，租约被接管后旧处理者的写入返回 ErrStateConflict

// AcquireResult 获取处理权的结果
type AcquireResult struct {
	Record   *models.IdempotencyRecord
	Acquired bool
	TookOver bool // 接管了可重试失败或租约过期的记录
}

// IdempotencyOutcome 完成时写入的结果
type IdempotencyOutcome struct {
	ResourceID   string
	ResponseBody string
	ErrorCode    string
	ErrorMessage string
	ErrorDetails models.JSON
}

type acquireAction int

const (
	acquireReturnExisting acquireAction = iota
	acquireReplaceExpired
	acquireTakeOver
)

// decideAcquire 对已存在的记录判定处理方式
func decideAcquire(existing *models.IdempotencyRecord, fingerprint string, now time.Time) acquireAction {
	if existing.Expired(now) {
		return acquireReplaceExpired
	}
	if existing.RequestFingerprint != fingerprint {
		return acquireReturnExisting
	}
	switch existing.Status {
	case constants.IdempotencyStatusFailedRetryable:
		return acquireTakeOver
	case constants.IdempotencyStatusProcessing:
		if existing.LeaseExpired(now) {
			return acquireTakeOver
		}
	}
	return acquireReturnExisting
}

// GormIdempotencyRepository GORM 实现
type GormIdempotencyRepository struct {
	db *gorm.DB
}

// NewIdempotencyRepository 创建幂等仓库
func NewIdempotencyRepository(db *gorm.DB) *GormIdempotencyRepository {
	return &GormIdempotencyRepository{db: db}
}

// Acquire 原子地插入记录；已存在时按状态判定是否可接管
func (r *GormIdempotencyRepository) Acquire(ctx context.Context, candidate *models.IdempotencyRecord, now time.Time) (AcquireResult, error) {
	if candidate == nil || candidate.Scope == "" || candidate.IdempotencyKey == "" {
		return AcquireResult{}, errors.New("idempotency scope and key are required")
	}
	candidate.Status = constants.IdempotencyStatusProcessing
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(candidate)
	if result.Error != nil {
		return AcquireResult{}, result.Error
	}
	if result.RowsAffected == 1 {
		return AcquireResult{Record: candidate, Acquired: true}, nil
	}

	// 条件更新失败说明有并发者抢先，重新读取后再判定
	for attempt := 0; attempt < 3; attempt++ {
		existing, err := r.Get(ctx, candidate.Scope, candidate.IdempotencyKey)
		if err != nil {
			return AcquireResult{}, err
		}
		if existing == nil {
			return AcquireResult{}, errors.New("idempotency record vanished during acquire")
		}
		switch decideAcquire(existing, candidate.RequestFingerprint, now) {
		case acquireReplaceExpired:
			updated := r.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
				Where("id = ? AND expires_at <= ?", existing.ID, now).
				Updates(map[string]interface{}{
					"request_fingerprint": candidate.RequestFingerprint,
					"status":              constants.IdempotencyStatusProcessing,
					"resource_id":         "",
					"response_body":       "",
					"error_code":          "",
					"error_message":       "",
					"error_details":       nil,
					"holder_token":        candidate.HolderToken,
					"locked_until":        candidate.LockedUntil,
					"expires_at":          candidate.ExpiresAt,
					"updated_at":          now,
				})
			if updated.Error != nil {
				return AcquireResult{}, updated.Error
			}
			if updated.RowsAffected == 1 {
				record, err := r.Get(ctx, candidate.Scope, candidate.IdempotencyKey)
				return AcquireResult{Record: record, Acquired: true}, err
			}
		case acquireTakeOver:
			query := r.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).Where("id = ? AND status = ?", existing.ID, existing.Status)
			if existing.Status == constants.IdempotencyStatusProcessing {
				query = query.Where("locked_until <= ?", now)
			}
			updated := query.Updates(map[string]interface{}{
				"status":        constants.IdempotencyStatusProcessing,
				"error_code":    "",
				"error_message": "",
				"holder_token":  candidate.HolderToken,
				"locked_until":  candidate.LockedUntil,
				"updated_at":    now,
			})
			if updated.Error != nil {
				return AcquireResult{}, updated.Error
			}
			if updated.RowsAffected == 1 {
				record, err := r.Get(ctx, candidate.Scope, candidate.IdempotencyKey)
				return AcquireResult{Record: record, Acquired: true, TookOver: true}, err
			}
		default:
			return AcquireResult{Record: existing}, nil
		}
	}
	existing, err := r.Get(ctx, candidate.Scope, candidate.IdempotencyKey)
	return AcquireResult{Record: existing}, err
}

// Get 获取幂等记录
func (r *GormIdempotencyRepository) Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	var record models.IdempotencyRecord
	if err := r.db.WithContext(ctx).Where("scope = ? AND idempotency_key = ?", scope, key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// AttachResource 处理中记录关联资源ID，重试时复用同一资源
func (r *GormIdempotencyRepository) AttachResource(ctx context.Context, scope, key, holder, resourceID string) error {
	return r.updateProcessing(ctx, scope, key, holder, map[string]interface{}{
		"resource_id": resourceID,
		"updated_at":  time.Now(),
	})
}

// Complete 记录终态结果（成功或终态错误）
func (r *GormIdempotencyRepository) Complete(ctx context.Context, scope, key, holder string, outcome IdempotencyOutcome) error {
	updates := map[string]interface{}{
		"status":        constants.IdempotencyStatusCompleted,
		"response_body": outcome.ResponseBody,
		"error_code":    outcome.ErrorCode,
		"error_message": outcome.ErrorMessage,
		"error_details": outcome.ErrorDetails,
		"locked_until":  nil,
		"updated_at":    time.Now(),
	}
	if outcome.ResourceID != "" {
		updates["resource_id"] = outcome.ResourceID
	}
	return r.updateProcessing(ctx, scope, key, holder, updates)
}

// MarkRetryable 标记为可重试失败，同键重试时重新执行
func (r *GormIdempotencyRepository) MarkRetryable(ctx context.Context, scope, key, holder, message string) error {
	return r.updateProcessing(ctx, scope, key, holder, map[string]interface{}{
		"status":        constants.IdempotencyStatusFailedRetryable,
		"error_message": message,
		"locked_until":  nil,
		"updated_at":    time.Now(),
	})
}

func (r *GormIdempotencyRepository) updateProcessing(ctx context.Context, scope, key, holder string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("scope = ? AND idempotency_key = ? AND status = ? AND holder_token = ?", scope, key, constants.IdempotencyStatusProcessing, holder).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// DeleteExpired 删除过期记录（按批）
func (r *GormIdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []uint
	query := r.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("expires_at <= ?", now).
		Where("status <> ? OR locked_until IS NULL OR locked_until <= ?", constants.IdempotencyStatusProcessing, now)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
