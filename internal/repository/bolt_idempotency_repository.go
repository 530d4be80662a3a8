package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"

	bolt "github.com/boltdb/bolt"
)

const boltIdempotencyBucket = "idempotency_records"

// BoltIdempotencyRepository 基于 bolt 的嵌入式幂等存储，适用于单实例部署
type BoltIdempotencyRepository struct {
	db *bolt.DB
}

// NewBoltIdempotencyRepository 打开（或创建）bolt 文件并确保 bucket 存在
func NewBoltIdempotencyRepository(path string) (*BoltIdempotencyRepository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltIdempotencyBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltIdempotencyRepository{db: db}, nil
}

// Close 释放文件锁
func (r *BoltIdempotencyRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func boltRecordKey(scope, key string) []byte {
	return []byte(scope + "\x00" + key)
}

func boltGet(b *bolt.Bucket, scope, key string) (*models.IdempotencyRecord, error) {
	raw := b.Get(boltRecordKey(scope, key))
	if raw == nil {
		return nil, nil
	}
	var record models.IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func boltPut(b *bolt.Bucket, record *models.IdempotencyRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.Put(boltRecordKey(record.Scope, record.IdempotencyKey), data)
}

// Acquire bolt 写事务全局串行，读-判定-写在同一事务内完成
func (r *BoltIdempotencyRepository) Acquire(ctx context.Context, candidate *models.IdempotencyRecord, now time.Time) (AcquireResult, error) {
	if candidate == nil || candidate.Scope == "" || candidate.IdempotencyKey == "" {
		return AcquireResult{}, errors.New("idempotency scope and key are required")
	}
	if err := ctx.Err(); err != nil {
		return AcquireResult{}, err
	}
	var result AcquireResult
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltIdempotencyBucket))
		existing, err := boltGet(b, candidate.Scope, candidate.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing == nil {
			record := *candidate
			record.Status = constants.IdempotencyStatusProcessing
			record.CreatedAt = now
			record.UpdatedAt = now
			result = AcquireResult{Record: &record, Acquired: true}
			return boltPut(b, &record)
		}
		switch decideAcquire(existing, candidate.RequestFingerprint, now) {
		case acquireReplaceExpired:
			record := *candidate
			record.Status = constants.IdempotencyStatusProcessing
			record.CreatedAt = now
			record.UpdatedAt = now
			result = AcquireResult{Record: &record, Acquired: true}
			return boltPut(b, &record)
		case acquireTakeOver:
			existing.Status = constants.IdempotencyStatusProcessing
			existing.ErrorCode = ""
			existing.ErrorMessage = ""
			existing.HolderToken = candidate.HolderToken
			existing.LockedUntil = candidate.LockedUntil
			existing.UpdatedAt = now
			result = AcquireResult{Record: existing, Acquired: true, TookOver: true}
			return boltPut(b, existing)
		default:
			result = AcquireResult{Record: existing}
			return nil
		}
	})
	return result, err
}

// Get 获取幂等记录
func (r *BoltIdempotencyRepository) Get(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	var record *models.IdempotencyRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		record, err = boltGet(tx.Bucket([]byte(boltIdempotencyBucket)), scope, key)
		return err
	})
	return record, err
}

// AttachResource 关联资源ID
func (r *BoltIdempotencyRepository) AttachResource(ctx context.Context, scope, key, holder, resourceID string) error {
	return r.mutateProcessing(scope, key, holder, func(record *models.IdempotencyRecord) {
		record.ResourceID = resourceID
	})
}

// Complete 记录终态结果
func (r *BoltIdempotencyRepository) Complete(ctx context.Context, scope, key, holder string, outcome IdempotencyOutcome) error {
	return r.mutateProcessing(scope, key, holder, func(record *models.IdempotencyRecord) {
		record.Status = constants.IdempotencyStatusCompleted
		if outcome.ResourceID != "" {
			record.ResourceID = outcome.ResourceID
		}
		record.ResponseBody = outcome.ResponseBody
		record.ErrorCode = outcome.ErrorCode
		record.ErrorMessage = outcome.ErrorMessage
		record.ErrorDetails = outcome.ErrorDetails
		record.LockedUntil = nil
	})
}

// MarkRetryable 标记为可重试失败
func (r *BoltIdempotencyRepository) MarkRetryable(ctx context.Context, scope, key, holder, message string) error {
	return r.mutateProcessing(scope, key, holder, func(record *models.IdempotencyRecord) {
		record.Status = constants.IdempotencyStatusFailedRetryable
		record.ErrorMessage = message
		record.LockedUntil = nil
	})
}

func (r *BoltIdempotencyRepository) mutateProcessing(scope, key, holder string, mutate func(record *models.IdempotencyRecord)) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltIdempotencyBucket))
		record, err := boltGet(b, scope, key)
		if err != nil {
			return err
		}
		if record == nil || record.Status != constants.IdempotencyStatusProcessing || record.HolderToken != holder {
			return ErrStateConflict
		}
		mutate(record)
		record.UpdatedAt = time.Now()
		return boltPut(b, record)
	})
}

// DeleteExpired 删除过期记录
func (r *BoltIdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var deleted int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltIdempotencyBucket))
		var expiredKeys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if limit > 0 && len(expiredKeys) >= limit {
				return nil
			}
			var record models.IdempotencyRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if !record.Expired(now) {
				return nil
			}
			if record.Status == constants.IdempotencyStatusProcessing && record.LockedUntil != nil && now.Before(*record.LockedUntil) {
				return nil
			}
			expiredKeys = append(expiredKeys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expiredKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
