package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/repository"

	"github.com/google/uuid"
)

// IdempotencyOptions 幂等执行参数
type IdempotencyOptions struct {
	Policy       string // fail / wait
	Retention    time.Duration
	Lease        time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

func (o IdempotencyOptions) normalize() IdempotencyOptions {
	if o.Policy != constants.InProgressPolicyWait {
		o.Policy = constants.InProgressPolicyFail
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

// idempotencyGuard 同一 (scope, key) 的操作至多执行一次
type idempotencyGuard struct {
	repo repository.IdempotencyRepository
	opts IdempotencyOptions
	now  func() time.Time
}

// idempotentAttempt 获得处理权后传给业务函数
type idempotentAttempt struct {
	Scope      string
	Key        string
	ResourceID string // 之前尝试已关联的资源，首次为空
	TookOver   bool
	holder     string
	guard      *idempotencyGuard
}

// Attach 关联新建的资源，重试时可据此续做
func (a *idempotentAttempt) Attach(ctx context.Context, resourceID string) error {
	a.ResourceID = resourceID
	return a.guard.repo.AttachResource(context.WithoutCancel(ctx), a.Scope, a.Key, a.holder, resourceID)
}

// ProviderToken 透传给提供方的幂等令牌
func (a *idempotentAttempt) ProviderToken() string {
	return a.Scope + ":" + a.Key
}

// validateIdempotencyKey 校验客户端幂等键
func validateIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", newError(CodeIdempotencyKeyMissing, ClassClient, false, "Idempotency-Key header is required").
			With("field", "idempotency_key")
	}
	if len(key) > 191 {
		return "", ValidationError("idempotency_key", "idempotency key must be at most 191 characters")
	}
	return key, nil
}

// runIdempotent 按幂等记录执行 fn：
// 已完成则重放结果，处理中按策略失败或等待，可重试失败与租约过期的记录可被接管
func runIdempotent[T any](ctx context.Context, g *idempotencyGuard, scope, key, requestFingerprint string, fn func(ctx context.Context, attempt *idempotentAttempt) (*T, string, error)) (*T, error) {
	log := paymentLogger("scope", scope, "idempotency_key", key)
	deadline := g.now().Add(g.opts.WaitTimeout)

	for {
		now := g.now()
		lockedUntil := now.Add(g.opts.Lease)
		candidate := &models.IdempotencyRecord{
			Scope:              scope,
			IdempotencyKey:     key,
			RequestFingerprint: requestFingerprint,
			HolderToken:        uuid.NewString(),
			LockedUntil:        &lockedUntil,
			ExpiresAt:          now.Add(g.opts.Retention),
		}
		acquired, err := g.repo.Acquire(ctx, candidate, now)
		if err != nil {
			return nil, InternalError(err)
		}
		record := acquired.Record
		if acquired.Acquired {
			attempt := &idempotentAttempt{
				Scope:      scope,
				Key:        key,
				ResourceID: record.ResourceID,
				TookOver:   acquired.TookOver,
				holder:     candidate.HolderToken,
				guard:      g,
			}
			if acquired.TookOver {
				log.Infow("idempotency_record_taken_over", "resource_id", record.ResourceID)
			}
			result, resourceID, err := fn(ctx, attempt)
			if resourceID == "" {
				resourceID = attempt.ResourceID
			}
			g.finish(ctx, attempt, resourceID, result, err)
			return result, err
		}
		if record == nil {
			return nil, InternalError(errors.New("idempotency record missing after acquire"))
		}
		if record.RequestFingerprint != requestFingerprint {
			return nil, newError(CodeIdempotencyConflict, ClassClient, false, "idempotency key was already used with a different request").
				With("scope", scope).
				With("idempotency_key", key)
		}
		switch record.Status {
		case constants.IdempotencyStatusCompleted:
			return replayRecord[T](record)
		case constants.IdempotencyStatusProcessing:
			if g.opts.Policy != constants.InProgressPolicyWait || !g.now().Before(deadline) {
				return nil, OperationInProgress(scope, key)
			}
		}
		// 处理中（等待策略）或可重试记录被他人抢先接管，稍后重试
		timer := time.NewTimer(g.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, OperationInProgress(scope, key)
		case <-timer.C:
		}
		if !g.now().Before(deadline) {
			return nil, OperationInProgress(scope, key)
		}
	}
}

// finish 按结果落幂等记录；写失败只记日志，记录租约到期后可被接管
// 租约已被他人接管时写入被拒绝，结果以接管者为准
func (g *idempotencyGuard) finish(ctx context.Context, attempt *idempotentAttempt, resourceID string, result interface{}, opErr error) {
	ctx = context.WithoutCancel(ctx)
	scope, key, holder := attempt.Scope, attempt.Key, attempt.holder
	log := paymentLogger("scope", scope, "idempotency_key", key, "resource_id", resourceID)

	var err error
	switch {
	case opErr == nil:
		body, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			err = g.repo.MarkRetryable(ctx, scope, key, holder, marshalErr.Error())
			break
		}
		err = g.repo.Complete(ctx, scope, key, holder, repository.IdempotencyOutcome{
			ResourceID:   resourceID,
			ResponseBody: string(body),
		})
	default:
		appErr := AsError(opErr)
		if appErr.Retryable {
			err = g.repo.MarkRetryable(ctx, scope, key, holder, opErr.Error())
			break
		}
		err = g.repo.Complete(ctx, scope, key, holder, repository.IdempotencyOutcome{
			ResourceID:   resourceID,
			ErrorCode:    appErr.Code,
			ErrorMessage: appErr.Message,
			ErrorDetails: models.JSON(appErr.Details),
		})
	}
	switch {
	case errors.Is(err, repository.ErrStateConflict):
		log.Warnw("idempotency_record_superseded")
	case err != nil:
		log.Warnw("idempotency_record_finish_failed", "error", err)
	}
}

func replayRecord[T any](record *models.IdempotencyRecord) (*T, error) {
	if record.ErrorCode != "" {
		return nil, restoreError(record.ErrorCode, record.ErrorMessage, map[string]interface{}(record.ErrorDetails))
	}
	var result T
	if err := json.Unmarshal([]byte(record.ResponseBody), &result); err != nil {
		return nil, InternalError(err)
	}
	return &result, nil
}
