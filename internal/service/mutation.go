package service

import (
	"context"
	"errors"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/events"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/repository"

	"gorm.io/gorm"
)

// paymentChange 一次事务内的修改结果
type paymentChange struct {
	changed bool
	emits   []lifecycleEmit
}

// lifecycleEmit 提交后需要发布的事件
type lifecycleEmit struct {
	Type     string
	RefundID string
	Amount   int64
}

// paymentMutator 在事务内读取到的最新支付上修改，可能被重复调用，不得有外部副作用
type paymentMutator func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error)

// mutatePayment 读-校验-写循环：每次尝试一个事务，版本冲突时退避重试，超过上限返回 CONCURRENT_MODIFICATION
func (o *Orchestrator) mutatePayment(ctx context.Context, paymentID, source string, mutate paymentMutator) (*models.Payment, error) {
	release := o.lockPayment(ctx, paymentID)
	defer release()

	for attempt := 1; ; attempt++ {
		var (
			result *models.Payment
			change paymentChange
		)
		err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := o.paymentRepo.WithTx(tx)
			current, err := repo.GetByID(ctx, paymentID)
			if err != nil {
				return err
			}
			if current == nil {
				return PaymentNotFound(paymentID)
			}
			expected := current.Version
			change, err = mutate(ctx, tx, current)
			if err != nil {
				return err
			}
			if change.changed {
				current.Version = expected + 1
				current.UpdatedAt = o.now()
				if err := repo.UpdateWithVersion(ctx, current, expected); err != nil {
					return err
				}
			}
			result = current
			return nil
		})
		if err == nil {
			o.publish(ctx, result, source, change.emits)
			return result, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= o.occRetries {
			paymentLogger("payment_id", paymentID, "attempts", attempt).Warnw("payment_occ_retries_exhausted")
			return nil, ConcurrentModification(paymentID, attempt)
		}
		timer := time.NewTimer(o.occBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ConcurrentModification(paymentID, attempt)
		case <-timer.C:
		}
	}
}

// lockPayment 获取可选的按支付租约锁；获取失败时仍依赖版本号校验继续
func (o *Orchestrator) lockPayment(ctx context.Context, paymentID string) func() {
	if o.locker == nil {
		return func() {}
	}
	release, err := o.locker.Acquire(ctx, "payment:"+paymentID)
	if err != nil {
		paymentLogger("payment_id", paymentID).Debugw("payment_lock_not_acquired", "error", err)
		return func() {}
	}
	return release
}

// transition 按状态机迁移并记录时间戳与待发布事件
func (o *Orchestrator) transition(current *models.Payment, event string, change *paymentChange) error {
	next, err := NextState(current.ID, current.State, event)
	if err != nil {
		return err
	}
	now := o.now()
	current.State = next
	change.changed = true
	switch next {
	case constants.PaymentStateAuthorized:
		current.AuthorizedAt = &now
		change.emits = append(change.emits, lifecycleEmit{Type: events.TypePaymentAuthorized})
	case constants.PaymentStateCaptured:
		current.CapturedAt = &now
		current.ApprovalURL = ""
		change.emits = append(change.emits, lifecycleEmit{Type: events.TypePaymentCaptured, Amount: current.CapturedAmount})
	case constants.PaymentStateFailed:
		current.PendingOperation = constants.PendingOperationNone
		current.PendingOperationKey = ""
		change.emits = append(change.emits, lifecycleEmit{Type: events.TypePaymentFailed})
	case constants.PaymentStateCanceled:
		current.CanceledAt = &now
		current.PendingOperation = constants.PendingOperationNone
		current.PendingOperationKey = ""
		change.emits = append(change.emits, lifecycleEmit{Type: events.TypePaymentCanceled})
	case constants.PaymentStatePartiallyRefunded, constants.PaymentStateRefunded:
		change.emits = append(change.emits, lifecycleEmit{Type: events.TypePaymentRefunded, Amount: current.RefundedAmount})
	}
	return nil
}

// walkTo 沿主路径前进到目标状态（回调跳过中间状态时使用）
func (o *Orchestrator) walkTo(current *models.Payment, target string, change *paymentChange) error {
	for !hasReached(current.State, target) {
		var event string
		switch current.State {
		case constants.PaymentStateCreated:
			event = constants.PaymentEventAuthorize
		case constants.PaymentStateAuthorized:
			event = constants.PaymentEventCapture
		default:
			return InvalidTransition(current.ID, target, current.State)
		}
		if event == constants.PaymentEventCapture && current.CapturedAmount == 0 {
			current.CapturedAmount = current.Amount
		}
		if err := o.transition(current, event, change); err != nil {
			return err
		}
	}
	return nil
}

// publish 提交后发布生命周期事件，失败只记日志
func (o *Orchestrator) publish(ctx context.Context, current *models.Payment, source string, emits []lifecycleEmit) {
	if len(emits) == 0 || current == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := o.now()
	for _, emit := range emits {
		amount := emit.Amount
		if amount == 0 {
			amount = current.Amount
		}
		event := events.LifecycleEvent{
			Type:       emit.Type,
			PaymentID:  current.ID,
			RefundID:   emit.RefundID,
			Provider:   current.Provider,
			State:      current.State,
			Version:    current.Version,
			Amount:     amount,
			Currency:   current.Currency,
			Source:     source,
			OccurredAt: now,
		}
		if err := o.publisher.PublishLifecycle(ctx, event); err != nil {
			paymentLogger("payment_id", current.ID, "event_type", emit.Type).Warnw("payment_lifecycle_publish_failed", "error", err)
		}
	}
}
