package service

import (
	"context"
	"errors"
	"strings"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/events"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/payment"
	"github.com/payment-orchestrator/internal/repository"

	"gorm.io/gorm"
)

var refundReasons = map[string]struct{}{
	constants.RefundReasonDuplicate:           {},
	constants.RefundReasonFraudulent:          {},
	constants.RefundReasonRequestedByCustomer: {},
	constants.RefundReasonOrderCancelled:      {},
	constants.RefundReasonProductNotReceived:  {},
	constants.RefundReasonProductUnacceptable: {},
	constants.RefundReasonOther:               {},
}

// CreateRefund 对已扣款支付退款，累计退款不超过已扣款金额
func (o *Orchestrator) CreateRefund(ctx context.Context, input CreateRefundInput) (*models.Refund, error) {
	key, err := validateIdempotencyKey(input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if input.Amount < 0 {
		return nil, ValidationError("amount", "refund amount must be a positive integer in minor units")
	}
	input.Reason = strings.ToLower(strings.TrimSpace(input.Reason))
	if input.Reason == "" {
		input.Reason = constants.RefundReasonRequestedByCustomer
	}
	if _, ok := refundReasons[input.Reason]; !ok {
		return nil, ValidationError("reason", "unsupported refund reason")
	}
	requestFingerprint, err := fingerprint(constants.IdempotencyScopeCreateRefund, input)
	if err != nil {
		return nil, InternalError(err)
	}
	return runIdempotent[models.Refund](ctx, o.idem, constants.IdempotencyScopeCreateRefund, key, requestFingerprint,
		func(ctx context.Context, attempt *idempotentAttempt) (*models.Refund, string, error) {
			return o.createRefund(ctx, input, attempt)
		})
}

func (o *Orchestrator) createRefund(ctx context.Context, input CreateRefundInput, attempt *idempotentAttempt) (*models.Refund, string, error) {
	var refund *models.Refund
	if attempt.ResourceID != "" {
		existing, err := o.refundRepo.GetByID(ctx, attempt.ResourceID)
		if err != nil {
			return nil, attempt.ResourceID, InternalError(err)
		}
		refund = existing
	}
	if refund == nil {
		reserved, err := o.reserveRefund(ctx, input, attempt.Key)
		if err != nil {
			return nil, "", err
		}
		refund = reserved
		if err := attempt.Attach(ctx, refund.ID); err != nil {
			return nil, refund.ID, InternalError(err)
		}
	}
	// 已有终态或提供方正在处理，等待回调
	if refund.State != constants.RefundStatePending || refund.ProviderReference != nil {
		return refund, refund.ID, nil
	}

	record, err := o.GetPayment(ctx, refund.PaymentID)
	if err != nil {
		return nil, refund.ID, err
	}
	client, err := o.providers.Get(record.Provider)
	if err != nil {
		return nil, refund.ID, FromProviderError(err).With("payment_id", record.ID).With("refund_id", refund.ID)
	}
	log := paymentLogger("payment_id", record.ID, "refund_id", refund.ID, "provider", record.Provider)

	result, callErr := client.RefundPayment(ctx, payment.RefundRequest{
		PaymentID:         record.ID,
		RefundID:          refund.ID,
		ProviderReference: record.ProviderRef(),
		CaptureReference:  record.CaptureReference,
		Amount:            refund.Amount,
		Currency:          refund.Currency,
		Reason:            refund.Reason,
		IdempotencyKey:    o.providerToken(client, attempt),
	})
	if callErr != nil {
		appErr := FromProviderError(callErr).With("payment_id", record.ID).With("refund_id", refund.ID)
		if appErr.Retryable {
			// 预留金额保留，同键重试时继续
			log.Warnw("refund_provider_unavailable", "error", callErr)
			return nil, refund.ID, appErr
		}
		log.Warnw("refund_provider_rejected", "error", callErr, "error_code", appErr.Code)
		if _, err := o.failRefund(ctx, refund.ID, sourceAPI, failureCode(callErr, appErr), appErr.Message); err != nil {
			return nil, refund.ID, AsError(err)
		}
		return nil, refund.ID, appErr
	}

	switch result.Status {
	case payment.StatusSucceeded:
		finished, err := o.completeRefund(ctx, refund.ID, result.ProviderReference, sourceAPI)
		if err != nil {
			return nil, refund.ID, AsError(err)
		}
		if finished.State == constants.RefundStateCanceled {
			o.alerts.Raise(ctx, IntegrityAlert{
				Kind:              AlertRefundAfterCancel,
				Provider:          record.Provider,
				ProviderReference: result.ProviderReference,
				PaymentID:         record.ID,
				Message:           "provider completed refund " + finished.ID + " after it was canceled locally",
			})
			return nil, refund.ID, refundCancelRejected(finished).With("provider_reference", result.ProviderReference)
		}
		log.Infow("refund_succeeded", "amount", finished.Amount)
		return finished, finished.ID, nil
	case payment.StatusFailed:
		failed, err := o.failRefund(ctx, refund.ID, sourceAPI, firstNonEmpty(result.FailureCode, "refund_failed"), "payment provider failed the refund")
		if err != nil {
			return nil, refund.ID, AsError(err)
		}
		return nil, refund.ID, newError(CodeProviderRejected, ClassProviderTerminal, false, "payment provider failed the refund").
			With("payment_id", failed.PaymentID).
			With("refund_id", failed.ID)
	default:
		log.Infow("refund_pending_at_provider", "provider_status", result.Status)
		if result.ProviderReference == "" {
			return refund, refund.ID, nil
		}
		reference := result.ProviderReference
		refund.ProviderReference = &reference
		if err := o.refundRepo.TransitionState(ctx, refund, constants.RefundStatePending); err != nil && !errors.Is(err, repository.ErrStateConflict) {
			return nil, refund.ID, InternalError(err)
		}
		current, err := o.GetRefund(ctx, refund.ID)
		if err != nil {
			return nil, refund.ID, err
		}
		return current, current.ID, nil
	}
}

// reserveRefund 校验状态与余额后占用退款额度，并在同一事务内创建 pending 退款
func (o *Orchestrator) reserveRefund(ctx context.Context, input CreateRefundInput, key string) (*models.Refund, error) {
	var refund *models.Refund
	refundID := newRefundID()
	_, err := o.mutatePayment(ctx, input.PaymentID, sourceAPI, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		refundable := current.RefundableAmount()
		amount := input.Amount
		if amount == 0 {
			// 未指定金额时退还剩余全部
			amount = refundable
		}
		event := constants.PaymentEventRefundPartial
		if amount >= current.CapturedAmount-current.RefundedAmount {
			event = constants.PaymentEventRefundFull
		}
		if !CanTransition(current.State, event) {
			return change, InvalidTransition(current.ID, event, current.State)
		}
		if amount <= 0 || amount > refundable {
			return change, newError(CodeRefundAmountExceeded, ClassClient, false, "refund amount exceeds the refundable amount").
				With("payment_id", current.ID).
				With("requested_amount", amount).
				With("refundable_amount", refundable)
		}
		current.RefundReservedAmount += amount
		change.changed = true

		refund = &models.Refund{
			ID:             refundID,
			PaymentID:      current.ID,
			Provider:       current.Provider,
			IdempotencyKey: key,
			Amount:         amount,
			Currency:       current.Currency,
			State:          constants.RefundStatePending,
			Reason:         input.Reason,
			Notes:          strings.TrimSpace(input.Notes),
		}
		if err := o.refundRepo.WithTx(tx).Create(ctx, refund); err != nil {
			return change, err
		}
		return change, nil
	})
	if err != nil {
		return nil, AsError(err)
	}
	return refund, nil
}

// completeRefund 退款成功：释放预留、累计已退金额、推进支付状态
func (o *Orchestrator) completeRefund(ctx context.Context, refundID, providerReference, source string) (*models.Refund, error) {
	return o.finishRefund(ctx, refundID, source, false, func(ctx context.Context, tx *gorm.DB, current *models.Payment, refund *models.Refund, change *paymentChange) error {
		return o.settleRefundTx(ctx, tx, current, refund, providerReference, change)
	})
}

// failRefund 退款失败：释放预留额度，支付状态不变
func (o *Orchestrator) failRefund(ctx context.Context, refundID, source, code, message string) (*models.Refund, error) {
	return o.finishRefund(ctx, refundID, source, false, func(ctx context.Context, tx *gorm.DB, current *models.Payment, refund *models.Refund, change *paymentChange) error {
		return o.failRefundTx(ctx, tx, current, refund, code, message, change)
	})
}

// CancelRefund 撤销尚未提交给提供方的 pending 退款并释放预留额度
func (o *Orchestrator) CancelRefund(ctx context.Context, refundID string) (*models.Refund, error) {
	refund, err := o.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.State == constants.RefundStatePending {
		// 发起退款的请求仍持有租约时，提供方调用可能正在进行
		record, err := o.idem.repo.Get(ctx, constants.IdempotencyScopeCreateRefund, refund.IdempotencyKey)
		if err != nil {
			return nil, InternalError(err)
		}
		if record != nil && record.Status == constants.IdempotencyStatusProcessing && !record.LeaseExpired(o.now()) {
			cause := refundCancelRejected(refund).With("reason", "provider_call_in_flight")
			cause.Retryable = true
			return nil, cause
		}
	}
	canceled, err := o.finishRefund(ctx, refundID, sourceAPI, true, func(ctx context.Context, tx *gorm.DB, current *models.Payment, refund *models.Refund, change *paymentChange) error {
		if refund.ProviderReference != nil {
			// 提供方已受理，等待回调确定结果
			return refundCancelRejected(refund).With("provider_reference", refund.ProviderRef())
		}
		return o.cancelRefundTx(ctx, tx, current, refund, change)
	})
	if err != nil {
		return nil, AsError(err)
	}
	paymentLogger("payment_id", canceled.PaymentID, "refund_id", canceled.ID).Infow("refund_canceled", "amount", canceled.Amount)
	return canceled, nil
}

func refundCancelRejected(refund *models.Refund) *Error {
	return InvalidTransition(refund.PaymentID, "refund_cancel", refund.State).With("refund_id", refund.ID)
}

// finishRefund 在支付事务内结束 pending 退款；strict 时非 pending 退款返回 INVALID_STATE_TRANSITION
func (o *Orchestrator) finishRefund(ctx context.Context, refundID, source string, strict bool, apply func(ctx context.Context, tx *gorm.DB, current *models.Payment, refund *models.Refund, change *paymentChange) error) (*models.Refund, error) {
	refund, err := o.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	var latest *models.Refund
	_, err = o.mutatePayment(ctx, refund.PaymentID, source, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		found, err := o.refundRepo.WithTx(tx).GetByID(ctx, refundID)
		if err != nil {
			return change, err
		}
		if found == nil {
			return change, RefundNotFound(refundID)
		}
		latest = found
		if found.State != constants.RefundStatePending {
			if strict {
				return change, refundCancelRejected(found)
			}
			return change, nil
		}
		return change, apply(ctx, tx, current, found, &change)
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// settleRefundTx 事务内将 pending 退款置为成功
func (o *Orchestrator) settleRefundTx(ctx context.Context, tx *gorm.DB, current *models.Payment, refund *models.Refund, providerReference string, change *paymentChange) error {
	now := o.now()
	refund.State = constants.RefundStateSucceeded
	refund.CompletedAt = &now
	if providerReference != "" && refund.ProviderReference == nil {
		reference := providerReference
		refund.ProviderReference = &reference
	}
	if err := o.refundRepo.WithTx(tx).TransitionState(ctx, refund, constants.RefundStatePending); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return repository.ErrVersionConflict
		}
		return err
	}
	current.RefundReservedAmount -= refund.Amount
	if current.RefundReservedAmount < 0 {
		current.RefundReservedAmount = 0
	}
	current.RefundedAmount += refund.Amount
	change.emits = append(change.emits, lifecycleEmit{Type: events.TypeRefundSucceeded, RefundID: refund.ID, Amount: refund.Amount})
	return o.transition(current, refundEvent(current), change)
}

// failRefundTx 事务内将 pending 退款置为失败并释放预留
func (o *Orchestrator) failRefundTx(ctx context.Context, tx *gorm.DB, current *models.Payment, refund *models.Refund, code, message string, change *paymentChange) error {
	now := o.now()
	refund.State = constants.RefundStateFailed
	refund.FailureCode = code
	refund.FailureMessage = message
	refund.CompletedAt = &now
	if err := o.refundRepo.WithTx(tx).TransitionState(ctx, refund, constants.RefundStatePending); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return repository.ErrVersionConflict
		}
		return err
	}
	current.RefundReservedAmount -= refund.Amount
	if current.RefundReservedAmount < 0 {
		current.RefundReservedAmount = 0
	}
	change.changed = true
	change.emits = append(change.emits, lifecycleEmit{Type: events.TypeRefundFailed, RefundID: refund.ID, Amount: refund.Amount})
	return nil
}

// cancelRefundTx 事务内撤销 pending 退款，释放预留，支付状态不变
func (o *Orchestrator) cancelRefundTx(ctx context.Context, tx *gorm.DB, current *models.Payment, refund *models.Refund, change *paymentChange) error {
	now := o.now()
	refund.State = constants.RefundStateCanceled
	refund.CompletedAt = &now
	if err := o.refundRepo.WithTx(tx).TransitionState(ctx, refund, constants.RefundStatePending); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return repository.ErrVersionConflict
		}
		return err
	}
	current.RefundReservedAmount -= refund.Amount
	if current.RefundReservedAmount < 0 {
		current.RefundReservedAmount = 0
	}
	change.changed = true
	change.emits = append(change.emits, lifecycleEmit{Type: events.TypeRefundCanceled, RefundID: refund.ID, Amount: refund.Amount})
	return nil
}

// refundEvent 按累计退款金额选择部分/全额退款事件
func refundEvent(current *models.Payment) string {
	if current.RefundedAmount >= current.CapturedAmount {
		return constants.PaymentEventRefundFull
	}
	return constants.PaymentEventRefundPartial
}

// GetRefund 查询退款
func (o *Orchestrator) GetRefund(ctx context.Context, refundID string) (*models.Refund, error) {
	refund, err := o.refundRepo.GetByID(ctx, refundID)
	if err != nil {
		return nil, InternalError(err)
	}
	if refund == nil {
		return nil, RefundNotFound(refundID)
	}
	return refund, nil
}

// ListRefundsPage 按创建时间倒序分页查询退款，可按支付过滤
func (o *Orchestrator) ListRefundsPage(ctx context.Context, filter repository.RefundListFilter) ([]models.Refund, int64, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, ValidationError("limit", "limit and offset must not be negative")
	}
	refunds, total, err := o.refundRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, InternalError(err)
	}
	if refunds == nil {
		refunds = []models.Refund{}
	}
	return refunds, total, nil
}

// ListRefunds 查询支付下的退款
func (o *Orchestrator) ListRefunds(ctx context.Context, paymentID string) ([]models.Refund, error) {
	if _, err := o.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	refunds, err := o.refundRepo.ListByPayment(ctx, paymentID)
	if err != nil {
		return nil, InternalError(err)
	}
	if refunds == nil {
		refunds = []models.Refund{}
	}
	return refunds, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
