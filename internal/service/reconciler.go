package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/payment"
	"github.com/payment-orchestrator/internal/queue"
	"github.com/payment-orchestrator/internal/repository"

	"gorm.io/gorm"
)

// WebhookOutcome 回调处理结论
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookInFlight  WebhookOutcome = "in_flight"
)

// WebhookResult 回调处理结果，成功时总是 2xx 应答
type WebhookResult struct {
	Outcome   WebhookOutcome `json:"outcome"`
	Provider  string         `json:"provider"`
	EventID   string         `json:"event_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	PaymentID string         `json:"payment_id,omitempty"`
}

// ReconcilerOptions 回调处理参数
type ReconcilerOptions struct {
	ProcessingTimeout time.Duration
	Retention         time.Duration
	Lease             time.Duration
	MaxAttempts       int
	ReprocessDelay    time.Duration
}

// Reconciler 回调对账：验签、去重、按状态机应用、提交后标记
type Reconciler struct {
	orchestrator *Orchestrator
	webhookRepo  repository.WebhookEventRepository
	queue        *queue.Client
	opts         ReconcilerOptions
}

// NewReconciler 创建回调对账服务
func NewReconciler(orchestrator *Orchestrator, webhookRepo repository.WebhookEventRepository, queueClient *queue.Client, opts ReconcilerOptions) *Reconciler {
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 10 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 72 * time.Hour
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * opts.ProcessingTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.ReprocessDelay <= 0 {
		opts.ReprocessDelay = 30 * time.Second
	}
	return &Reconciler{
		orchestrator: orchestrator,
		webhookRepo:  webhookRepo,
		queue:        queueClient,
		opts:         opts,
	}
}

// HandleWebhook 处理一次回调投递
func (r *Reconciler) HandleWebhook(ctx context.Context, provider string, body []byte, headers http.Header) (*WebhookResult, error) {
	client, err := r.orchestrator.providers.Get(provider)
	if err != nil {
		return nil, FromProviderError(err).With("provider", provider)
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ProcessingTimeout)
	defer cancel()

	log := paymentLogger("provider", client.Name())
	event, err := client.VerifyAndParseWebhook(ctx, body, headers)
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrInvalidSignature):
		log.Warnw("payment_webhook_signature_invalid", "error", err)
		return nil, newError(CodeWebhookSignature, ClassClient, false, "webhook signature verification failed").
			With("provider", client.Name())
	case errors.Is(err, payment.ErrUnsupportedEventType):
		return r.ignore(ctx, client.Name(), event, body, "unsupported event type")
	case payment.IsRetryable(err):
		log.Warnw("payment_webhook_verify_unavailable", "error", err)
		return nil, FromProviderError(err)
	default:
		// 验签通过但报文无法解析，应答后仅记录
		log.Warnw("payment_webhook_parse_failed", "error", err)
		return &WebhookResult{Outcome: WebhookIgnored, Provider: client.Name()}, nil
	}
	log = log.With("provider_event_id", event.EventID, "event_type", event.EventType)

	now := r.orchestrator.now()
	entry := &models.WebhookEvent{
		Provider:          client.Name(),
		ProviderEventID:   event.EventID,
		EventType:         event.EventType,
		ProviderReference: event.ProviderReference,
		Status:            constants.WebhookStatusReceived,
		Payload:           string(body),
		ReceivedAt:        now,
		ExpiresAt:         now.Add(r.opts.Retention),
	}
	inserted, err := r.webhookRepo.InsertIfAbsent(ctx, entry)
	if err != nil {
		return nil, InternalError(err)
	}
	if !inserted {
		existing, err := r.webhookRepo.GetByProviderEvent(ctx, client.Name(), event.EventID)
		if err != nil {
			return nil, InternalError(err)
		}
		if existing == nil {
			return nil, InternalError(fmt.Errorf("webhook event %s vanished after insert conflict", event.EventID))
		}
		if existing.Finished() {
			log.Infow("payment_webhook_duplicate")
			return r.result(WebhookDuplicate, existing, event), nil
		}
		entry = existing
	}
	return r.process(ctx, entry, event)
}

// ReprocessEvent 重放台账中未完成的事件（worker 调用）
func (r *Reconciler) ReprocessEvent(ctx context.Context, webhookEventID uint) (*WebhookResult, error) {
	entry, err := r.webhookRepo.GetByID(ctx, webhookEventID)
	if err != nil {
		return nil, InternalError(err)
	}
	if entry == nil {
		return nil, newError(CodeValidation, ClassClient, false, "webhook event not found").With("webhook_event_id", webhookEventID)
	}
	if entry.Finished() {
		return &WebhookResult{Outcome: WebhookDuplicate, Provider: entry.Provider, EventID: entry.ProviderEventID, EventType: entry.EventType, PaymentID: entry.PaymentID}, nil
	}
	client, err := r.orchestrator.providers.Get(entry.Provider)
	if err != nil {
		return nil, FromProviderError(err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ProcessingTimeout)
	defer cancel()

	event, err := client.ParseWebhookPayload([]byte(entry.Payload))
	if err != nil {
		claimed, claimErr := r.webhookRepo.Claim(ctx, entry.ID, r.orchestrator.now(), r.opts.Lease)
		if claimErr == nil && claimed {
			_ = r.webhookRepo.MarkIgnored(ctx, entry.ID, err.Error(), r.orchestrator.now())
		}
		return &WebhookResult{Outcome: WebhookIgnored, Provider: entry.Provider, EventID: entry.ProviderEventID}, nil
	}
	return r.process(ctx, entry, event)
}

// ScheduleReplay 运维触发重放：有队列时异步，否则同步处理
func (r *Reconciler) ScheduleReplay(ctx context.Context, webhookEventID uint) (*WebhookResult, error) {
	if r.queue.Enabled() {
		if err := r.queue.EnqueueWebhookReprocess(queue.WebhookReprocessPayload{WebhookEventID: webhookEventID}, 0, 1); err != nil {
			return nil, InternalError(err)
		}
		return &WebhookResult{Outcome: WebhookInFlight}, nil
	}
	return r.ReprocessEvent(ctx, webhookEventID)
}

// ListEvents 回调台账（运维）
func (r *Reconciler) ListEvents(ctx context.Context, filter repository.WebhookEventListFilter) ([]models.WebhookEvent, int64, error) {
	items, total, err := r.webhookRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, InternalError(err)
	}
	return items, total, nil
}

func (r *Reconciler) ignore(ctx context.Context, provider string, event *payment.Event, body []byte, reason string) (*WebhookResult, error) {
	result := &WebhookResult{Outcome: WebhookIgnored, Provider: provider}
	if event == nil || strings.TrimSpace(event.EventID) == "" {
		return result, nil
	}
	result.EventID = event.EventID
	result.EventType = event.EventType
	now := r.orchestrator.now()
	entry := &models.WebhookEvent{
		Provider:          provider,
		ProviderEventID:   event.EventID,
		EventType:         event.EventType,
		ProviderReference: event.ProviderReference,
		Status:            constants.WebhookStatusIgnored,
		LastError:         reason,
		Payload:           string(body),
		ReceivedAt:        now,
		ProcessedAt:       &now,
		ExpiresAt:         now.Add(r.opts.Retention),
	}
	if _, err := r.webhookRepo.InsertIfAbsent(ctx, entry); err != nil {
		paymentLogger("provider", provider, "provider_event_id", event.EventID).Warnw("payment_webhook_ignore_record_failed", "error", err)
	}
	paymentLogger("provider", provider, "provider_event_id", event.EventID).Infow("payment_webhook_ignored", "event_type", event.EventType, "reason", reason)
	return result, nil
}

func (r *Reconciler) process(ctx context.Context, entry *models.WebhookEvent, event *payment.Event) (*WebhookResult, error) {
	log := paymentLogger("provider", entry.Provider, "provider_event_id", entry.ProviderEventID, "event_type", entry.EventType)
	claimed, err := r.webhookRepo.Claim(ctx, entry.ID, r.orchestrator.now(), r.opts.Lease)
	if err != nil {
		return nil, InternalError(err)
	}
	if !claimed {
		// 另一投递正在处理，其失败会进入重放
		log.Infow("payment_webhook_in_flight")
		return r.result(WebhookInFlight, entry, event), nil
	}

	paymentID, err := r.apply(ctx, entry, event)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			log.Infow("payment_webhook_finished_elsewhere")
			return r.result(WebhookDuplicate, entry, event), nil
		}
		appErr := AsError(err)
		if markErr := r.webhookRepo.MarkFailed(context.WithoutCancel(ctx), entry.ID, appErr.Error()); markErr != nil {
			log.Warnw("payment_webhook_mark_failed_error", "error", markErr)
		}
		r.scheduleRetry(ctx, entry, event, appErr)
		log.Warnw("payment_webhook_apply_failed", "error", appErr, "error_code", appErr.Code)
		return nil, appErr
	}
	log.Infow("payment_webhook_processed", "payment_id", paymentID)
	result := r.result(WebhookProcessed, entry, event)
	result.PaymentID = paymentID
	return result, nil
}

// scheduleRetry 失败事件进入延迟重放，超过次数上限后告警
func (r *Reconciler) scheduleRetry(ctx context.Context, entry *models.WebhookEvent, event *payment.Event, appErr *Error) {
	attempts := entry.Attempts + 1
	if attempts >= r.opts.MaxAttempts {
		r.orchestrator.alerts.Raise(ctx, IntegrityAlert{
			Kind:              AlertWebhookAttemptsExhaust,
			Provider:          entry.Provider,
			ProviderReference: event.ProviderReference,
			ProviderEventID:   entry.ProviderEventID,
			EventType:         entry.EventType,
			Message:           appErr.Message,
		})
		return
	}
	delay := r.opts.ReprocessDelay * time.Duration(attempts)
	if err := r.queue.EnqueueWebhookReprocess(queue.WebhookReprocessPayload{WebhookEventID: entry.ID}, delay, 1); err != nil {
		paymentLogger("provider", entry.Provider, "provider_event_id", entry.ProviderEventID).Warnw("payment_webhook_reprocess_enqueue_failed", "error", err)
	}
}

func (r *Reconciler) result(outcome WebhookOutcome, entry *models.WebhookEvent, event *payment.Event) *WebhookResult {
	result := &WebhookResult{Outcome: outcome, Provider: entry.Provider, EventID: entry.ProviderEventID, EventType: entry.EventType, PaymentID: entry.PaymentID}
	if event != nil && result.EventType == "" {
		result.EventType = event.EventType
	}
	return result
}

// locatePayment 依次按支付流水号、扣款流水号、退款流水号定位本地支付
func (r *Reconciler) locatePayment(ctx context.Context, provider string, event *payment.Event) (*models.Payment, error) {
	o := r.orchestrator
	if event.ProviderReference != "" {
		found, err := o.paymentRepo.GetByProviderReference(ctx, provider, event.ProviderReference)
		if err != nil || found != nil {
			return found, err
		}
	}
	if event.CaptureReference != "" {
		found, err := o.paymentRepo.GetByCaptureReference(ctx, provider, event.CaptureReference)
		if err != nil || found != nil {
			return found, err
		}
	}
	if event.RefundReference != "" {
		refund, err := o.refundRepo.GetByProviderReference(ctx, provider, event.RefundReference)
		if err != nil {
			return nil, err
		}
		if refund != nil {
			return o.paymentRepo.GetByID(ctx, refund.PaymentID)
		}
	}
	return nil, nil
}

// apply 在版本校验的事务内应用事件，并在同一事务内标记台账已处理
func (r *Reconciler) apply(ctx context.Context, entry *models.WebhookEvent, event *payment.Event) (string, error) {
	o := r.orchestrator
	target, err := r.locatePayment(ctx, entry.Provider, event)
	if err != nil {
		return "", InternalError(err)
	}
	if target == nil {
		o.alerts.Raise(ctx, IntegrityAlert{
			Kind:              AlertPaymentNotFound,
			Provider:          entry.Provider,
			ProviderReference: firstNonEmpty(event.ProviderReference, event.CaptureReference, event.RefundReference),
			ProviderEventID:   entry.ProviderEventID,
			EventType:         entry.EventType,
			Message:           "webhook references a provider transaction with no local payment",
		})
		return "", newError(CodeIntegrityViolation, ClassIntegrity, false, "no local payment matches the webhook provider reference").
			With("provider", entry.Provider).
			With("provider_reference", event.ProviderReference).
			With("provider_event_id", entry.ProviderEventID)
	}

	var alert *IntegrityAlert
	updated, err := o.mutatePayment(ctx, target.ID, sourceWebhook, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		alert = nil
		var err error
		switch event.Kind {
		case payment.EventAuthorized:
			if current.State == constants.PaymentStateCreated {
				current.ApprovalURL = ""
				err = o.transition(current, constants.PaymentEventAuthorize, &change)
			}
		case payment.EventCaptured:
			alert, err = r.applyCaptured(current, event, &change)
		case payment.EventFailed:
			if CanTransition(current.State, constants.PaymentEventProviderFailure) {
				current.FailureCode = firstNonEmpty(event.FailureCode, "provider_failed")
				current.FailureMessage = event.FailureMessage
				err = o.transition(current, constants.PaymentEventProviderFailure, &change)
			}
		case payment.EventCanceled:
			if CanTransition(current.State, constants.PaymentEventCancel) {
				err = o.transition(current, constants.PaymentEventCancel, &change)
			}
		case payment.EventRefundSucceeded:
			alert, err = r.applyRefundSucceeded(ctx, tx, current, entry, event, &change)
		case payment.EventRefundFailed:
			err = r.applyRefundFailed(ctx, tx, current, event, &change)
		}
		if err != nil {
			return change, err
		}
		return change, r.webhookRepo.WithTx(tx).MarkProcessed(ctx, entry.ID, current.ID, o.now())
	})
	if err != nil {
		return target.ID, err
	}
	if alert != nil {
		o.alerts.Raise(ctx, *alert)
	}
	return updated.ID, nil
}

// applyCaptured 扣款确认；失败终态后的扣款只告警不迁移
func (r *Reconciler) applyCaptured(current *models.Payment, event *payment.Event, change *paymentChange) (*IntegrityAlert, error) {
	if IsFailureState(current.State) {
		return &IntegrityAlert{
			Kind:              AlertCaptureAfterTerminal,
			Provider:          current.Provider,
			ProviderReference: current.ProviderRef(),
			ProviderEventID:   event.EventID,
			PaymentID:         current.ID,
			EventType:         event.EventType,
			Message:           "provider reports a capture for a payment in state " + current.State,
		}, nil
	}
	releaseClaim(current, constants.PendingOperationCapture, "", change)
	if event.CaptureReference != "" && current.CaptureReference == "" {
		current.CaptureReference = event.CaptureReference
		change.changed = true
	}
	if hasReached(current.State, constants.PaymentStateCaptured) {
		return nil, nil
	}
	current.CapturedAmount = capturedAmount(event.Amount, current.Amount)
	return nil, r.orchestrator.walkTo(current, constants.PaymentStateCaptured, change)
}

// applyRefundSucceeded 退款确认：匹配本地退款，否则按提供方侧发起的退款入账
func (r *Reconciler) applyRefundSucceeded(ctx context.Context, tx *gorm.DB, current *models.Payment, entry *models.WebhookEvent, event *payment.Event, change *paymentChange) (*IntegrityAlert, error) {
	o := r.orchestrator
	refund, err := r.matchRefund(ctx, tx, current, event)
	if err != nil {
		return nil, err
	}
	if refund != nil {
		if refund.State != constants.RefundStatePending {
			return nil, nil
		}
		return nil, o.settleRefundTx(ctx, tx, current, refund, event.RefundReference, change)
	}
	if event.RefundReference == "" || event.Amount <= 0 {
		return nil, nil
	}
	if !hasReached(current.State, constants.PaymentStateCaptured) || event.Amount > current.RefundableAmount() {
		return &IntegrityAlert{
			Kind:              AlertRefundExceedsCaptured,
			Provider:          current.Provider,
			ProviderReference: current.ProviderRef(),
			ProviderEventID:   event.EventID,
			PaymentID:         current.ID,
			EventType:         event.EventType,
			Message:           fmt.Sprintf("external refund of %d does not fit refundable amount %d in state %s", event.Amount, current.RefundableAmount(), current.State),
		}, nil
	}
	reference := event.RefundReference
	external := &models.Refund{
		ID:                newRefundID(),
		PaymentID:         current.ID,
		Provider:          current.Provider,
		ProviderReference: &reference,
		IdempotencyKey:    "webhook:" + entry.ProviderEventID,
		Amount:            event.Amount,
		Currency:          current.Currency,
		State:             constants.RefundStatePending,
		Reason:            constants.RefundReasonOther,
		Notes:             "initiated at provider",
	}
	if err := o.refundRepo.WithTx(tx).Create(ctx, external); err != nil {
		return nil, err
	}
	current.RefundReservedAmount += external.Amount
	return nil, o.settleRefundTx(ctx, tx, current, external, reference, change)
}

func (r *Reconciler) applyRefundFailed(ctx context.Context, tx *gorm.DB, current *models.Payment, event *payment.Event, change *paymentChange) error {
	refund, err := r.matchRefund(ctx, tx, current, event)
	if err != nil || refund == nil || refund.State != constants.RefundStatePending {
		return err
	}
	return r.orchestrator.failRefundTx(ctx, tx, current, refund, firstNonEmpty(event.FailureCode, "refund_failed"), event.FailureMessage, change)
}

// matchRefund 按退款流水号匹配；未回填流水号的 pending 退款按金额认领
func (r *Reconciler) matchRefund(ctx context.Context, tx *gorm.DB, current *models.Payment, event *payment.Event) (*models.Refund, error) {
	refunds := r.orchestrator.refundRepo.WithTx(tx)
	if event.RefundReference != "" {
		found, err := refunds.GetByProviderReference(ctx, current.Provider, event.RefundReference)
		if err != nil || found != nil {
			return found, err
		}
	}
	list, err := refunds.ListByPayment(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		candidate := &list[i]
		if candidate.State == constants.RefundStatePending && candidate.ProviderReference == nil && candidate.Amount == event.Amount {
			return candidate, nil
		}
	}
	return nil, nil
}
