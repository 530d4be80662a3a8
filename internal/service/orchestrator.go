package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/events"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/payment"
	"github.com/payment-orchestrator/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sourceAPI     = "api"
	sourceWebhook = "webhook"
)

// PaymentLocker 按支付串行化写入（可选，版本号校验始终生效）
type PaymentLocker interface {
	Acquire(ctx context.Context, name string) (func(), error)
}

// OrchestratorDeps 编排服务依赖
type OrchestratorDeps struct {
	DB              *gorm.DB
	PaymentRepo     repository.PaymentRepository
	RefundRepo      repository.RefundRepository
	IdempotencyRepo repository.IdempotencyRepository
	Providers       *payment.Registry
	Locker          PaymentLocker
	Publisher       events.Publisher
	Alerts          AlertSink
	Idempotency     IdempotencyOptions
	OCCMaxRetries   int
	OCCBackoff      time.Duration
	Now             func() time.Time
}

// Orchestrator 支付编排服务
type Orchestrator struct {
	db          *gorm.DB
	paymentRepo repository.PaymentRepository
	refundRepo  repository.RefundRepository
	idem        *idempotencyGuard
	providers   *payment.Registry
	locker      PaymentLocker
	publisher   events.Publisher
	alerts      AlertSink
	occRetries  int
	occBackoff  time.Duration
	now         func() time.Time
}

// NewOrchestrator 创建编排服务
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	retries := deps.OCCMaxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := deps.OCCBackoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	alerts := deps.Alerts
	if alerts == nil {
		alerts = NewQueueAlertSink(nil, publisher)
	}
	return &Orchestrator{
		db:          deps.DB,
		paymentRepo: deps.PaymentRepo,
		refundRepo:  deps.RefundRepo,
		idem: &idempotencyGuard{
			repo: deps.IdempotencyRepo,
			opts: deps.Idempotency.normalize(),
			now:  now,
		},
		providers:  deps.Providers,
		locker:     deps.Locker,
		publisher:  publisher,
		alerts:     alerts,
		occRetries: retries,
		occBackoff: backoff,
		now:        now,
	}
}

func paymentLogger(kv ...interface{}) *zap.SugaredLogger {
	if len(kv) == 0 {
		return logger.S()
	}
	return logger.SW(kv...)
}

func newPaymentID() string {
	return "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newRefundID() string {
	return "re_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreatePaymentInput 创建支付
type CreatePaymentInput struct {
	IdempotencyKey     string            `json:"-"`
	Provider           string            `json:"provider"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	PaymentMethodToken string            `json:"payment_method_token"`
	CustomerID         string            `json:"customer_id"`
	OrderReference     string            `json:"order_reference"`
	Description        string            `json:"description"`
	Metadata           map[string]string `json:"metadata"`
}

// CapturePaymentInput 扣款，Amount 为 0 表示全额
type CapturePaymentInput struct {
	PaymentID      string `json:"payment_id"`
	IdempotencyKey string `json:"-"`
	Amount         int64  `json:"amount"`
}

// CancelPaymentInput 撤销支付
type CancelPaymentInput struct {
	PaymentID      string `json:"payment_id"`
	IdempotencyKey string `json:"-"`
}

// CreateRefundInput 创建退款，Amount 为 0 表示退还剩余全部
type CreateRefundInput struct {
	PaymentID      string `json:"payment_id"`
	IdempotencyKey string `json:"-"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	Notes          string `json:"notes"`
}

// CreatePayment 创建支付并向提供方发起授权
func (o *Orchestrator) CreatePayment(ctx context.Context, input CreatePaymentInput) (*models.Payment, error) {
	key, err := validateIdempotencyKey(input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	input.Provider = strings.ToLower(strings.TrimSpace(input.Provider))
	input.Currency = models.NormalizeCurrency(input.Currency)
	input.PaymentMethodToken = strings.TrimSpace(input.PaymentMethodToken)
	if input.Amount <= 0 {
		return nil, ValidationError("amount", "amount must be a positive integer in minor units")
	}
	if !models.ValidCurrency(input.Currency) {
		return nil, ValidationError("currency", "currency must be a 3-letter ISO-4217 code")
	}
	if input.Provider == "" {
		return nil, ValidationError("provider", "provider is required")
	}
	client, err := o.providers.Get(input.Provider)
	if err != nil {
		return nil, FromProviderError(err).With("provider", input.Provider)
	}
	requestFingerprint, err := fingerprint(constants.IdempotencyScopeCreatePayment, input)
	if err != nil {
		return nil, InternalError(err)
	}
	return runIdempotent[models.Payment](ctx, o.idem, constants.IdempotencyScopeCreatePayment, key, requestFingerprint,
		func(ctx context.Context, attempt *idempotentAttempt) (*models.Payment, string, error) {
			return o.createPayment(ctx, client, input, attempt)
		})
}

func (o *Orchestrator) createPayment(ctx context.Context, client payment.Client, input CreatePaymentInput, attempt *idempotentAttempt) (*models.Payment, string, error) {
	var record *models.Payment
	if attempt.ResourceID != "" {
		existing, err := o.paymentRepo.GetByID(ctx, attempt.ResourceID)
		if err != nil {
			return nil, attempt.ResourceID, InternalError(err)
		}
		record = existing
	}
	if record == nil {
		record = &models.Payment{
			ID:             newPaymentID(),
			Provider:       client.Name(),
			Amount:         input.Amount,
			Currency:       input.Currency,
			State:          constants.PaymentStateCreated,
			Version:        1,
			CustomerID:     strings.TrimSpace(input.CustomerID),
			OrderReference: strings.TrimSpace(input.OrderReference),
			Description:    strings.TrimSpace(input.Description),
			Metadata:       metadataJSON(input.Metadata),
			// 建单即占用，提供方返回前撤销请求会被拒绝
			PendingOperation:    constants.PendingOperationCreate,
			PendingOperationKey: attempt.Key,
		}
		if err := o.paymentRepo.Create(ctx, record); err != nil {
			return nil, "", InternalError(err)
		}
		if err := attempt.Attach(ctx, record.ID); err != nil {
			return nil, record.ID, InternalError(err)
		}
		o.publish(ctx, record, sourceAPI, []lifecycleEmit{{Type: events.TypePaymentCreated}})
	}
	log := paymentLogger("payment_id", record.ID, "provider", record.Provider)

	// 之前的尝试已经拿到提供方结果，直接返回
	if record.State != constants.PaymentStateCreated || record.ApprovalURL != "" {
		return record, record.ID, nil
	}

	result, callErr := client.CreatePayment(ctx, payment.CreateRequest{
		PaymentID:      record.ID,
		Amount:         record.Amount,
		Currency:       record.Currency,
		MethodToken:    input.PaymentMethodToken,
		CustomerID:     record.CustomerID,
		Description:    record.Description,
		Metadata:       input.Metadata,
		IdempotencyKey: o.providerToken(client, attempt),
	})
	if callErr != nil {
		appErr := FromProviderError(callErr).With("payment_id", record.ID)
		if appErr.Retryable {
			log.Warnw("payment_create_provider_unavailable", "error", callErr)
			return nil, record.ID, appErr
		}
		log.Warnw("payment_create_provider_rejected", "error", callErr, "error_code", appErr.Code)
		if _, err := o.failPayment(ctx, record.ID, sourceAPI, failureCode(callErr, appErr), appErr.Message); err != nil {
			return nil, record.ID, AsError(err)
		}
		return nil, record.ID, appErr
	}

	var orphaned bool
	updated, err := o.mutatePayment(ctx, record.ID, sourceAPI, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		orphaned = false
		releaseClaim(current, constants.PendingOperationCreate, attempt.Key, &change)
		if result.ProviderReference != "" && current.ProviderReference == nil {
			reference := result.ProviderReference
			current.ProviderReference = &reference
			change.changed = true
		}
		if result.CaptureReference != "" && current.CaptureReference == "" {
			current.CaptureReference = result.CaptureReference
			change.changed = true
		}
		if current.State != constants.PaymentStateCreated {
			// 调用期间本地已进入终态，提供方侧的授权需要撤销
			orphaned = IsFailureState(current.State) && result.ProviderReference != "" &&
				result.Status != payment.StatusFailed && result.Status != payment.StatusCanceled
			return change, nil
		}
		switch result.Status {
		case payment.StatusAuthorized:
			return change, o.transition(current, constants.PaymentEventAuthorize, &change)
		case payment.StatusCaptured:
			if err := o.transition(current, constants.PaymentEventAuthorize, &change); err != nil {
				return change, err
			}
			current.CapturedAmount = capturedAmount(result.Amount, current.Amount)
			return change, o.transition(current, constants.PaymentEventCapture, &change)
		case payment.StatusFailed:
			current.FailureCode = "provider_failed"
			return change, o.transition(current, constants.PaymentEventProviderFailure, &change)
		case payment.StatusCanceled:
			return change, o.transition(current, constants.PaymentEventCancel, &change)
		default:
			if result.ApprovalURL != "" && current.ApprovalURL != result.ApprovalURL {
				current.ApprovalURL = result.ApprovalURL
				change.changed = true
			}
		}
		return change, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, record.ID, o.rejectDuplicateReference(ctx, record, result.ProviderReference)
		}
		return nil, record.ID, AsError(err)
	}
	if orphaned {
		o.voidOrphanedAuthorization(ctx, client, updated, result)
		return nil, updated.ID, InvalidTransition(updated.ID, constants.PaymentEventAuthorize, updated.State).
			With("provider_reference", updated.ProviderRef())
	}
	log.Infow("payment_created", "state", updated.State, "provider_reference", updated.ProviderRef())
	return updated, updated.ID, nil
}

// voidOrphanedAuthorization 撤销本地已终结支付在提供方侧的授权，撤销失败时告警
func (o *Orchestrator) voidOrphanedAuthorization(ctx context.Context, client payment.Client, record *models.Payment, result *payment.Result) {
	log := paymentLogger("payment_id", record.ID, "provider", record.Provider, "provider_reference", result.ProviderReference)
	message := "provider authorized a payment that was already " + record.State + " locally"
	if result.Status != payment.StatusCaptured {
		_, err := client.CancelPayment(ctx, payment.CancelRequest{PaymentID: record.ID, ProviderReference: result.ProviderReference})
		if err == nil {
			log.Warnw("payment_orphaned_authorization_voided", "state", record.State)
			return
		}
		log.Errorw("payment_orphaned_authorization_void_failed", "error", err)
		message += "; void failed: " + err.Error()
	}
	o.alerts.Raise(ctx, IntegrityAlert{
		Kind:              AlertOrphanedAuthorization,
		Provider:          record.Provider,
		ProviderReference: result.ProviderReference,
		PaymentID:         record.ID,
		Message:           message,
	})
}

// rejectDuplicateReference 提供方返回的流水号已属于其他支付
func (o *Orchestrator) rejectDuplicateReference(ctx context.Context, record *models.Payment, reference string) error {
	o.alerts.Raise(ctx, IntegrityAlert{
		Kind:              AlertDuplicateProviderRef,
		Provider:          record.Provider,
		ProviderReference: reference,
		PaymentID:         record.ID,
		Message:           "provider returned a reference already bound to another payment",
	})
	if _, err := o.failPayment(ctx, record.ID, sourceAPI, "duplicate_provider_reference", "provider reference already in use"); err != nil {
		paymentLogger("payment_id", record.ID).Warnw("payment_duplicate_reference_fail_failed", "error", err)
	}
	return newError(CodeDuplicateProviderRef, ClassIntegrity, false, "provider reference is already bound to another payment").
		With("payment_id", record.ID).
		With("provider", record.Provider).
		With("provider_reference", reference)
}

// GetPayment 查询支付
func (o *Orchestrator) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	record, err := o.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, InternalError(err)
	}
	if record == nil {
		return nil, PaymentNotFound(paymentID)
	}
	return record, nil
}

// ListPayments 支付列表（运维）
func (o *Orchestrator) ListPayments(ctx context.Context, filter repository.PaymentListFilter) ([]models.Payment, int64, error) {
	payments, total, err := o.paymentRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, InternalError(err)
	}
	return payments, total, nil
}

// CapturePayment 对已授权支付扣款
func (o *Orchestrator) CapturePayment(ctx context.Context, input CapturePaymentInput) (*models.Payment, error) {
	key, err := validateIdempotencyKey(input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if input.Amount < 0 {
		return nil, ValidationError("amount", "amount must not be negative")
	}
	requestFingerprint, err := fingerprint(constants.IdempotencyScopeCapturePayment, input)
	if err != nil {
		return nil, InternalError(err)
	}
	return runIdempotent[models.Payment](ctx, o.idem, constants.IdempotencyScopeCapturePayment, key, requestFingerprint,
		func(ctx context.Context, attempt *idempotentAttempt) (*models.Payment, string, error) {
			return o.capturePayment(ctx, input, attempt)
		})
}

func (o *Orchestrator) capturePayment(ctx context.Context, input CapturePaymentInput, attempt *idempotentAttempt) (*models.Payment, string, error) {
	record, err := o.GetPayment(ctx, input.PaymentID)
	if err != nil {
		return nil, "", err
	}
	client, err := o.providers.Get(record.Provider)
	if err != nil {
		return nil, record.ID, FromProviderError(err).With("payment_id", record.ID)
	}
	amount := input.Amount
	if amount == 0 {
		amount = record.Amount
	}
	if amount > record.Amount {
		return nil, record.ID, ValidationError("amount", "capture amount exceeds the authorized amount").
			With("payment_id", record.ID).
			With("authorized_amount", record.Amount)
	}
	if amount < record.Amount && !client.Capabilities().PartialCapture {
		return nil, record.ID, ValidationError("amount", "provider does not support partial capture").
			With("payment_id", record.ID)
	}

	claimed, err := o.claimOperation(ctx, record.ID, constants.PaymentEventCapture, constants.PendingOperationCapture, attempt.Key)
	if err != nil {
		return nil, record.ID, err
	}
	log := paymentLogger("payment_id", claimed.ID, "provider", claimed.Provider, "idempotency_key", attempt.Key)

	result, callErr := client.CapturePayment(ctx, payment.CaptureRequest{
		PaymentID:         claimed.ID,
		ProviderReference: claimed.ProviderRef(),
		Amount:            amount,
		Currency:          claimed.Currency,
		IdempotencyKey:    o.providerToken(client, attempt),
	})
	if errors.Is(callErr, payment.ErrAlreadyCaptured) {
		log.Infow("payment_capture_already_applied")
		result = &payment.Result{ProviderReference: claimed.ProviderRef(), Status: payment.StatusCaptured, Amount: amount, AlreadyApplied: true}
		callErr = nil
	}
	if callErr != nil {
		appErr := FromProviderError(callErr).With("payment_id", claimed.ID)
		if appErr.Retryable {
			// 保留占用，同键重试时继续
			log.Warnw("payment_capture_provider_unavailable", "error", callErr)
			return nil, claimed.ID, appErr
		}
		log.Warnw("payment_capture_provider_rejected", "error", callErr, "error_code", appErr.Code)
		if _, err := o.failPayment(ctx, claimed.ID, sourceAPI, failureCode(callErr, appErr), appErr.Message); err != nil {
			return nil, claimed.ID, AsError(err)
		}
		return nil, claimed.ID, appErr
	}

	switch result.Status {
	case payment.StatusCaptured:
	case payment.StatusFailed:
		appErr := newError(CodeProviderRejected, ClassProviderTerminal, false, "payment provider declined the capture").With("payment_id", claimed.ID)
		if _, err := o.failPayment(ctx, claimed.ID, sourceAPI, "capture_declined", appErr.Message); err != nil {
			return nil, claimed.ID, AsError(err)
		}
		return nil, claimed.ID, appErr
	default:
		// 提供方异步处理，占用保留到回调确认
		log.Infow("payment_capture_pending_at_provider", "provider_status", result.Status)
		if result.CaptureReference != "" {
			claimed, err = o.mutatePayment(ctx, claimed.ID, sourceAPI, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
				if current.CaptureReference == result.CaptureReference {
					return paymentChange{}, nil
				}
				current.CaptureReference = result.CaptureReference
				return paymentChange{changed: true}, nil
			})
			if err != nil {
				return nil, input.PaymentID, AsError(err)
			}
		}
		return claimed, claimed.ID, nil
	}

	updated, err := o.mutatePayment(ctx, claimed.ID, sourceAPI, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		releaseClaim(current, constants.PendingOperationCapture, attempt.Key, &change)
		if result.CaptureReference != "" && current.CaptureReference == "" {
			current.CaptureReference = result.CaptureReference
			change.changed = true
		}
		if hasReached(current.State, constants.PaymentStateCaptured) {
			// 回调已先行确认
			return change, nil
		}
		current.CapturedAmount = capturedAmount(result.Amount, amount)
		return change, o.transition(current, constants.PaymentEventCapture, &change)
	})
	if err != nil {
		return nil, claimed.ID, AsError(err)
	}
	log.Infow("payment_captured", "amount", updated.CapturedAmount, "already_applied", result.AlreadyApplied)
	return updated, updated.ID, nil
}

// CancelPayment 撤销未扣款的支付
func (o *Orchestrator) CancelPayment(ctx context.Context, input CancelPaymentInput) (*models.Payment, error) {
	key, err := validateIdempotencyKey(input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	requestFingerprint, err := fingerprint(constants.IdempotencyScopeCancelPayment, input)
	if err != nil {
		return nil, InternalError(err)
	}
	return runIdempotent[models.Payment](ctx, o.idem, constants.IdempotencyScopeCancelPayment, key, requestFingerprint,
		func(ctx context.Context, attempt *idempotentAttempt) (*models.Payment, string, error) {
			return o.cancelPayment(ctx, input, attempt)
		})
}

func (o *Orchestrator) cancelPayment(ctx context.Context, input CancelPaymentInput, attempt *idempotentAttempt) (*models.Payment, string, error) {
	record, err := o.GetPayment(ctx, input.PaymentID)
	if err != nil {
		return nil, "", err
	}
	client, err := o.providers.Get(record.Provider)
	if err != nil {
		return nil, record.ID, FromProviderError(err).With("payment_id", record.ID)
	}

	// 提供方侧尚无流水号时直接本地取消
	claimed, err := o.mutatePayment(ctx, record.ID, sourceAPI, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		if err := checkClaimable(current, constants.PaymentEventCancel, constants.PendingOperationCancel, attempt.Key); err != nil {
			return change, err
		}
		if current.ProviderReference == nil {
			return change, o.transition(current, constants.PaymentEventCancel, &change)
		}
		if current.PendingOperation != constants.PendingOperationCancel {
			current.PendingOperation = constants.PendingOperationCancel
			current.PendingOperationKey = attempt.Key
			change.changed = true
		}
		return change, nil
	})
	if err != nil {
		return nil, record.ID, AsError(err)
	}
	if claimed.State == constants.PaymentStateCanceled {
		return claimed, claimed.ID, nil
	}
	log := paymentLogger("payment_id", claimed.ID, "provider", claimed.Provider, "idempotency_key", attempt.Key)

	_, callErr := client.CancelPayment(ctx, payment.CancelRequest{
		PaymentID:         claimed.ID,
		ProviderReference: claimed.ProviderRef(),
		IdempotencyKey:    o.providerToken(client, attempt),
	})
	if callErr != nil {
		appErr := FromProviderError(callErr).With("payment_id", claimed.ID)
		if appErr.Retryable {
			log.Warnw("payment_cancel_provider_unavailable", "error", callErr)
			return nil, claimed.ID, appErr
		}
		// 撤销被拒不改变支付状态，只释放占用
		log.Warnw("payment_cancel_provider_rejected", "error", callErr)
		if _, err := o.mutatePayment(ctx, claimed.ID, sourceAPI, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
			var change paymentChange
			releaseClaim(current, constants.PendingOperationCancel, attempt.Key, &change)
			return change, nil
		}); err != nil {
			return nil, claimed.ID, AsError(err)
		}
		return nil, claimed.ID, appErr
	}

	updated, err := o.mutatePayment(ctx, claimed.ID, sourceAPI, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		releaseClaim(current, constants.PendingOperationCancel, attempt.Key, &change)
		if current.State == constants.PaymentStateCanceled {
			return change, nil
		}
		return change, o.transition(current, constants.PaymentEventCancel, &change)
	})
	if err != nil {
		return nil, claimed.ID, AsError(err)
	}
	log.Infow("payment_canceled")
	return updated, updated.ID, nil
}

// claimOperation 在调用提供方前占用支付，不同幂等键的并发请求只有一个能进入提供方
func (o *Orchestrator) claimOperation(ctx context.Context, paymentID, event, operation, key string) (*models.Payment, error) {
	claimed, err := o.mutatePayment(ctx, paymentID, sourceAPI, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		if err := checkClaimable(current, event, operation, key); err != nil {
			return change, err
		}
		if current.PendingOperation == operation && current.PendingOperationKey == key {
			return change, nil
		}
		if current.ProviderReference == nil {
			return change, InvalidTransition(current.ID, event, current.State).With("reason", "payment has no provider reference yet")
		}
		current.PendingOperation = operation
		current.PendingOperationKey = key
		change.changed = true
		return change, nil
	})
	if err != nil {
		return nil, AsError(err)
	}
	return claimed, nil
}

func checkClaimable(current *models.Payment, event, operation, key string) error {
	if current.PendingOperation != constants.PendingOperationNone {
		if current.PendingOperation == operation && current.PendingOperationKey == key {
			return nil
		}
		err := InvalidTransition(current.ID, event, current.State).With("pending_operation", current.PendingOperation)
		err.Retryable = true
		return err
	}
	if !CanTransition(current.State, event) {
		return InvalidTransition(current.ID, event, current.State)
	}
	return nil
}

func releaseClaim(current *models.Payment, operation, key string, change *paymentChange) {
	if current.PendingOperation == constants.PendingOperationNone || current.PendingOperation != operation {
		return
	}
	if key != "" && current.PendingOperationKey != key {
		return
	}
	current.PendingOperation = constants.PendingOperationNone
	current.PendingOperationKey = ""
	change.changed = true
}

// failPayment 提供方终态失败，CREATED/AUTHORIZED 进入 FAILED，其余状态只释放占用
func (o *Orchestrator) failPayment(ctx context.Context, paymentID, source, code, message string) (*models.Payment, error) {
	return o.mutatePayment(ctx, paymentID, source, func(ctx context.Context, tx *gorm.DB, current *models.Payment) (paymentChange, error) {
		var change paymentChange
		releaseClaim(current, current.PendingOperation, "", &change)
		if !CanTransition(current.State, constants.PaymentEventProviderFailure) {
			return change, nil
		}
		current.FailureCode = code
		current.FailureMessage = message
		return change, o.transition(current, constants.PaymentEventProviderFailure, &change)
	})
}

func (o *Orchestrator) providerToken(client payment.Client, attempt *idempotentAttempt) string {
	if client.Capabilities().NativeIdempotency {
		return attempt.ProviderToken()
	}
	return ""
}

func failureCode(callErr error, appErr *Error) string {
	if code := payment.CodeOf(callErr); code != "" {
		return code
	}
	return strings.ToLower(appErr.Code)
}

func capturedAmount(reported, fallback int64) int64 {
	if reported > 0 {
		return reported
	}
	return fallback
}

func metadataJSON(metadata map[string]string) models.JSON {
	if len(metadata) == 0 {
		return nil
	}
	out := make(models.JSON, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
