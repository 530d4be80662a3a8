package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/payment-orchestrator/internal/payment"
)

// ErrorClass 错误分类
type ErrorClass string

const (
	ClassClient            ErrorClass = "client"
	ClassProviderTransient ErrorClass = "provider_transient"
	ClassProviderTerminal  ErrorClass = "provider_terminal"
	ClassConsistency       ErrorClass = "consistency"
	ClassIntegrity         ErrorClass = "integrity"
	ClassInternal          ErrorClass = "internal"
)

// 稳定错误码
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodePaymentNotFound        = "PAYMENT_NOT_FOUND"
	CodeRefundNotFound         = "REFUND_NOT_FOUND"
	CodeIdempotencyKeyMissing  = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyConflict    = "IDEMPOTENCY_KEY_CONFLICT"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeRefundAmountExceeded   = "REFUND_AMOUNT_EXCEEDED"
	CodeOperationInProgress    = "OPERATION_IN_PROGRESS"
	CodeProviderUnavailable    = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected       = "PROVIDER_REJECTED"
	CodeProviderAuth           = "PROVIDER_AUTH_ERROR"
	CodeInsufficientFunds      = "INSUFFICIENT_FUNDS"
	CodeProviderNotEnabled     = "PROVIDER_NOT_ENABLED"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeIntegrityViolation     = "INTEGRITY_VIOLATION"
	CodeDuplicateProviderRef   = "DUPLICATE_PROVIDER_REFERENCE"
	CodeWebhookSignature       = "WEBHOOK_SIGNATURE_INVALID"
	CodeLegacyAPIDisabled      = "LEGACY_API_DISABLED"
	CodeInternal               = "INTERNAL_ERROR"
)

// Error 对外可见的业务错误
type Error struct {
	Code      string                 `json:"error_code"`
	Class     ErrorClass             `json:"error_class"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 暴露底层错误
func (e *Error) Unwrap() error {
	return e.cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// With 追加附加信息
func (e *Error) With(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// HTTPStatus 错误码对应的 HTTP 状态
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeIdempotencyKeyMissing, CodeRefundAmountExceeded, CodeWebhookSignature:
		return http.StatusBadRequest
	case CodePaymentNotFound, CodeRefundNotFound, CodeProviderNotEnabled:
		return http.StatusNotFound
	case CodeIdempotencyConflict:
		return http.StatusUnprocessableEntity
	case CodeInvalidStateTransition, CodeOperationInProgress, CodeConcurrentModification:
		return http.StatusConflict
	case CodeProviderRejected, CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeProviderAuth:
		return http.StatusBadGateway
	case CodeLegacyAPIDisabled:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func newError(code string, class ErrorClass, retryable bool, message string) *Error {
	return &Error{Code: code, Class: class, Message: message, Retryable: retryable}
}

// 哨兵错误，仅用于 errors.Is 比较
var (
	ErrValidation             = newError(CodeValidation, ClassClient, false, "invalid request")
	ErrPaymentNotFound        = newError(CodePaymentNotFound, ClassClient, false, "payment not found")
	ErrRefundNotFound         = newError(CodeRefundNotFound, ClassClient, false, "refund not found")
	ErrIdempotencyConflict    = newError(CodeIdempotencyConflict, ClassClient, false, "idempotency key reused with a different request")
	ErrInvalidStateTransition = newError(CodeInvalidStateTransition, ClassClient, false, "invalid state transition")
	ErrOperationInProgress    = newError(CodeOperationInProgress, ClassConsistency, true, "operation in progress")
	ErrConcurrentModification = newError(CodeConcurrentModification, ClassConsistency, true, "concurrent modification")
	ErrIntegrityViolation     = newError(CodeIntegrityViolation, ClassIntegrity, false, "integrity violation")
	ErrLegacyAPIDisabled      = newError(CodeLegacyAPIDisabled, ClassClient, false, "legacy api is disabled")
)

// ValidationError 请求参数错误
func ValidationError(field, message string) *Error {
	return newError(CodeValidation, ClassClient, false, message).With("field", field)
}

// PaymentNotFound 支付不存在
func PaymentNotFound(paymentID string) *Error {
	return newError(CodePaymentNotFound, ClassClient, false, "payment not found").With("payment_id", paymentID)
}

// RefundNotFound 退款不存在
func RefundNotFound(refundID string) *Error {
	return newError(CodeRefundNotFound, ClassClient, false, "refund not found").With("refund_id", refundID)
}

// InvalidTransition 状态机守卫失败，携带事件与当前状态
func InvalidTransition(paymentID, event, state string) *Error {
	return newError(CodeInvalidStateTransition, ClassClient, false,
		fmt.Sprintf("event %s is not allowed in state %s", event, state)).
		With("payment_id", paymentID).
		With("event", event).
		With("current_state", state)
}

// OperationInProgress 同键请求仍在处理
func OperationInProgress(scope, key string) *Error {
	return newError(CodeOperationInProgress, ClassConsistency, true, "a request with this idempotency key is still in progress").
		With("scope", scope).
		With("idempotency_key", key)
}

// ConcurrentModification 乐观锁重试耗尽
func ConcurrentModification(paymentID string, attempts int) *Error {
	return newError(CodeConcurrentModification, ClassConsistency, true, "payment was modified concurrently, try again later").
		With("payment_id", paymentID).
		With("attempts", attempts)
}

// InternalError 未分类的内部错误，可重试
func InternalError(err error) *Error {
	e := newError(CodeInternal, ClassInternal, true, "internal error")
	e.cause = err
	return e
}

// FromProviderError 提供方错误映射为对外错误
func FromProviderError(err error) *Error {
	var e *Error
	switch {
	case errors.Is(err, payment.ErrProviderUnavailable):
		e = newError(CodeProviderUnavailable, ClassProviderTransient, true, "payment provider is unavailable, retry with the same idempotency key")
	case errors.Is(err, payment.ErrInsufficientFunds):
		e = newError(CodeInsufficientFunds, ClassProviderTerminal, false, "insufficient funds")
	case errors.Is(err, payment.ErrProviderAuth):
		e = newError(CodeProviderAuth, ClassProviderTerminal, false, "payment provider rejected our credentials")
	case errors.Is(err, payment.ErrProviderNotEnabled):
		e = newError(CodeProviderNotEnabled, ClassClient, false, "payment provider is not enabled")
	case errors.Is(err, payment.ErrProviderRejected):
		e = newError(CodeProviderRejected, ClassProviderTerminal, false, "payment provider declined the request")
	default:
		return InternalError(err)
	}
	e.cause = err
	var providerErr *payment.ProviderError
	if errors.As(err, &providerErr) {
		e.With("provider", providerErr.Provider)
		if providerErr.Code != "" {
			e.With("provider_code", providerErr.Code)
		}
	}
	return e
}

// AsError 转换为 *Error，未知错误归为内部错误
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalError(err)
}

// restoreError 从幂等记录还原终态错误
func restoreError(code, message string, details map[string]interface{}) *Error {
	class := ClassClient
	switch code {
	case CodeProviderRejected, CodeInsufficientFunds, CodeProviderAuth:
		class = ClassProviderTerminal
	case CodeIntegrityViolation, CodeDuplicateProviderRef:
		class = ClassIntegrity
	}
	e := newError(code, class, false, message)
	for k, v := range details {
		e.With(k, v)
	}
	return e
}
