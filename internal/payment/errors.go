package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrProviderUnavailable 超时、网络错误、5xx，可重试
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrProviderRejected 提供方拒绝（卡被拒等），终态
	ErrProviderRejected = errors.New("payment provider rejected the request")
	// ErrProviderAuth 凭据错误，需要运维介入
	ErrProviderAuth = errors.New("payment provider authentication failed")
	// ErrAlreadyCaptured 已扣款，调用方按幂等成功处理
	ErrAlreadyCaptured = errors.New("payment already captured")
	// ErrInsufficientFunds 余额不足，终态
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidSignature 回调验签失败
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnsupportedEventType 不处理的回调事件类型
	ErrUnsupportedEventType = errors.New("unsupported webhook event type")
	// ErrProviderNotEnabled 提供方未启用或未配置
	ErrProviderNotEnabled = errors.New("payment provider not enabled")
	// ErrConfigInvalid 提供方配置不完整
	ErrConfigInvalid = errors.New("payment provider config invalid")
)

// ProviderError 提供方错误，携带原始错误码
type ProviderError struct {
	Kind       error
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap 同时暴露错误类别与底层错误
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError 构造提供方错误
func NewError(kind error, provider, code, message string, statusCode int, cause error) error {
	return &ProviderError{
		Kind:       kind,
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        cause,
	}
}

// IsRetryable 是否为可重试的提供方错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// CodeOf 提取提供方错误码
func CodeOf(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Code
	}
	return ""
}

// ClassifyTransportError 将传输层错误归类为不可用
func ClassifyTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if isTransientTransportError(err) {
		return NewError(ErrProviderUnavailable, provider, "transport_error", err.Error(), 0, err)
	}
	return NewError(ErrProviderUnavailable, provider, "request_failed", err.Error(), 0, err)
}

// ClassifyHTTPStatus 按 HTTP 状态码归类（2xx 返回 nil）
func ClassifyHTTPStatus(provider string, statusCode int, code, message string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 401 || statusCode == 403:
		return NewError(ErrProviderAuth, provider, code, message, statusCode, nil)
	case statusCode == 408 || statusCode == 409 || statusCode == 429 || statusCode >= 500:
		return NewError(ErrProviderUnavailable, provider, code, message, statusCode, nil)
	default:
		return NewError(ErrProviderRejected, provider, code, message, statusCode, nil)
	}
}

func isTransientTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
