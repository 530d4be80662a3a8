package payment

import (
	"context"
	"net/http"
	"time"
)

// Client 支付提供方客户端
// 每次调用只向提供方发起一次有界请求，重试由编排层决定。
type Client interface {
	Name() string
	Capabilities() Capabilities
	CreatePayment(ctx context.Context, req CreateRequest) (*Result, error)
	CapturePayment(ctx context.Context, req CaptureRequest) (*Result, error)
	CancelPayment(ctx context.Context, req CancelRequest) (*Result, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// VerifyAndParseWebhook 验签并解析回调；不支持的事件类型返回 Event 与 ErrUnsupportedEventType
	VerifyAndParseWebhook(ctx context.Context, body []byte, headers http.Header) (*Event, error)
	// ParseWebhookPayload 解析已验签落库的报文（补偿重放使用）
	ParseWebhookPayload(body []byte) (*Event, error)
}

// Capabilities 提供方能力声明
type Capabilities struct {
	NativeIdempotency bool // 是否支持透传幂等键
	PartialCapture    bool
	RequiresCaptureID bool // 退款需要扣款流水号而非支付流水号
}

// Status 提供方侧的支付状态
type Status string

const (
	StatusPending    Status = "pending" // 等待用户动作，本地状态不变
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
	StatusSucceeded  Status = "succeeded" // 退款成功
	StatusProcessing Status = "processing"
)

// CreateRequest 创建支付请求
type CreateRequest struct {
	PaymentID      string
	Amount         int64
	Currency       string
	MethodToken    string
	CustomerID     string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string // 为空表示不透传
}

// CaptureRequest 扣款请求
type CaptureRequest struct {
	PaymentID         string
	ProviderReference string
	Amount            int64
	Currency          string
	IdempotencyKey    string
}

// CancelRequest 撤销授权请求
type CancelRequest struct {
	PaymentID         string
	ProviderReference string
	IdempotencyKey    string
}

// RefundRequest 退款请求
type RefundRequest struct {
	PaymentID         string
	RefundID          string
	ProviderReference string
	CaptureReference  string
	Amount            int64
	Currency          string
	Reason            string
	IdempotencyKey    string
}

// Result 支付操作结果
type Result struct {
	ProviderReference string
	CaptureReference  string
	Status            Status
	Amount            int64
	ApprovalURL       string // 需要用户跳转确认时返回（PayPal）
	AlreadyApplied    bool   // 提供方确认操作此前已生效
}

// RefundResult 退款结果
type RefundResult struct {
	ProviderReference string
	Status            Status
	FailureCode       string
}

// EventKind 归一化后的回调事件类型
type EventKind string

const (
	EventAuthorized      EventKind = "authorized"
	EventCaptured        EventKind = "captured"
	EventFailed          EventKind = "failed"
	EventCanceled        EventKind = "canceled"
	EventRefundSucceeded EventKind = "refund_succeeded"
	EventRefundFailed    EventKind = "refund_failed"
	EventUnsupported     EventKind = "unsupported"
)

// Event 归一化后的回调事件
type Event struct {
	Provider          string
	EventID           string
	EventType         string
	Kind              EventKind
	ProviderReference string // 支付流水号
	CaptureReference  string
	RefundReference   string
	Amount            int64
	Currency          string
	FailureCode       string
	FailureMessage    string
	OccurredAt        time.Time
}
