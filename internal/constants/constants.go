package constants

// 支付状态常量
const (
	PaymentStateCreated           = "CREATED"
	PaymentStateAuthorized        = "AUTHORIZED"
	PaymentStateCaptured          = "CAPTURED"
	PaymentStatePartiallyRefunded = "PARTIALLY_REFUNDED"
	PaymentStateRefunded          = "REFUNDED"
	PaymentStateFailed            = "FAILED"
	PaymentStateCanceled          = "CANCELED"
)

// 状态机事件常量
const (
	PaymentEventAuthorize       = "authorize"
	PaymentEventCapture         = "capture"
	PaymentEventRefundPartial   = "refund_partial"
	PaymentEventRefundFull      = "refund_full"
	PaymentEventProviderFailure = "provider_failure"
	PaymentEventCancel          = "cancel"
)

// 支付进行中的外部操作
const (
	PendingOperationNone    = ""
	PendingOperationCreate  = "create"
	PendingOperationCapture = "capture"
	PendingOperationCancel  = "cancel"
)

// 退款状态常量
const (
	RefundStatePending   = "pending"
	RefundStateSucceeded = "succeeded"
	RefundStateFailed    = "failed"
	RefundStateCanceled  = "canceled"
)

// 退款原因常量
const (
	RefundReasonDuplicate           = "duplicate"
	RefundReasonFraudulent          = "fraudulent"
	RefundReasonRequestedByCustomer = "requested_by_customer"
	RefundReasonOrderCancelled      = "order_cancelled"
	RefundReasonProductNotReceived  = "product_not_received"
	RefundReasonProductUnacceptable = "product_unacceptable"
	RefundReasonOther               = "other"
)

// 支付提供方常量
const (
	ProviderStripe  = "stripe"
	ProviderPaypal  = "paypal"
	ProviderSandbox = "sandbox"
)

// 幂等记录状态常量
const (
	IdempotencyStatusProcessing      = "processing"
	IdempotencyStatusCompleted       = "completed"
	IdempotencyStatusFailedRetryable = "failed_retryable"
)

// 幂等作用域（操作类型）
const (
	IdempotencyScopeCreatePayment  = "payment.create"
	IdempotencyScopeCapturePayment = "payment.capture"
	IdempotencyScopeCancelPayment  = "payment.cancel"
	IdempotencyScopeCreateRefund   = "refund.create"
)

// 进行中请求的处理策略
const (
	InProgressPolicyFail = "fail"
	InProgressPolicyWait = "wait"
)

// 幂等存储后端
const (
	IdempotencyBackendDatabase = "database"
	IdempotencyBackendBolt     = "bolt"
)

// Webhook 事件处理状态
const (
	WebhookStatusReceived   = "received"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
	WebhookStatusIgnored    = "ignored"
)

// 队列与任务常量
const (
	QueueDefault         = "default"
	QueueCritical        = "critical"
	TaskIntegrityAlert   = "payment:integrity_alert"
	TaskWebhookReprocess = "webhook:reprocess"
	TaskRetentionPurge   = "maintenance:retention_purge"
)

// 请求头常量
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRequestID      = "X-Request-ID"
	HeaderCorrelationID  = "X-Correlation-ID"
)

// 服务标识
const (
	ServiceName    = "payment-orchestrator"
	ServiceVersion = "2.0.0"
)
