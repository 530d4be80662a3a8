package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/payment"
)

// 测试用支付方式令牌
const (
	TokenDecline              = "tok_decline"
	TokenInsufficientFunds    = "tok_insufficient"
	TokenUnavailable          = "tok_unavailable"
	TokenPending              = "tok_pending"
	TokenRefundInsufficient   = "tok_refund_insufficient"
	SignatureHeader           = "Sandbox-Signature"
	defaultSignatureTolerance = 5 * time.Minute
)

// 沙箱回调事件类型
const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventPaymentCanceled   = "payment.canceled"
	EventRefundSucceeded   = "refund.succeeded"
	EventRefundFailed      = "refund.failed"
)

// Operation 调用计数与故障注入的操作名
type Operation string

const (
	OpCreate  Operation = "create"
	OpCapture Operation = "capture"
	OpCancel  Operation = "cancel"
	OpRefund  Operation = "refund"
)

// Config 沙箱配置
type Config struct {
	WebhookSecret     string
	NativeIdempotency bool
}

// WebhookPayload 沙箱回调报文
type WebhookPayload struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Created int64       `json:"created"`
	Data    WebhookData `json:"data"`
}

// WebhookData 回调数据
type WebhookData struct {
	PaymentReference string `json:"payment_reference"`
	CaptureReference string `json:"capture_reference,omitempty"`
	RefundReference  string `json:"refund_reference,omitempty"`
	Amount           int64  `json:"amount,omitempty"`
	Currency         string `json:"currency,omitempty"`
	FailureCode      string `json:"failure_code,omitempty"`
	FailureMessage   string `json:"failure_message,omitempty"`
}

type intent struct {
	reference  string
	token      string
	amount     int64
	currency   string
	status     payment.Status
	captured   int64
	refunded   int64
	captureRef string
}

// Client 离线确定性提供方，本地联调与端到端测试使用
type Client struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	intents  map[string]*intent
	replies  map[string]interface{}
	calls    map[Operation]int
	failNext map[Operation]error
}

// New 创建沙箱客户端
func New(cfg Config) (*Client, error) {
	cfg.WebhookSecret = strings.TrimSpace(cfg.WebhookSecret)
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: sandbox webhook_secret is required", payment.ErrConfigInvalid)
	}
	return &Client{
		cfg:      cfg,
		now:      time.Now,
		intents:  map[string]*intent{},
		replies:  map[string]interface{}{},
		calls:    map[Operation]int{},
		failNext: map[Operation]error{},
	}, nil
}

// Name 提供方名称
func (c *Client) Name() string {
	return constants.ProviderSandbox
}

// Capabilities 能力声明
func (c *Client) Capabilities() payment.Capabilities {
	return payment.Capabilities{
		NativeIdempotency: c.cfg.NativeIdempotency,
		PartialCapture:    true,
	}
}

// FailNext 下一次指定操作返回给定错误
func (c *Client) FailNext(op Operation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[op] = err
}

// Calls 指定操作的调用次数
func (c *Client) Calls(op Operation) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// CreatePayment 按令牌决定结果，默认直接授权
func (c *Client) CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.replay(req.IdempotencyKey); ok {
		return cloneResult(res), nil
	}
	if err := c.begin(ctx, OpCreate); err != nil {
		return nil, err
	}

	switch strings.TrimSpace(req.MethodToken) {
	case TokenDecline:
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderSandbox, "card_declined", "the card was declined", http.StatusPaymentRequired, nil)
	case TokenInsufficientFunds:
		return nil, payment.NewError(payment.ErrInsufficientFunds, constants.ProviderSandbox, "insufficient_funds", "insufficient funds", http.StatusPaymentRequired, nil)
	case TokenUnavailable:
		return nil, payment.NewError(payment.ErrProviderUnavailable, constants.ProviderSandbox, "service_unavailable", "sandbox unavailable", http.StatusServiceUnavailable, nil)
	}

	it := &intent{
		reference: "sbx_pi_" + compactID(),
		token:     strings.TrimSpace(req.MethodToken),
		amount:    req.Amount,
		currency:  models.NormalizeCurrency(req.Currency),
		status:    payment.StatusAuthorized,
	}
	if it.token == TokenPending {
		it.status = payment.StatusPending
	}
	c.intents[it.reference] = it
	res := &payment.Result{ProviderReference: it.reference, Status: it.status, Amount: it.amount}
	c.remember(req.IdempotencyKey, res)
	return cloneResult(res), nil
}

// CapturePayment 扣款，支持部分扣款
func (c *Client) CapturePayment(ctx context.Context, req payment.CaptureRequest) (*payment.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.replay(req.IdempotencyKey); ok {
		return cloneResult(res), nil
	}
	if err := c.begin(ctx, OpCapture); err != nil {
		return nil, err
	}
	it, err := c.lookup(req.ProviderReference)
	if err != nil {
		return nil, err
	}
	switch it.status {
	case payment.StatusCaptured:
		return nil, payment.NewError(payment.ErrAlreadyCaptured, constants.ProviderSandbox, "already_captured", "payment already captured", http.StatusConflict, nil)
	case payment.StatusAuthorized:
	default:
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderSandbox, "unexpected_state", "payment is "+string(it.status), http.StatusBadRequest, nil)
	}
	amount := req.Amount
	if amount <= 0 {
		amount = it.amount
	}
	if amount > it.amount {
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderSandbox, "amount_too_large", "capture exceeds authorized amount", http.StatusBadRequest, nil)
	}
	it.status = payment.StatusCaptured
	it.captured = amount
	it.captureRef = "sbx_ch_" + compactID()
	res := &payment.Result{ProviderReference: it.reference, CaptureReference: it.captureRef, Status: it.status, Amount: amount}
	c.remember(req.IdempotencyKey, res)
	return cloneResult(res), nil
}

// CancelPayment 撤销授权
func (c *Client) CancelPayment(ctx context.Context, req payment.CancelRequest) (*payment.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.replay(req.IdempotencyKey); ok {
		return cloneResult(res), nil
	}
	if err := c.begin(ctx, OpCancel); err != nil {
		return nil, err
	}
	it, err := c.lookup(req.ProviderReference)
	if err != nil {
		return nil, err
	}
	if it.status == payment.StatusCaptured {
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderSandbox, "unexpected_state", "captured payments cannot be canceled", http.StatusBadRequest, nil)
	}
	it.status = payment.StatusCanceled
	res := &payment.Result{ProviderReference: it.reference, Status: it.status, Amount: it.amount}
	c.remember(req.IdempotencyKey, res)
	return cloneResult(res), nil
}

// RefundPayment 退款，累计退款不得超过扣款金额
func (c *Client) RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.replies[req.IdempotencyKey].(*payment.RefundResult); ok && c.cfg.NativeIdempotency && req.IdempotencyKey != "" {
		copied := *res
		return &copied, nil
	}
	if err := c.begin(ctx, OpRefund); err != nil {
		return nil, err
	}
	it, err := c.lookup(req.ProviderReference)
	if err != nil {
		return nil, err
	}
	if it.status != payment.StatusCaptured {
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderSandbox, "unexpected_state", "payment is not captured", http.StatusBadRequest, nil)
	}
	if it.token == TokenRefundInsufficient {
		return nil, payment.NewError(payment.ErrInsufficientFunds, constants.ProviderSandbox, "balance_insufficient", "merchant balance insufficient", http.StatusPaymentRequired, nil)
	}
	if req.Amount <= 0 || it.refunded+req.Amount > it.captured {
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderSandbox, "amount_too_large", "refund exceeds captured amount", http.StatusBadRequest, nil)
	}
	it.refunded += req.Amount
	res := &payment.RefundResult{ProviderReference: "sbx_re_" + compactID(), Status: payment.StatusSucceeded}
	if c.cfg.NativeIdempotency && req.IdempotencyKey != "" {
		c.replies[req.IdempotencyKey] = res
	}
	copied := *res
	return &copied, nil
}

// VerifyAndParseWebhook 校验 HMAC-SHA256 签名并解析
func (c *Client) VerifyAndParseWebhook(ctx context.Context, body []byte, headers http.Header) (*payment.Event, error) {
	if err := c.verify(body, headers.Get(SignatureHeader)); err != nil {
		return nil, err
	}
	return c.ParseWebhookPayload(body)
}

// ParseWebhookPayload 解析回调报文
func (c *Client) ParseWebhookPayload(body []byte) (*payment.Event, error) {
	var raw WebhookPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode sandbox event failed: %v", payment.ErrProviderRejected, err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("%w: sandbox event id is missing", payment.ErrProviderRejected)
	}
	event := &payment.Event{
		Provider:          constants.ProviderSandbox,
		EventID:           raw.ID,
		EventType:         raw.Type,
		Kind:              payment.EventUnsupported,
		ProviderReference: raw.Data.PaymentReference,
		CaptureReference:  raw.Data.CaptureReference,
		RefundReference:   raw.Data.RefundReference,
		Amount:            raw.Data.Amount,
		Currency:          models.NormalizeCurrency(raw.Data.Currency),
		FailureCode:       raw.Data.FailureCode,
		FailureMessage:    raw.Data.FailureMessage,
		OccurredAt:        time.Unix(raw.Created, 0).UTC(),
	}
	switch raw.Type {
	case EventPaymentAuthorized:
		event.Kind = payment.EventAuthorized
	case EventPaymentCaptured:
		event.Kind = payment.EventCaptured
	case EventPaymentFailed:
		event.Kind = payment.EventFailed
	case EventPaymentCanceled:
		event.Kind = payment.EventCanceled
	case EventRefundSucceeded:
		event.Kind = payment.EventRefundSucceeded
	case EventRefundFailed:
		event.Kind = payment.EventRefundFailed
	default:
		return event, fmt.Errorf("%w: %s", payment.ErrUnsupportedEventType, raw.Type)
	}
	if event.ProviderReference == "" {
		return nil, fmt.Errorf("%w: sandbox event %s missing payment reference", payment.ErrProviderRejected, raw.ID)
	}
	return event, nil
}

// Sign 生成签名头，格式 t=<unix>,v1=<hex>
func Sign(secret string, body []byte, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), computeSignature(secret, ts.Unix(), body))
}

// SignedRequest 生成已签名的回调报文，联调与测试使用
func (c *Client) SignedRequest(payload WebhookPayload) ([]byte, http.Header, error) {
	if payload.Created == 0 {
		payload.Created = c.now().Unix()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	headers := http.Header{}
	headers.Set(SignatureHeader, Sign(c.cfg.WebhookSecret, body, c.now()))
	return body, headers, nil
}

func (c *Client) verify(body []byte, header string) error {
	ts, signatures := parseSignatureHeader(header)
	if ts == 0 || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed %s header", payment.ErrInvalidSignature, SignatureHeader)
	}
	age := c.now().Sub(time.Unix(ts, 0))
	if age > defaultSignatureTolerance || age < -defaultSignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", payment.ErrInvalidSignature)
	}
	expected := computeSignature(c.cfg.WebhookSecret, ts, body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", payment.ErrInvalidSignature)
}

func computeSignature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []string) {
	var ts int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err == nil {
				ts = parsed
			}
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	return ts, signatures
}

// begin 计数并消费注入的故障；调用方持有锁
func (c *Client) begin(ctx context.Context, op Operation) error {
	c.calls[op]++
	if err := ctx.Err(); err != nil {
		return payment.ClassifyTransportError(constants.ProviderSandbox, err)
	}
	if err, ok := c.failNext[op]; ok {
		delete(c.failNext, op)
		return err
	}
	return nil
}

func (c *Client) lookup(reference string) (*intent, error) {
	it, ok := c.intents[strings.TrimSpace(reference)]
	if !ok {
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderSandbox, "resource_missing", "no such payment: "+reference, http.StatusNotFound, nil)
	}
	return it, nil
}

func (c *Client) replay(key string) (*payment.Result, bool) {
	if !c.cfg.NativeIdempotency || key == "" {
		return nil, false
	}
	res, ok := c.replies[key].(*payment.Result)
	return res, ok
}

func (c *Client) remember(key string, res *payment.Result) {
	if c.cfg.NativeIdempotency && key != "" {
		c.replies[key] = res
	}
}

func cloneResult(res *payment.Result) *payment.Result {
	copied := *res
	return &copied
}

func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
