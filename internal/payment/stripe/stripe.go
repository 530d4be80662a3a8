package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/payment"

	stripego "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	defaultAPIBaseURL        = "https://api.stripe.com"
	defaultTimeout           = 12 * time.Second
	defaultWebhookToleranceS = 300
	signatureHeader          = "Stripe-Signature"
)

// Config Stripe 配置。
type Config struct {
	SecretKey               string `json:"secret_key"`
	WebhookSecret           string `json:"webhook_secret"`
	APIBaseURL              string `json:"api_base_url"`
	WebhookToleranceSeconds int    `json:"webhook_tolerance_seconds"`
	TimeoutSeconds          int    `json:"timeout_seconds"`
	NativeIdempotency       bool   `json:"native_idempotency"`
}

// ValidateConfig 校验配置。
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: stripe config is nil", payment.ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return fmt.Errorf("%w: stripe secret_key is required", payment.ErrConfigInvalid)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("%w: stripe webhook_secret is required", payment.ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(strings.TrimSpace(cfg.APIBaseURL)); err != nil {
		return fmt.Errorf("%w: stripe api_base_url is invalid", payment.ErrConfigInvalid)
	}
	return nil
}

func (c *Config) normalize() {
	c.SecretKey = strings.TrimSpace(c.SecretKey)
	c.WebhookSecret = strings.TrimSpace(c.WebhookSecret)
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.WebhookToleranceSeconds <= 0 {
		c.WebhookToleranceSeconds = defaultWebhookToleranceS
	}
}

func (c *Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Client Stripe PaymentIntents 适配器。
type Client struct {
	cfg Config
	api *client.API
}

// New 创建客户端；SDK 内部网络重试关闭，重试统一由编排层控制。
func New(cfg Config, logger stripego.LeveledLoggerInterface) (*Client, error) {
	cfg.normalize()
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	backendCfg := &stripego.BackendConfig{
		URL:               stripego.String(cfg.APIBaseURL),
		HTTPClient:        &http.Client{Timeout: cfg.timeout()},
		MaxNetworkRetries: stripego.Int64(0),
	}
	if logger != nil {
		backendCfg.LeveledLogger = logger
	}
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg)
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripego.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Client{cfg: cfg, api: api}, nil
}

// Name 提供方名称。
func (c *Client) Name() string {
	return constants.ProviderStripe
}

// Capabilities 能力声明。
func (c *Client) Capabilities() payment.Capabilities {
	return payment.Capabilities{
		NativeIdempotency: c.cfg.NativeIdempotency,
		PartialCapture:    true,
	}
}

// CreatePayment 创建手动扣款的 PaymentIntent；携带支付方式时直接确认授权。
func (c *Client) CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.Result, error) {
	params := &stripego.PaymentIntentParams{
		Amount:        stripego.Int64(req.Amount),
		Currency:      stripego.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripego.String(string(stripego.PaymentIntentCaptureMethodManual)),
	}
	if token := strings.TrimSpace(req.MethodToken); token != "" {
		params.PaymentMethod = stripego.String(token)
		params.Confirm = stripego.Bool(true)
	}
	if req.Description != "" {
		params.Description = stripego.String(req.Description)
	}
	params.Metadata = map[string]string{"payment_id": req.PaymentID}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	c.prepare(&params.Params, ctx, req.IdempotencyKey)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return intentResult(pi), nil
}

// CapturePayment 扣款；已扣款视为 ErrAlreadyCaptured。
func (c *Client) CapturePayment(ctx context.Context, req payment.CaptureRequest) (*payment.Result, error) {
	params := &stripego.PaymentIntentCaptureParams{}
	if req.Amount > 0 {
		params.AmountToCapture = stripego.Int64(req.Amount)
	}
	c.prepare(&params.Params, ctx, req.IdempotencyKey)

	pi, err := c.api.PaymentIntents.Capture(req.ProviderReference, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return intentResult(pi), nil
}

// CancelPayment 撤销未扣款的 PaymentIntent。
func (c *Client) CancelPayment(ctx context.Context, req payment.CancelRequest) (*payment.Result, error) {
	params := &stripego.PaymentIntentCancelParams{}
	c.prepare(&params.Params, ctx, req.IdempotencyKey)

	pi, err := c.api.PaymentIntents.Cancel(req.ProviderReference, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return intentResult(pi), nil
}

// RefundPayment 按 PaymentIntent 发起退款。
func (c *Client) RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	params := &stripego.RefundParams{
		PaymentIntent: stripego.String(req.ProviderReference),
		Amount:        stripego.Int64(req.Amount),
	}
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = stripego.String(reason)
	}
	params.Metadata = map[string]string{"payment_id": req.PaymentID, "refund_id": req.RefundID}
	c.prepare(&params.Params, ctx, req.IdempotencyKey)

	refund, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return refundResult(refund), nil
}

// VerifyAndParseWebhook 使用 SDK 校验 Stripe-Signature 后解析事件。
func (c *Client) VerifyAndParseWebhook(ctx context.Context, body []byte, headers http.Header) (*payment.Event, error) {
	header := headers.Get(signatureHeader)
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("%w: %s header is required", payment.ErrInvalidSignature, signatureHeader)
	}
	event, err := webhook.ConstructEventWithOptions(body, header, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                time.Duration(c.cfg.WebhookToleranceSeconds) * time.Second,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrInvalidSignature, err)
	}
	return parseEvent(event)
}

// ParseWebhookPayload 解析已验签的事件报文。
func (c *Client) ParseWebhookPayload(body []byte) (*payment.Event, error) {
	var event stripego.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: decode stripe event failed: %v", payment.ErrProviderRejected, err)
	}
	return parseEvent(event)
}

func (c *Client) prepare(params *stripego.Params, ctx context.Context, idempotencyKey string) {
	params.Context = ctx
	if c.cfg.NativeIdempotency && idempotencyKey != "" {
		params.IdempotencyKey = stripego.String(idempotencyKey)
	}
}

func parseEvent(event stripego.Event) (*payment.Event, error) {
	result := &payment.Event{
		Provider:   constants.ProviderStripe,
		EventID:    event.ID,
		EventType:  string(event.Type),
		Kind:       payment.EventUnsupported,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.ID == "" || event.Data == nil {
		return nil, fmt.Errorf("%w: stripe event missing id or data", payment.ErrProviderRejected)
	}

	switch result.EventType {
	case "payment_intent.amount_capturable_updated",
		"payment_intent.succeeded",
		"payment_intent.payment_failed",
		"payment_intent.canceled":
		var pi stripego.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: decode payment intent failed: %v", payment.ErrProviderRejected, err)
		}
		result.ProviderReference = pi.ID
		result.Currency = strings.ToUpper(string(pi.Currency))
		switch result.EventType {
		case "payment_intent.amount_capturable_updated":
			result.Kind = payment.EventAuthorized
			result.Amount = pi.AmountCapturable
		case "payment_intent.succeeded":
			result.Kind = payment.EventCaptured
			result.Amount = pi.AmountReceived
			if pi.LatestCharge != nil {
				result.CaptureReference = pi.LatestCharge.ID
			}
		case "payment_intent.payment_failed":
			result.Kind = payment.EventFailed
			if pi.LastPaymentError != nil {
				result.FailureCode = string(pi.LastPaymentError.Code)
				result.FailureMessage = pi.LastPaymentError.Msg
			}
		case "payment_intent.canceled":
			result.Kind = payment.EventCanceled
		}
	case "refund.created", "refund.updated", "charge.refund.updated":
		var refund stripego.Refund
		if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
			return nil, fmt.Errorf("%w: decode refund failed: %v", payment.ErrProviderRejected, err)
		}
		result.RefundReference = refund.ID
		result.Amount = refund.Amount
		result.Currency = strings.ToUpper(string(refund.Currency))
		if refund.PaymentIntent != nil {
			result.ProviderReference = refund.PaymentIntent.ID
		}
		switch refund.Status {
		case stripego.RefundStatusSucceeded:
			result.Kind = payment.EventRefundSucceeded
		case stripego.RefundStatusFailed, stripego.RefundStatusCanceled:
			result.Kind = payment.EventRefundFailed
			result.FailureCode = string(refund.FailureReason)
		}
	}

	if result.Kind == payment.EventUnsupported {
		return result, fmt.Errorf("%w: %s", payment.ErrUnsupportedEventType, result.EventType)
	}
	if result.ProviderReference == "" {
		return nil, fmt.Errorf("%w: stripe event %s missing payment intent", payment.ErrProviderRejected, event.ID)
	}
	return result, nil
}

func intentResult(pi *stripego.PaymentIntent) *payment.Result {
	result := &payment.Result{
		ProviderReference: pi.ID,
		Status:            mapIntentStatus(pi.Status),
		Amount:            pi.Amount,
	}
	if pi.Status == stripego.PaymentIntentStatusSucceeded {
		result.Amount = pi.AmountReceived
	}
	if pi.LatestCharge != nil {
		result.CaptureReference = pi.LatestCharge.ID
	}
	return result
}

func refundResult(refund *stripego.Refund) *payment.RefundResult {
	result := &payment.RefundResult{ProviderReference: refund.ID}
	switch refund.Status {
	case stripego.RefundStatusSucceeded:
		result.Status = payment.StatusSucceeded
	case stripego.RefundStatusFailed, stripego.RefundStatusCanceled:
		result.Status = payment.StatusFailed
		result.FailureCode = string(refund.FailureReason)
	default:
		result.Status = payment.StatusProcessing
	}
	return result
}

func mapIntentStatus(status stripego.PaymentIntentStatus) payment.Status {
	switch status {
	case stripego.PaymentIntentStatusRequiresCapture:
		return payment.StatusAuthorized
	case stripego.PaymentIntentStatusSucceeded:
		return payment.StatusCaptured
	case stripego.PaymentIntentStatusCanceled:
		return payment.StatusCanceled
	case stripego.PaymentIntentStatusProcessing:
		return payment.StatusProcessing
	default:
		return payment.StatusPending
	}
}

// Stripe 仅接受三种退款原因
func refundReason(reason string) string {
	switch reason {
	case constants.RefundReasonDuplicate, constants.RefundReasonFraudulent, constants.RefundReasonRequestedByCustomer:
		return reason
	default:
		return ""
	}
}

func mapStripeError(err error) error {
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return payment.ClassifyTransportError(constants.ProviderStripe, err)
	}
	code := string(stripeErr.Code)
	kind := payment.ErrProviderRejected
	switch {
	case code == "charge_already_captured":
		kind = payment.ErrAlreadyCaptured
	case code == "payment_intent_unexpected_state" && stripeErr.PaymentIntent != nil &&
		stripeErr.PaymentIntent.Status == stripego.PaymentIntentStatusSucceeded:
		kind = payment.ErrAlreadyCaptured
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
		kind = payment.ErrProviderAuth
	case code == "balance_insufficient" || string(stripeErr.DeclineCode) == "insufficient_funds":
		kind = payment.ErrInsufficientFunds
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		code == "rate_limit",
		code == "lock_timeout":
		kind = payment.ErrProviderUnavailable
	}
	if code == "" {
		code = string(stripeErr.Type)
	}
	return payment.NewError(kind, constants.ProviderStripe, code, stripeErr.Msg, stripeErr.HTTPStatusCode, err)
}
