package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/payment"
)

const (
	defaultSandboxBaseURL = "https://api-m.sandbox.paypal.com"
	defaultTimeout        = 12 * time.Second
	requestIDHeader       = "PayPal-Request-Id"
)

// Config PayPal 渠道配置
type Config struct {
	ClientID          string `json:"client_id"`
	ClientSecret      string `json:"client_secret"`
	BaseURL           string `json:"base_url"`
	ReturnURL         string `json:"return_url"`
	CancelURL         string `json:"cancel_url"`
	WebhookID         string `json:"webhook_id"`
	BrandName         string `json:"brand_name"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	NativeIdempotency bool   `json:"native_idempotency"`
}

func (c *Config) normalize() {
	for _, field := range []*string{&c.ClientID, &c.ClientSecret, &c.ReturnURL, &c.CancelURL, &c.WebhookID, &c.BrandName} {
		*field = strings.TrimSpace(*field)
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultSandboxBaseURL
	}
}

// ValidateConfig 校验凭据、回调 ID 与跳转地址
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: paypal config is nil", payment.ErrConfigInvalid)
	}
	required := []struct{ name, value string }{
		{"client_id", cfg.ClientID},
		{"client_secret", cfg.ClientSecret},
		{"webhook_id", cfg.WebhookID},
	}
	for _, item := range required {
		if strings.TrimSpace(item.value) == "" {
			return fmt.Errorf("%w: paypal %s is required", payment.ErrConfigInvalid, item.name)
		}
	}
	addresses := []struct{ name, value string }{
		{"base_url", cfg.BaseURL},
		{"return_url", cfg.ReturnURL},
		{"cancel_url", cfg.CancelURL},
	}
	for _, item := range addresses {
		raw := strings.TrimSpace(item.value)
		if raw == "" {
			return fmt.Errorf("%w: paypal %s is required", payment.ErrConfigInvalid, item.name)
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("%w: paypal %s is invalid", payment.ErrConfigInvalid, item.name)
		}
	}
	return nil
}

// Client PayPal Orders v2 适配器
type Client struct {
	cfg        Config
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time

	tokenMu sync.Mutex
	token   cachedToken
}

// New 创建客户端
func New(cfg Config) (*Client, error) {
	cfg.normalize()
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		now:        time.Now,
	}, nil
}

func (c *Client) Name() string {
	return constants.ProviderPaypal
}

// Capabilities 订单只能全额扣款，退款需要扣款流水号
func (c *Client) Capabilities() payment.Capabilities {
	return payment.Capabilities{
		NativeIdempotency: c.cfg.NativeIdempotency,
		RequiresCaptureID: true,
	}
}

// CreatePayment 创建 CAPTURE 意图订单，买家确认前返回 pending 与跳转地址
func (c *Client) CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.Result, error) {
	if strings.TrimSpace(req.PaymentID) == "" || req.Amount <= 0 || strings.TrimSpace(req.Currency) == "" {
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderPaypal, "invalid_request", "order input is invalid", 0, nil)
	}
	body := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.PaymentID,
			CustomID:    req.PaymentID,
			Description: strings.TrimSpace(req.Description),
			Amount:      newMoney(req.Amount, req.Currency),
		}},
		ApplicationContext: experienceContext{
			ReturnURL:          c.cfg.ReturnURL,
			CancelURL:          c.cfg.CancelURL,
			BrandName:          c.cfg.BrandName,
			UserAction:         "PAY_NOW",
			ShippingPreference: "NO_SHIPPING",
		},
	}
	if token := strings.TrimSpace(req.MethodToken); token != "" {
		body.PaymentSource = &paymentSource{Token: tokenSource{ID: token, Type: "BILLING_AGREEMENT"}}
	}

	var created order
	if err := c.call(ctx, http.MethodPost, "/v2/checkout/orders", req.IdempotencyKey, body, &created); err != nil {
		return nil, err
	}
	reference := strings.TrimSpace(created.ID)
	if reference == "" {
		return nil, payment.NewError(payment.ErrProviderUnavailable, constants.ProviderPaypal, "invalid_response", "missing order id", 0, nil)
	}
	result := &payment.Result{
		ProviderReference: reference,
		Status:            orderStatus(created.Status),
		Amount:            req.Amount,
		ApprovalURL:       created.Links.href("approve"),
	}
	if result.ApprovalURL == "" && result.Status == payment.StatusPending {
		result.ApprovalURL = created.Links.href("payer-action")
	}
	return result, nil
}

// CapturePayment 捕获买家已批准的订单
func (c *Client) CapturePayment(ctx context.Context, req payment.CaptureRequest) (*payment.Result, error) {
	orderID := strings.TrimSpace(req.ProviderReference)
	if orderID == "" {
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderPaypal, "invalid_request", "order id is empty", 0, nil)
	}
	var captured order
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	if err := c.call(ctx, http.MethodPost, path, req.IdempotencyKey, struct{}{}, &captured); err != nil {
		return nil, err
	}

	result := &payment.Result{ProviderReference: orderID, Status: orderStatus(captured.Status)}
	first := captured.firstCapture()
	if first == nil {
		return result, nil
	}
	switch strings.ToUpper(first.Status) {
	case "COMPLETED":
		result.Status = payment.StatusCaptured
	case "PENDING":
		result.Status = payment.StatusProcessing
	case "DECLINED", "FAILED":
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderPaypal, "capture_declined", "capture declined", 0, nil)
	}
	result.CaptureReference = strings.TrimSpace(first.ID)
	if first.Amount != nil {
		result.Amount, _ = first.Amount.minor()
	}
	return result, nil
}

// CancelPayment CAPTURE 订单没有作废接口，未捕获的订单由 PayPal 过期，这里只做本地确认
func (c *Client) CancelPayment(_ context.Context, req payment.CancelRequest) (*payment.Result, error) {
	return &payment.Result{ProviderReference: req.ProviderReference, Status: payment.StatusCanceled}, nil
}

// RefundPayment 按扣款流水号退款，invoice_id 取本地退款号
func (c *Client) RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	captureID := strings.TrimSpace(req.CaptureReference)
	if captureID == "" {
		return nil, payment.NewError(payment.ErrProviderRejected, constants.ProviderPaypal, "missing_capture_id", "capture id is required for refund", 0, nil)
	}
	body := refundRequest{
		Amount:      newMoney(req.Amount, req.Currency),
		InvoiceID:   req.RefundID,
		NoteToPayer: strings.TrimSpace(req.Reason),
	}
	var issued refund
	path := "/v2/payments/captures/" + url.PathEscape(captureID) + "/refund"
	if err := c.call(ctx, http.MethodPost, path, req.IdempotencyKey, body, &issued); err != nil {
		return nil, err
	}

	result := &payment.RefundResult{ProviderReference: strings.TrimSpace(issued.ID), Status: payment.StatusProcessing}
	switch strings.ToUpper(issued.Status) {
	case "COMPLETED":
		result.Status = payment.StatusSucceeded
	case "FAILED", "CANCELLED":
		result.Status = payment.StatusFailed
		result.FailureCode = issued.StatusDetails.reason()
	}
	return result, nil
}

func orderStatus(status string) payment.Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "APPROVED":
		return payment.StatusAuthorized
	case "COMPLETED":
		return payment.StatusCaptured
	case "VOIDED":
		return payment.StatusCanceled
	}
	return payment.StatusPending
}
