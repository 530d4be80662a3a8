package paypal

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/models"
)

// money PayPal 金额：币种 + 十进制字符串
type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func newMoney(amount int64, currency string) *money {
	currency = models.NormalizeCurrency(currency)
	return &money{CurrencyCode: currency, Value: models.FormatMinor(amount, currency)}
}

// minor 换算为最小货币单位；无法解析时金额为 0
func (m *money) minor() (int64, string) {
	if m == nil {
		return 0, ""
	}
	currency := models.NormalizeCurrency(m.CurrencyCode)
	amount, err := models.MajorToMinor(m.Value, currency)
	if err != nil {
		return 0, currency
	}
	return amount, currency
}

type link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type links []link

func (l links) href(rel string) string {
	for _, item := range l {
		if strings.EqualFold(strings.TrimSpace(item.Rel), rel) {
			return strings.TrimSpace(item.Href)
		}
	}
	return ""
}

// lastSegment rel 链接路径的最后一段，即被指向资源的 id
func (l links) lastSegment(rel string) string {
	parsed, err := url.Parse(l.href(rel))
	if err != nil || parsed.Path == "" {
		return ""
	}
	path := strings.Trim(parsed.Path, "/")
	return path[strings.LastIndex(path, "/")+1:]
}

type statusDetails struct {
	Reason string `json:"reason"`
}

func (d *statusDetails) reason() string {
	if d == nil {
		return ""
	}
	return strings.TrimSpace(d.Reason)
}

type capture struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Amount        *money         `json:"amount,omitempty"`
	StatusDetails *statusDetails `json:"status_details,omitempty"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      *money `json:"amount,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type experienceContext struct {
	ReturnURL          string `json:"return_url"`
	CancelURL          string `json:"cancel_url"`
	BrandName          string `json:"brand_name,omitempty"`
	UserAction         string `json:"user_action"`
	ShippingPreference string `json:"shipping_preference"`
}

type tokenSource struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type paymentSource struct {
	Token tokenSource `json:"token"`
}

type orderRequest struct {
	Intent             string            `json:"intent"`
	PurchaseUnits      []purchaseUnit    `json:"purchase_units"`
	ApplicationContext experienceContext `json:"application_context"`
	PaymentSource      *paymentSource    `json:"payment_source,omitempty"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         links          `json:"links"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

// firstCapture 订单捕获后第一个购买单元的扣款记录
func (o *order) firstCapture() *capture {
	for _, unit := range o.PurchaseUnits {
		if unit.Payments != nil && len(unit.Payments.Captures) > 0 {
			return &unit.Payments.Captures[0]
		}
	}
	return nil
}

type refundRequest struct {
	Amount      *money `json:"amount"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	NoteToPayer string `json:"note_to_payer,omitempty"`
}

type refund struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	StatusDetails *statusDetails `json:"status_details,omitempty"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
	// OAuth 接口的错误结构
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// code 优先取 details 中的 issue
func (e *apiError) code() string {
	for _, detail := range e.Details {
		if issue := strings.TrimSpace(detail.Issue); issue != "" {
			return issue
		}
	}
	if e.Error != "" {
		return e.Error
	}
	return e.Name
}

func (e *apiError) message() string {
	if e.ErrorDescription != "" {
		return e.ErrorDescription
	}
	return e.Message
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type verifySignatureRequest struct {
	TransmissionID   string          `json:"transmission_id"`
	TransmissionTime string          `json:"transmission_time"`
	CertURL          string          `json:"cert_url"`
	AuthAlgo         string          `json:"auth_algo"`
	TransmissionSig  string          `json:"transmission_sig"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifySignatureResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// webhookEvent 回调报文中用到的字段
type webhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   webhookResource `json:"resource"`
}

type webhookResource struct {
	ID                string         `json:"id"`
	Status            string         `json:"status"`
	Amount            *money         `json:"amount,omitempty"`
	StatusDetails     *statusDetails `json:"status_details,omitempty"`
	Links             links          `json:"links"`
	PurchaseUnits     []purchaseUnit `json:"purchase_units"`
	CreateTime        string         `json:"create_time"`
	UpdateTime        string         `json:"update_time"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID   string `json:"order_id"`
			CaptureID string `json:"capture_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// orderID 事件关联的订单号；订单类事件的资源本身就是订单
func (e *webhookEvent) orderID() string {
	if id := strings.TrimSpace(e.Resource.SupplementaryData.RelatedIDs.OrderID); id != "" {
		return id
	}
	if strings.HasPrefix(strings.ToUpper(e.EventType), "CHECKOUT.ORDER") {
		return strings.TrimSpace(e.Resource.ID)
	}
	return ""
}

// captureID 退款事件通过 rel=up 链接指向扣款
func (e *webhookEvent) captureID() string {
	if id := strings.TrimSpace(e.Resource.SupplementaryData.RelatedIDs.CaptureID); id != "" {
		return id
	}
	return e.Resource.Links.lastSegment("up")
}

func (e *webhookEvent) amount() (int64, string) {
	if e.Resource.Amount != nil {
		return e.Resource.Amount.minor()
	}
	for _, unit := range e.Resource.PurchaseUnits {
		if unit.Amount != nil {
			return unit.Amount.minor()
		}
	}
	return 0, ""
}

func (e *webhookEvent) occurredAt() time.Time {
	for _, raw := range []string{e.CreateTime, e.Resource.UpdateTime, e.Resource.CreateTime} {
		if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
