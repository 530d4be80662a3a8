package public

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	legacyCreateKeyPrefix = "legacy:"
	legacyRefundKeyPrefix = "legacy-refund:"
	legacySuccessorLink   = `</api/v2>; rel="successor-version"`
	legacyListDefault     = 20
	legacyListMax         = 100
)

// LegacyCreatePaymentRequest v1 创建支付请求体
type LegacyCreatePaymentRequest struct {
	Amount             int64  `json:"amount"`
	CurrencyCode       string `json:"currency_code"`
	UserID             string `json:"user_id"`
	OrderReference     string `json:"order_reference"`
	PaymentMethod      string `json:"payment_method"`
	PaymentMethodToken string `json:"payment_method_token"`
	Provider           string `json:"provider"`
}

// LegacyPaymentResponse v1 支付响应
type LegacyPaymentResponse struct {
	PaymentID            string `json:"payment_id"`
	StatusCode           string `json:"status_code"`
	Amount               int64  `json:"amount"`
	CurrencyCode         string `json:"currency_code"`
	UserID               string `json:"user_id"`
	OrderReference       string `json:"order_reference"`
	TransactionReference string `json:"transaction_reference,omitempty"`
	Created              string `json:"created"`
}

// LegacyCreateRefundRequest v1 创建退款请求体
type LegacyCreateRefundRequest struct {
	PaymentReference string `json:"payment_reference"`
	RefundAmount     int64  `json:"refund_amount"`
	ReasonCode       string `json:"reason_code"`
}

// LegacyRefundResponse v1 退款响应
type LegacyRefundResponse struct {
	RefundID         string `json:"refund_id"`
	PaymentReference string `json:"payment_reference"`
	StatusCode       string `json:"status_code"`
	RefundAmount     int64  `json:"refund_amount"`
	CurrencyCode     string `json:"currency_code"`
	ReasonCode       string `json:"reason_code,omitempty"`
	Created          string `json:"created"`
}

var legacyPaymentStatus = map[string]string{
	constants.PaymentStateCreated:           "PENDING",
	constants.PaymentStateAuthorized:        "AUTHORIZED",
	constants.PaymentStateCaptured:          "COMPLETED",
	constants.PaymentStatePartiallyRefunded: "PARTIALLY_REFUNDED",
	constants.PaymentStateRefunded:          "REFUNDED",
	constants.PaymentStateFailed:            "DECLINED",
	constants.PaymentStateCanceled:          "CANCELLED",
}

var legacyRefundStatus = map[string]string{
	constants.RefundStatePending:   "PROCESSING",
	constants.RefundStateSucceeded: "REFUNDED",
	constants.RefundStateFailed:    "FAILED",
	constants.RefundStateCanceled:  "CANCELLED",
}

var legacyReasonCodes = map[string]string{
	"CUSTOMER_REQUEST": constants.RefundReasonRequestedByCustomer,
	"DUPLICATE":        constants.RefundReasonDuplicate,
	"FRAUD":            constants.RefundReasonFraudulent,
}

// LegacyGate v1 开关与弃用提示头
func (h *Handler) LegacyGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Deprecation", "true")
		c.Header("Link", legacySuccessorLink)
		if sunset := strings.TrimSpace(h.Config.API.LegacySunset); sunset != "" {
			c.Header("Sunset", sunset)
		}
		if !h.Config.API.LegacyV1Enabled {
			shared.RespondError(c, service.ErrLegacyAPIDisabled)
			c.Abort()
			return
		}
		shared.RequestLog(c).Infow("legacy_api_called", "path", c.FullPath(), "method", c.Request.Method)
		c.Next()
	}
}

// LegacyCreatePayment POST /api/v1/payments
// 未携带幂等键时以 order_reference 派生，同一订单重复提交返回同一支付。
func (h *Handler) LegacyCreatePayment(c *gin.Context) {
	var req LegacyCreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		shared.RespondValidation(c, "body", err)
		return
	}
	orderReference := strings.TrimSpace(req.OrderReference)
	if orderReference == "" {
		shared.RespondError(c, service.ValidationError("order_reference", "order_reference is required"))
		return
	}
	key := shared.IdempotencyKey(c, "")
	if key == "" {
		key = legacyCreateKeyPrefix + orderReference
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = constants.ProviderStripe
	}
	payment, err := h.Orchestrator.CreatePayment(c.Request.Context(), service.CreatePaymentInput{
		IdempotencyKey:     key,
		Provider:           provider,
		Amount:             req.Amount,
		Currency:           req.CurrencyCode,
		PaymentMethodToken: firstNonBlank(req.PaymentMethodToken, req.PaymentMethod),
		CustomerID:         req.UserID,
		OrderReference:     orderReference,
	})
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, legacyPayment(payment))
}

// LegacyGetPayment GET /api/v1/payments/:id
func (h *Handler) LegacyGetPayment(c *gin.Context) {
	payment, err := h.Orchestrator.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, legacyPayment(payment))
}

// LegacyRefundPayment POST /api/v1/payments/:id/refund
// 全额退款，返回退款后的支付。
func (h *Handler) LegacyRefundPayment(c *gin.Context) {
	paymentID := strings.TrimSpace(c.Param("id"))
	key := shared.IdempotencyKey(c, "")
	if key == "" {
		key = legacyRefundKeyPrefix + paymentID
	}
	ctx := c.Request.Context()
	if _, err := h.Orchestrator.CreateRefund(ctx, service.CreateRefundInput{
		PaymentID:      paymentID,
		IdempotencyKey: key,
		Reason:         constants.RefundReasonRequestedByCustomer,
	}); err != nil {
		shared.RespondError(c, err)
		return
	}
	payment, err := h.Orchestrator.GetPayment(ctx, paymentID)
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, legacyPayment(payment))
}

// LegacyCreateRefund POST /api/v1/refunds
func (h *Handler) LegacyCreateRefund(c *gin.Context) {
	var req LegacyCreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		shared.RespondValidation(c, "body", err)
		return
	}
	paymentID := strings.TrimSpace(req.PaymentReference)
	if paymentID == "" {
		shared.RespondError(c, service.ValidationError("payment_reference", "payment_reference is required"))
		return
	}
	if req.RefundAmount < 0 {
		shared.RespondError(c, service.ValidationError("refund_amount", "refund_amount must be positive"))
		return
	}
	key := shared.IdempotencyKey(c, "")
	if key == "" {
		key = fmt.Sprintf("%s%s:%d", legacyRefundKeyPrefix, paymentID, req.RefundAmount)
	}
	refund, err := h.Orchestrator.CreateRefund(c.Request.Context(), service.CreateRefundInput{
		PaymentID:      paymentID,
		IdempotencyKey: key,
		Amount:         req.RefundAmount,
		Reason:         legacyReason(req.ReasonCode),
	})
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, legacyRefund(refund))
}

// LegacyGetRefund GET /api/v1/refunds/:id
func (h *Handler) LegacyGetRefund(c *gin.Context) {
	refund, err := h.Orchestrator.GetRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, legacyRefund(refund))
}

// LegacyListRefunds GET /api/v1/refunds?payment_reference=&limit=
func (h *Handler) LegacyListRefunds(c *gin.Context) {
	paymentID := strings.TrimSpace(c.Query("payment_reference"))
	if paymentID == "" {
		shared.RespondError(c, service.ValidationError("payment_reference", "payment_reference is required"))
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = legacyListDefault
	}
	if limit > legacyListMax {
		limit = legacyListMax
	}
	refunds, err := h.Orchestrator.ListRefunds(c.Request.Context(), paymentID)
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	if len(refunds) > limit {
		refunds = refunds[:limit]
	}
	items := make([]LegacyRefundResponse, 0, len(refunds))
	for i := range refunds {
		items = append(items, legacyRefund(&refunds[i]))
	}
	response.Success(c, items)
}

func legacyPayment(p *models.Payment) LegacyPaymentResponse {
	status, ok := legacyPaymentStatus[p.State]
	if !ok {
		status = strings.ToUpper(p.State)
	}
	return LegacyPaymentResponse{
		PaymentID:            p.ID,
		StatusCode:           status,
		Amount:               p.Amount,
		CurrencyCode:         p.Currency,
		UserID:               p.CustomerID,
		OrderReference:       p.OrderReference,
		TransactionReference: p.ProviderRef(),
		Created:              p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func legacyRefund(r *models.Refund) LegacyRefundResponse {
	status, ok := legacyRefundStatus[r.State]
	if !ok {
		status = strings.ToUpper(r.State)
	}
	return LegacyRefundResponse{
		RefundID:         r.ID,
		PaymentReference: r.PaymentID,
		StatusCode:       status,
		RefundAmount:     r.Amount,
		CurrencyCode:     r.Currency,
		ReasonCode:       legacyReasonCode(r.Reason),
		Created:          r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// legacyReason v1 原因码映射为退款原因，未知值归为 other
func legacyReason(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return constants.RefundReasonRequestedByCustomer
	}
	if reason, ok := legacyReasonCodes[code]; ok {
		return reason
	}
	return constants.RefundReasonOther
}

func legacyReasonCode(reason string) string {
	for code, mapped := range legacyReasonCodes {
		if mapped == reason {
			return code
		}
	}
	if reason == "" {
		return ""
	}
	return "OTHER"
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
