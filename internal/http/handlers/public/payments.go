package public

import (
	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

// CreatePaymentRequest 创建支付请求体
type CreatePaymentRequest struct {
	IdempotencyKey     string            `json:"idempotency_key"`
	Provider           string            `json:"provider"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	PaymentMethodToken string            `json:"payment_method_token"`
	CustomerID         string            `json:"customer_id"`
	OrderReference     string            `json:"order_reference"`
	Description        string            `json:"description"`
	Metadata           map[string]string `json:"metadata"`
}

// CapturePaymentRequest 扣款请求体，amount 缺省为全额
type CapturePaymentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Amount         int64  `json:"amount"`
}

// CancelPaymentRequest 撤销请求体
type CancelPaymentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// CreatePayment POST /api/v2/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		shared.RespondValidation(c, "body", err)
		return
	}
	payment, err := h.Orchestrator.CreatePayment(c.Request.Context(), service.CreatePaymentInput{
		IdempotencyKey:     shared.IdempotencyKey(c, req.IdempotencyKey),
		Provider:           req.Provider,
		Amount:             req.Amount,
		Currency:           req.Currency,
		PaymentMethodToken: req.PaymentMethodToken,
		CustomerID:         req.CustomerID,
		OrderReference:     req.OrderReference,
		Description:        req.Description,
		Metadata:           req.Metadata,
	})
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Created(c, payment)
}

// GetPayment GET /api/v2/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.Orchestrator.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, payment)
}

// CapturePayment POST /api/v2/payments/:id/capture
func (h *Handler) CapturePayment(c *gin.Context) {
	var req CapturePaymentRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	payment, err := h.Orchestrator.CapturePayment(c.Request.Context(), service.CapturePaymentInput{
		PaymentID:      c.Param("id"),
		IdempotencyKey: shared.IdempotencyKey(c, req.IdempotencyKey),
		Amount:         req.Amount,
	})
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, payment)
}

// CancelPayment POST /api/v2/payments/:id/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	var req CancelPaymentRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	payment, err := h.Orchestrator.CancelPayment(c.Request.Context(), service.CancelPaymentInput{
		PaymentID:      c.Param("id"),
		IdempotencyKey: shared.IdempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, payment)
}

// bindOptionalJSON 空请求体视为缺省参数
func bindOptionalJSON(c *gin.Context, dest interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		shared.RespondValidation(c, "body", err)
		return false
	}
	return true
}
