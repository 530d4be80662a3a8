package public

import (
	"strconv"
	"strings"

	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/repository"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	refundListDefault = 20
	refundListMax     = 100
)

// CreateRefundRequest 创建退款请求体，amount 缺省退还剩余全部
type CreateRefundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	PaymentID      string `json:"payment_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	Notes          string `json:"notes"`
}

// CreateRefund POST /api/v2/refunds 与 POST /api/v2/payments/:id/refunds
func (h *Handler) CreateRefund(c *gin.Context) {
	var req CreateRefundRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	paymentID := strings.TrimSpace(c.Param("id"))
	if paymentID == "" {
		paymentID = strings.TrimSpace(req.PaymentID)
	} else if req.PaymentID != "" && req.PaymentID != paymentID {
		shared.RespondError(c, service.ValidationError("payment_id", "payment_id does not match the path"))
		return
	}
	if paymentID == "" {
		shared.RespondError(c, service.ValidationError("payment_id", "payment_id is required"))
		return
	}
	refund, err := h.Orchestrator.CreateRefund(c.Request.Context(), service.CreateRefundInput{
		PaymentID:      paymentID,
		IdempotencyKey: shared.IdempotencyKey(c, req.IdempotencyKey),
		Amount:         req.Amount,
		Reason:         req.Reason,
		Notes:          req.Notes,
	})
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Created(c, refund)
}

// GetRefund GET /api/v2/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	refund, err := h.Orchestrator.GetRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, refund)
}

// ListPaymentRefunds GET /api/v2/payments/:id/refunds
func (h *Handler) ListPaymentRefunds(c *gin.Context) {
	refunds, err := h.Orchestrator.ListRefunds(c.Request.Context(), c.Param("id"))
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, refunds)
}

// ListRefunds GET /api/v2/refunds?payment_id=&limit=&offset=
// 总数通过 X-Total-Count 响应头返回
func (h *Handler) ListRefunds(c *gin.Context) {
	limit, ok := readNonNegative(c, "limit")
	if !ok {
		return
	}
	offset, ok := readNonNegative(c, "offset")
	if !ok {
		return
	}
	if limit == 0 {
		limit = refundListDefault
	}
	limit = min(limit, refundListMax)
	refunds, total, err := h.Orchestrator.ListRefundsPage(c.Request.Context(), repository.RefundListFilter{
		PaymentID: strings.TrimSpace(c.Query("payment_id")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	response.Success(c, refunds)
}

// CancelRefund POST /api/v2/refunds/:id/cancel
func (h *Handler) CancelRefund(c *gin.Context) {
	refund, err := h.Orchestrator.CancelRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, refund)
}

func readNonNegative(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		shared.RespondError(c, service.ValidationError(name, name+" must be a non-negative integer"))
		return 0, false
	}
	return value, true
}
