package admin

import (
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/repository"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

// PaymentDetail 支付详情（含退款）
type PaymentDetail struct {
	Payment          *models.Payment `json:"payment"`
	Refunds          []models.Refund `json:"refunds"`
	RefundableAmount int64           `json:"refundable_amount"`
}

// ListPayments GET /admin/payments
func (h *Handler) ListPayments(c *gin.Context) {
	page, pageSize := shared.ReadPagination(c)
	filter, err := buildPaymentFilter(c, page, pageSize)
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	payments, total, err := h.Orchestrator.ListPayments(c.Request.Context(), filter)
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.SuccessWithPage(c, payments, response.NewPagination(page, pageSize, total))
}

// GetPayment GET /admin/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	ctx := c.Request.Context()
	payment, err := h.Orchestrator.GetPayment(ctx, c.Param("id"))
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	refunds, err := h.Orchestrator.ListRefunds(ctx, payment.ID)
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, PaymentDetail{
		Payment:          payment,
		Refunds:          refunds,
		RefundableAmount: payment.RefundableAmount(),
	})
}

func buildPaymentFilter(c *gin.Context, page, pageSize int) (repository.PaymentListFilter, error) {
	filter := repository.PaymentListFilter{
		Page:           page,
		PageSize:       pageSize,
		Provider:       strings.ToLower(strings.TrimSpace(c.Query("provider"))),
		State:          strings.ToUpper(strings.TrimSpace(c.Query("state"))),
		CustomerID:     strings.TrimSpace(c.Query("customer_id")),
		OrderReference: strings.TrimSpace(c.Query("order_reference")),
		Search:         strings.TrimSpace(c.Query("search")),
	}
	var err error
	if filter.CreatedFrom, err = parseTimeQuery(c, "created_from"); err != nil {
		return filter, err
	}
	if filter.CreatedTo, err = parseTimeQuery(c, "created_to"); err != nil {
		return filter, err
	}
	return filter, nil
}

// parseTimeQuery 解析 RFC3339 时间查询参数，缺省返回 nil
func parseTimeQuery(c *gin.Context, field string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(field))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, service.ValidationError(field, field+" must be RFC3339")
	}
	return &t, nil
}
