package admin

import (
	"strconv"
	"strings"

	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/repository"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

// ListWebhookEvents GET /admin/webhook-events
func (h *Handler) ListWebhookEvents(c *gin.Context) {
	page, pageSize := shared.ReadPagination(c)
	items, total, err := h.Reconciler.ListEvents(c.Request.Context(), repository.WebhookEventListFilter{
		Page:      page,
		PageSize:  pageSize,
		Provider:  strings.ToLower(strings.TrimSpace(c.Query("provider"))),
		Status:    strings.ToLower(strings.TrimSpace(c.Query("status"))),
		EventType: strings.TrimSpace(c.Query("event_type")),
		PaymentID: strings.TrimSpace(c.Query("payment_id")),
	})
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.SuccessWithPage(c, items, response.NewPagination(page, pageSize, total))
}

// ReplayWebhookEvent POST /admin/webhook-events/:id/replay
// 有队列时入队异步重放，否则同步处理。
func (h *Handler) ReplayWebhookEvent(c *gin.Context) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		shared.RespondError(c, service.ValidationError("id", "webhook event id must be a positive integer"))
		return
	}
	operator, _ := shared.CurrentOperator(c)
	result, err := h.Reconciler.ScheduleReplay(c.Request.Context(), uint(id))
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	shared.RequestLog(c).Infow("admin_webhook_replay_requested",
		"operator", operator,
		"webhook_event_id", id,
		"outcome", result.Outcome,
	)
	h.recordAudit(c, service.AuditActionWebhookReplay, strconv.FormatUint(id, 10), models.JSON{
		"outcome":    string(result.Outcome),
		"payment_id": result.PaymentID,
	})
	response.Success(c, result)
}
