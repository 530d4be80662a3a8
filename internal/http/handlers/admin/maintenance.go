package admin

import (
	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

// PurgeRetention POST /admin/retention/purge
func (h *Handler) PurgeRetention(c *gin.Context) {
	operator, _ := shared.CurrentOperator(c)
	report, err := h.Purger.Purge(c.Request.Context())
	if err != nil {
		shared.RespondError(c, service.InternalError(err))
		return
	}
	shared.RequestLog(c).Infow("admin_retention_purged",
		"operator", operator,
		"idempotency_records", report.IdempotencyRecords,
		"webhook_events", report.WebhookEvents,
	)
	h.recordAudit(c, service.AuditActionRetentionPurge, "", models.JSON{
		"idempotency_records": report.IdempotencyRecords,
		"webhook_events":      report.WebhookEvents,
	})
	response.Success(c, report)
}
