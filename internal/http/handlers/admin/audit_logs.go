package admin

import (
	"strings"

	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/repository"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

// ListAuditLogs GET /admin/audit-logs
func (h *Handler) ListAuditLogs(c *gin.Context) {
	page, pageSize := shared.ReadPagination(c)
	filter := repository.OpsAuditLogListFilter{
		Page:     page,
		PageSize: pageSize,
		Operator: strings.ToLower(strings.TrimSpace(c.Query("operator"))),
		Action:   strings.TrimSpace(c.Query("action")),
		TargetID: strings.TrimSpace(c.Query("target_id")),
	}
	var err error
	if filter.CreatedFrom, err = parseTimeQuery(c, "created_from"); err != nil {
		shared.RespondError(c, err)
		return
	}
	if filter.CreatedTo, err = parseTimeQuery(c, "created_to"); err != nil {
		shared.RespondError(c, err)
		return
	}
	items, total, err := h.OpsAudit.List(c.Request.Context(), filter)
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.SuccessWithPage(c, items, response.NewPagination(page, pageSize, total))
}

// recordAudit 写审计日志，失败只记日志不影响主流程
func (h *Handler) recordAudit(c *gin.Context, action, targetID string, detail models.JSON) {
	operator, _ := shared.CurrentOperator(c)
	err := h.OpsAudit.Record(c.Request.Context(), service.OpsAuditRecordInput{
		Operator:  operator,
		Action:    action,
		Object:    c.FullPath(),
		Method:    c.Request.Method,
		TargetID:  targetID,
		RequestID: response.RequestID(c),
		Detail:    detail,
	})
	if err != nil {
		shared.RequestLog(c).Warnw("admin_audit_record_failed", "action", action, "error", err)
	}
}
