package admin

import (
	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

// GetAuthzMe GET /admin/me 当前操作员的角色与可用授权
func (h *Handler) GetAuthzMe(c *gin.Context) {
	operator, ok := shared.CurrentOperator(c)
	if !ok {
		response.Unauthorized(c, "operator identity is missing")
		return
	}
	roles, err := h.AuthzService.GetOperatorRoles(operator)
	if err != nil {
		shared.RespondError(c, service.InternalError(err))
		return
	}
	permissions, err := h.AuthzService.OperatorPermissions(operator)
	if err != nil {
		shared.RespondError(c, service.InternalError(err))
		return
	}
	response.Success(c, gin.H{
		"operator":    operator,
		"roles":       roles,
		"permissions": permissions,
	})
}

// ListAuthzRoles GET /admin/roles
func (h *Handler) ListAuthzRoles(c *gin.Context) {
	roles, err := h.AuthzService.Roles()
	if err != nil {
		shared.RespondError(c, service.InternalError(err))
		return
	}
	response.Success(c, roles)
}
