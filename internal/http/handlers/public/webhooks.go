package public

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
)

const defaultWebhookMaxBodyBytes = 1 << 20

// ProviderWebhook POST /webhooks/:provider
// 验签失败返回 400，其余已验签事件（含重复与未知类型）一律 2xx 应答。
func (h *Handler) ProviderWebhook(c *gin.Context) {
	log := shared.RequestLog(c)
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))

	limit := int64(h.Config.Webhook.MaxBodyBytes)
	if limit <= 0 {
		limit = defaultWebhookMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warnw("webhook_body_too_large", "provider", provider, "limit", limit)
			response.Error(c, http.StatusRequestEntityTooLarge, shared.BodyOf(service.ValidationError("body", "webhook body is too large")))
			return
		}
		log.Warnw("webhook_body_read_failed", "provider", provider, "error", err)
		shared.RespondValidation(c, "body", err)
		return
	}
	log.Infow("webhook_received",
		"provider", provider,
		"client_ip", c.ClientIP(),
		"body_size", len(body),
	)

	result, err := h.Reconciler.HandleWebhook(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		shared.RespondError(c, err)
		return
	}
	response.Success(c, result)
}
