package public

import (
	"context"
	"net/http"
	"time"

	"github.com/payment-orchestrator/internal/cache"
	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/http/handlers/shared"

	"github.com/gin-gonic/gin"
)

const readinessTimeout = 2 * time.Second

// Health GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   constants.ServiceName,
		"version":   constants.ServiceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Live GET /health/live
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready GET /health/ready
// 数据库必检；Redis 仅在启用时检查。任一失败返回 503。
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	ready := true
	checks := gin.H{}

	checks["database"] = "ok"
	if err := h.pingDatabase(ctx); err != nil {
		ready = false
		checks["database"] = "unavailable"
		shared.RequestLog(c).Warnw("health_database_unavailable", "error", err)
	}
	if cache.Enabled() {
		checks["redis"] = "ok"
		if err := cache.Ping(ctx); err != nil {
			ready = false
			checks["redis"] = "unavailable"
			shared.RequestLog(c).Warnw("health_redis_unavailable", "error", err)
		}
	}
	for _, name := range h.Providers.Enabled() {
		checks[name] = "configured"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

// Info GET /health/info
func (h *Handler) Info(c *gin.Context) {
	apiVersions := []string{"v2"}
	if h.Config.API.LegacyV1Enabled {
		apiVersions = []string{"v1", "v2"}
	}
	c.JSON(http.StatusOK, gin.H{
		"service":      constants.ServiceName,
		"version":      constants.ServiceVersion,
		"api_versions": apiVersions,
		"providers":    h.Providers.Enabled(),
		"feature_flags": gin.H{
			"legacy_v1_enabled":     h.Config.API.LegacyV1Enabled,
			"idempotency_policy":    h.Config.Idempotency.NormalizedPolicy(),
			"idempotency_backend":   h.Config.Idempotency.Backend,
			"advisory_lock_enabled": h.Config.Concurrency.AdvisoryLock.Enabled,
			"event_stream_enabled":  h.Config.Events.Kafka.Enabled,
			"ops_api_enabled":       h.Config.Ops.Enabled,
			"async_queue_enabled":   h.QueueClient.Enabled(),
			"rate_limit_enabled":    h.Config.API.RateLimit.Enabled,
		},
	})
}

func (h *Handler) pingDatabase(ctx context.Context) error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
