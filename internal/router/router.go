package router

import (
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/cache"
	"github.com/payment-orchestrator/internal/config"
	adminhandlers "github.com/payment-orchestrator/internal/http/handlers/admin"
	publichandlers "github.com/payment-orchestrator/internal/http/handlers/public"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/provider"

	"github.com/gin-gonic/gin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	// 初始化 Handler（按对外/运维分组）
	publicHandler := publichandlers.New(c)
	adminHandler := adminhandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "po"
	}
	writeLimit := RateLimitMiddleware(cache.Client(), writeRateLimitRule(cfg, redisPrefix, "write"), KeyByIP)
	createLimit := RateLimitMiddleware(cache.Client(), writeRateLimitRule(cfg, redisPrefix, "create"), KeyByIPAndJSONField("customer_id"))

	// 中间件
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Sugar().Errorw("http_panic_recovered", "path", c.Request.URL.Path, "panic", recovered)
		response.InternalError(c, "internal server error")
		c.Abort()
	}))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware(cfg.CORS))

	// 提供方回调（验签后统一 2xx 应答）
	r.POST("/webhooks/:provider", publicHandler.ProviderWebhook)

	apiV2 := r.Group("/api/v2")
	{
		apiV2.POST("/payments", createLimit, publicHandler.CreatePayment)
		apiV2.GET("/payments/:id", publicHandler.GetPayment)
		apiV2.POST("/payments/:id/capture", writeLimit, publicHandler.CapturePayment)
		apiV2.POST("/payments/:id/cancel", writeLimit, publicHandler.CancelPayment)
		apiV2.POST("/payments/:id/refunds", writeLimit, publicHandler.CreateRefund)
		apiV2.GET("/payments/:id/refunds", publicHandler.ListPaymentRefunds)
		apiV2.POST("/refunds", writeLimit, publicHandler.CreateRefund)
		apiV2.GET("/refunds", publicHandler.ListRefunds)
		apiV2.GET("/refunds/:id", publicHandler.GetRefund)
		apiV2.POST("/refunds/:id/cancel", writeLimit, publicHandler.CancelRefund)
	}

	// 旧版接口：开关关闭时统一返回 410
	apiV1 := r.Group("/api/v1", publicHandler.LegacyGate())
	{
		apiV1.POST("/payments", writeLimit, publicHandler.LegacyCreatePayment)
		apiV1.GET("/payments/:id", publicHandler.LegacyGetPayment)
		apiV1.POST("/payments/:id/refund", writeLimit, publicHandler.LegacyRefundPayment)
		apiV1.POST("/refunds", writeLimit, publicHandler.LegacyCreateRefund)
		apiV1.GET("/refunds", publicHandler.LegacyListRefunds)
		apiV1.GET("/refunds/:id", publicHandler.LegacyGetRefund)
	}

	// 运维接口（JWT + RBAC）
	if cfg.Ops.Enabled {
		ops := r.Group("/admin")
		ops.Use(OpsJWTAuthMiddleware(cfg.Ops.JWTSecret), OpsRBACMiddleware(c.AuthzService))
		{
			ops.GET("/me", adminHandler.GetAuthzMe)
			ops.GET("/roles", adminHandler.ListAuthzRoles)
			ops.GET("/payments", adminHandler.ListPayments)
			ops.GET("/payments/:id", adminHandler.GetPayment)
			ops.GET("/webhook-events", adminHandler.ListWebhookEvents)
			ops.POST("/webhook-events/:id/replay", adminHandler.ReplayWebhookEvent)
			ops.POST("/retention/purge", adminHandler.PurgeRetention)
			ops.GET("/audit-logs", adminHandler.ListAuditLogs)
		}
	}

	// 健康检查
	r.GET("/health", publicHandler.Health)
	r.GET("/health/live", publicHandler.Live)
	r.GET("/health/ready", publicHandler.Ready)
	r.GET("/health/info", publicHandler.Info)

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "route not found")
	})
	return r
}

func writeRateLimitRule(cfg *config.Config, redisPrefix, scope string) RateLimitRule {
	if !cfg.API.RateLimit.Enabled {
		return RateLimitRule{}
	}
	return RateLimitRule{
		Prefix:  redisPrefix + ":rate:" + scope,
		Window:  time.Duration(cfg.API.RateLimit.WindowSeconds) * time.Second,
		Limit:   int64(cfg.API.RateLimit.MaxRequests),
		Message: "too many write requests, retry later",
	}
}
