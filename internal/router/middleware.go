package router

import (
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/authz"
	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/http/handlers/shared"
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRequestIDLength = 128

// RequestIDMiddleware 请求 ID 中间件
// 优先使用 X-Request-ID，其次兼容旧客户端的 X-Correlation-ID，均缺失时生成。
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(constants.HeaderRequestID))
		if requestID == "" {
			requestID = strings.TrimSpace(c.GetHeader(constants.HeaderCorrelationID))
		}
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		c.Set(response.RequestIDKey, requestID)
		c.Writer.Header().Set(constants.HeaderRequestID, requestID)
		c.Next()
	}
}

// LoggerMiddleware 结构化请求日志中间件
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	sugar := logger.Sugar()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := sugar.With(
			"request_id", response.RequestID(c),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
		if key := strings.TrimSpace(c.GetHeader(constants.HeaderIdempotencyKey)); key != "" {
			log = log.With("idempotency_key", key)
		}
		if len(c.Errors) > 0 {
			log.Errorw("request", "errors", c.Errors.String())
			return
		}
		log.Infow("request")
	}
}

// OpsJWTAuthMiddleware 运维接口 JWT 鉴权中间件
func OpsJWTAuthMiddleware(secretKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secretKey == "" {
			response.Unauthorized(c, "ops jwt secret is not configured")
			c.Abort()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "authorization header is missing")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && parts[0] == "Bearer") {
			response.Unauthorized(c, "authorization header must be a bearer token")
			c.Abort()
			return
		}

		claims, err := service.ParseOpsToken(secretKey, strings.TrimSpace(parts[1]))
		if err != nil {
			logger.Warnw("ops_token_rejected",
				"request_id", response.RequestID(c),
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP(),
			)
			response.Unauthorized(c, "token is invalid or expired")
			c.Abort()
			return
		}

		c.Set(shared.OperatorContextKey, claims.Operator)
		c.Next()
	}
}

// OpsRBACMiddleware 运维接口 RBAC 鉴权中间件，按路由模板与方法授权
func OpsRBACMiddleware(authzService *authz.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authzService == nil {
			response.Forbidden(c, "authorization is unavailable")
			c.Abort()
			return
		}

		operator, ok := shared.CurrentOperator(c)
		if !ok {
			response.Unauthorized(c, "operator identity is missing")
			c.Abort()
			return
		}

		resource := c.FullPath()
		if strings.TrimSpace(resource) == "" {
			resource = c.Request.URL.Path
		}

		allowed, err := authzService.Authorize(operator, resource, c.Request.Method)
		if err != nil {
			logger.Errorw("ops_rbac_enforce_failed",
				"operator", operator,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"error", err,
			)
			response.Forbidden(c, "authorization check failed")
			c.Abort()
			return
		}
		if !allowed {
			logger.Warnw("ops_rbac_permission_denied",
				"operator", operator,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"resource", authz.RouteKey(resource),
			)
			response.Forbidden(c, "operation is not permitted")
			c.Abort()
			return
		}

		c.Next()
	}
}
