package shared

import (
	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLog 提供携带 request_id 的日志实例。
func RequestLog(c *gin.Context) *zap.SugaredLogger {
	if id := response.RequestID(c); id != "" {
		return logger.SW("request_id", id)
	}
	return logger.S()
}

// RespondError 业务错误转为统一错误响应；内部错误记录原始错误。
func RespondError(c *gin.Context, err error) {
	appErr := service.AsError(err)
	if appErr == nil {
		return
	}
	status := appErr.HTTPStatus()
	if status >= 500 {
		RequestLog(c).Errorw("handler_error",
			"error_code", appErr.Code,
			"status", status,
			"error", err,
		)
	} else {
		RequestLog(c).Infow("handler_rejected",
			"error_code", appErr.Code,
			"status", status,
		)
	}
	response.Error(c, status, BodyOf(appErr))
}

// BodyOf 业务错误的对外结构
func BodyOf(appErr *service.Error) response.ErrorBody {
	message := appErr.Message
	if appErr.Code == service.CodeInternal {
		message = "internal error"
	}
	return response.ErrorBody{
		ErrorCode:  appErr.Code,
		ErrorClass: string(appErr.Class),
		Message:    message,
		Retryable:  appErr.Retryable,
		Details:    appErr.Details,
	}
}

// RespondValidation 请求体或参数格式错误
func RespondValidation(c *gin.Context, field string, err error) {
	message := "invalid request body"
	if err != nil {
		message = err.Error()
	}
	RespondError(c, service.ValidationError(field, message))
}
