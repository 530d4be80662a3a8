package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	StatusCode int         `json:"status_code"` // 业务状态码，成功为 0
	Msg        string      `json:"msg"`         // 提示消息
	Data       interface{} `json:"data"`        // 数据内容
}

// PageResponse 分页响应结构
type PageResponse struct {
	StatusCode int         `json:"status_code"`
	Msg        string      `json:"msg"`
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Page      int   `json:"page"`
	PageSize  int   `json:"page_size"`
	Total     int64 `json:"total"`
	TotalPage int64 `json:"total_page"`
}

// ErrorBody 错误详情，data 字段的内容
type ErrorBody struct {
	ErrorCode  string                 `json:"error_code"`
	ErrorClass string                 `json:"error_class,omitempty"`
	Message    string                 `json:"message"`
	Retryable  bool                   `json:"retryable"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// NewPagination 计算总页数
func NewPagination(page, pageSize int, total int64) Pagination {
	totalPage := int64(0)
	if pageSize > 0 {
		totalPage = (total + int64(pageSize) - 1) / int64(pageSize)
	}
	return Pagination{Page: page, PageSize: pageSize, Total: total, TotalPage: totalPage}
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		StatusCode: CodeOK,
		Msg:        "success",
		Data:       data,
	})
}

// Created 资源创建成功
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		StatusCode: CodeOK,
		Msg:        "created",
		Data:       data,
	})
}

// SuccessWithPage 分页成功响应
func SuccessWithPage(c *gin.Context, data interface{}, pagination Pagination) {
	c.JSON(http.StatusOK, PageResponse{
		StatusCode: CodeOK,
		Msg:        "success",
		Data:       data,
		Pagination: pagination,
	})
}

// Error 错误响应，HTTP 状态与 status_code 一致
func Error(c *gin.Context, httpStatus int, body ErrorBody) {
	if body.RequestID == "" {
		body.RequestID = RequestID(c)
	}
	c.JSON(httpStatus, Response{
		StatusCode: httpStatus,
		Msg:        body.Message,
		Data:       body,
	})
}

// NotFound 404响应（未注册的路由）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, ErrorBody{ErrorCode: ErrCodeNotFound, Message: msg})
}

// InternalError 500响应（panic 兜底）
func InternalError(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, ErrorBody{ErrorCode: ErrCodeInternal, Message: msg})
}

// Unauthorized 401响应
func Unauthorized(c *gin.Context, msg string) {
	Error(c, http.StatusUnauthorized, ErrorBody{ErrorCode: ErrCodeUnauthorized, Message: msg})
}

// Forbidden 403响应
func Forbidden(c *gin.Context, msg string) {
	Error(c, http.StatusForbidden, ErrorBody{ErrorCode: ErrCodeForbidden, Message: msg})
}

// TooManyRequests 429响应
func TooManyRequests(c *gin.Context, msg string, retryAfterSeconds int) {
	Error(c, http.StatusTooManyRequests, ErrorBody{
		ErrorCode: ErrCodeRateLimited,
		Message:   msg,
		Retryable: true,
		Details:   map[string]interface{}{"retry_after_seconds": retryAfterSeconds},
	})
}

// RequestID 读取请求 ID
func RequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if value, ok := c.Get(RequestIDKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}
