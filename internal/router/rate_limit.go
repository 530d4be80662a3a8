package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/http/response"
	"github.com/payment-orchestrator/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitKeyFunc 从请求中提取限流维度
type RateLimitKeyFunc func(*gin.Context) string

// RateLimitRule 固定窗口限流规则，Limit 或 Window 非正时不限流
type RateLimitRule struct {
	Prefix  string
	Window  time.Duration
	Limit   int64
	Message string
}

func (r RateLimitRule) active() bool {
	return r.Limit > 0 && r.Window >= time.Second
}

// 窗口计数：首个请求设置过期时间，返回 {计数, 剩余秒数}
var fixedWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("TTL", KEYS[1])}
`)

// RateLimitMiddleware 基于 Redis 的写接口限流；Redis 不可用时放行
func RateLimitMiddleware(client *redis.Client, rule RateLimitRule, keyFunc RateLimitKeyFunc) gin.HandlerFunc {
	windowSeconds := int64(rule.Window / time.Second)
	message := strings.TrimSpace(rule.Message)
	if message == "" {
		message = "too many requests"
	}
	return func(c *gin.Context) {
		if client == nil || !rule.active() {
			c.Next()
			return
		}
		key := rateLimitKey(c, rule.Prefix, keyFunc)
		counts, err := fixedWindowScript.Run(c.Request.Context(), client, []string{key}, windowSeconds).Int64Slice()
		if err == nil && len(counts) < 2 {
			err = fmt.Errorf("unexpected window reply %v", counts)
		}
		if err != nil {
			logger.Warnw("rate_limit_unavailable", "key", key, "error", err)
			c.Next()
			return
		}
		if counts[0] <= rule.Limit {
			c.Next()
			return
		}
		retryAfter := counts[1]
		if retryAfter < 1 {
			retryAfter = windowSeconds
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		response.TooManyRequests(c, message, int(retryAfter))
		c.Abort()
	}
}

func rateLimitKey(c *gin.Context, prefix string, keyFunc RateLimitKeyFunc) string {
	key := ""
	if keyFunc != nil {
		key = strings.TrimSpace(keyFunc(c))
	}
	if key == "" {
		key = c.ClientIP()
	}
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

// KeyByIP 按客户端 IP 限流
func KeyByIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByIPAndJSONField 按请求体字段加 IP 限流，字段缺失时退回 IP。
// 读取后会还原请求体，后续绑定不受影响。
func KeyByIPAndJSONField(field string) RateLimitKeyFunc {
	return func(c *gin.Context) string {
		value := strings.ToLower(peekJSONString(c, field))
		if value == "" {
			return c.ClientIP()
		}
		return value + "|" + c.ClientIP()
	}
}

func peekJSONString(c *gin.Context, field string) string {
	if c == nil || c.Request == nil || c.Request.Body == nil {
		return ""
	}
	body, err := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil || len(body) == 0 {
		return ""
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(payload[field], &value); err != nil {
		return ""
	}
	return strings.TrimSpace(value)
}
