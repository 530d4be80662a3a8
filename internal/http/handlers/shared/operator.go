package shared

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// OperatorContextKey 运维鉴权后写入的操作员名称
const OperatorContextKey = "ops_operator"

// CurrentOperator 读取当前操作员
func CurrentOperator(c *gin.Context) (string, bool) {
	value, exists := c.Get(OperatorContextKey)
	if !exists {
		return "", false
	}
	operator, ok := value.(string)
	operator = strings.TrimSpace(operator)
	return operator, ok && operator != ""
}
