package public

import "github.com/payment-orchestrator/internal/provider"

// Handler 对外接口处理器入口
// 说明：承载商户侧支付 API、提供方回调与健康检查。
type Handler struct {
	*provider.Container
}

// New 创建对外处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}
