package admin

import "github.com/payment-orchestrator/internal/provider"

// Handler 运维接口处理器入口
// 说明：该处理器仅用于 /admin 运维 API，鉴权与授权由路由中间件完成。
type Handler struct {
	*provider.Container
}

// New 创建运维处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}
