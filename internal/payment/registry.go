package payment

import (
	"fmt"
	"sort"
	"strings"
)

// Registry 提供方客户端注册表（提供方集合封闭）
type Registry struct {
	clients map[string]Client
}

// NewRegistry 创建注册表
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, client := range clients {
		if client == nil {
			continue
		}
		r.clients[strings.ToLower(client.Name())] = client
	}
	return r
}

// Get 按提供方名称获取客户端
func (r *Registry) Get(provider string) (Client, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotEnabled, provider)
	}
	client, ok := r.clients[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotEnabled, provider)
	}
	return client, nil
}

// Enabled 已启用的提供方列表
func (r *Registry) Enabled() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
