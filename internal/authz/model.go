package authz

import (
	"fmt"
	"strings"
)

const (
	ruleTable     = "casbin_rule"
	rolePrefix    = "role:"
	operatorScope = "operator:"
)

// 请求只有运维人员、路由模板与 HTTP 方法三元；方法为 * 时放行该路由全部方法
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && (p.act == "*" || r.act == p.act)
`

// Permission 角色可访问的一条运维路由
type Permission struct {
	Role   string `json:"role"`
	Route  string `json:"route"`
	Method string `json:"method"`
}

func operatorSubject(operator string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(operator))
	if name == "" {
		return "", fmt.Errorf("operator is required")
	}
	return operatorScope + name, nil
}

// RoleName 补全 role: 前缀，空白替换为下划线
func RoleName(role string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(role), rolePrefix)
	name = strings.Join(strings.Fields(name), "_")
	if name == "" {
		return "", fmt.Errorf("role is required")
	}
	return rolePrefix + name, nil
}

// RouteKey 统一路由模板：保证前导斜杠，去掉尾部斜杠
func RouteKey(route string) string {
	key := "/" + strings.Trim(strings.TrimSpace(route), "/")
	return key
}

func methodKey(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}
