package authz

// 预置角色
const (
	RoleAuditor  = "auditor"
	RoleOperator = "operator"
)

type builtinRole struct {
	name    string
	parent  string
	methods map[string]string
}

// auditor 只读；operator 在只读之上可重放回调、触发清理
var builtinRoles = []builtinRole{
	{
		name:    RoleAuditor,
		methods: map[string]string{"/admin/*": "GET"},
	},
	{
		name:   RoleOperator,
		parent: RoleAuditor,
		methods: map[string]string{
			"/admin/webhook-events/:id/replay": "POST",
			"/admin/retention/purge":           "POST",
		},
	},
}

// BootstrapBuiltinRoles 写入预置角色，可重复执行
func (s *Service) BootstrapBuiltinRoles() error {
	if err := s.ready(); err != nil {
		return err
	}
	for _, role := range builtinRoles {
		for route, method := range role.methods {
			if err := s.Grant(role.name, route, method); err != nil {
				return err
			}
		}
		if role.parent == "" {
			continue
		}
		if err := s.Inherit(role.name, role.parent); err != nil {
			return err
		}
	}
	return nil
}
