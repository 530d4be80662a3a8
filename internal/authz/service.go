package authz

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/casbin/casbin/v3"
	"github.com/casbin/casbin/v3/model"
	"github.com/casbin/casbin/v3/util"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

var errUnavailable = errors.New("authz service unavailable")

// Service 运维接口授权，角色与授权规则落在 casbin_rule 表
type Service struct {
	enforcer *casbin.SyncedEnforcer
}

// NewService 创建授权服务
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("authz db is nil")
	}
	adapter, err := gormadapter.NewAdapterByDBUseTableName(db, "", ruleTable)
	if err != nil {
		return nil, fmt.Errorf("create authz adapter failed: %w", err)
	}
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("load authz model failed: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("init authz enforcer failed: %w", err)
	}
	enforcer.AddFunction("keyMatch2", util.KeyMatch2Func)
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("load authz policy failed: %w", err)
	}
	return &Service{enforcer: enforcer}, nil
}

func (s *Service) ready() error {
	if s == nil || s.enforcer == nil {
		return errUnavailable
	}
	return nil
}

// Authorize 判定运维人员能否以 method 访问 route
func (s *Service) Authorize(operator, route, method string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	subject, err := operatorSubject(operator)
	if err != nil {
		return false, err
	}
	return s.enforcer.Enforce(subject, RouteKey(route), methodKey(method))
}

// Grant 为角色开放一条路由
func (s *Service) Grant(role, route, method string) error {
	if err := s.ready(); err != nil {
		return err
	}
	name, err := RoleName(role)
	if err != nil {
		return err
	}
	verb := methodKey(method)
	if verb == "" {
		return fmt.Errorf("method is required")
	}
	if _, err := s.enforcer.AddPolicy(name, RouteKey(route), verb); err != nil {
		return fmt.Errorf("grant permission failed: %w", err)
	}
	return nil
}

// Inherit 让 role 拥有 parent 的全部权限
func (s *Service) Inherit(role, parent string) error {
	if err := s.ready(); err != nil {
		return err
	}
	child, err := RoleName(role)
	if err != nil {
		return err
	}
	base, err := RoleName(parent)
	if err != nil {
		return err
	}
	if child == base {
		return fmt.Errorf("role %s cannot inherit itself", child)
	}
	if _, err := s.enforcer.AddGroupingPolicy(child, base); err != nil {
		return fmt.Errorf("link role inheritance failed: %w", err)
	}
	return nil
}

// Roles 已定义的角色：有授权规则或被其他角色继承
func (s *Service) Roles() ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	subjects, err := s.enforcer.GetAllSubjects()
	if err != nil {
		return nil, fmt.Errorf("list roles failed: %w", err)
	}
	links, err := s.enforcer.GetGroupingPolicy()
	if err != nil {
		return nil, fmt.Errorf("list roles failed: %w", err)
	}
	for _, link := range links {
		subjects = append(subjects, link...)
	}
	for _, name := range subjects {
		if strings.HasPrefix(name, rolePrefix) {
			seen[name] = struct{}{}
		}
	}
	roles := make([]string, 0, len(seen))
	for name := range seen {
		roles = append(roles, name)
	}
	sort.Strings(roles)
	return roles, nil
}

// RolePermissions 角色直接持有的授权规则，不含继承
func (s *Service) RolePermissions(role string) ([]Permission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	name, err := RoleName(role)
	if err != nil {
		return nil, err
	}
	rules, err := s.enforcer.GetFilteredPolicy(0, name)
	if err != nil {
		return nil, fmt.Errorf("get role permissions failed: %w", err)
	}
	out := make([]Permission, 0, len(rules))
	for _, rule := range rules {
		if len(rule) < 3 {
			continue
		}
		out = append(out, Permission{Role: rule[0], Route: rule[1], Method: rule[2]})
	}
	return out, nil
}

// SetOperatorRoles 覆盖运维人员的角色，只接受已定义的角色
func (s *Service) SetOperatorRoles(operator string, roles []string) error {
	if err := s.ready(); err != nil {
		return err
	}
	subject, err := operatorSubject(operator)
	if err != nil {
		return err
	}
	known, err := s.Roles()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		name, err := RoleName(role)
		if err != nil {
			return err
		}
		idx := sort.SearchStrings(known, name)
		if idx >= len(known) || known[idx] != name {
			return fmt.Errorf("unknown role %s", name)
		}
		names = append(names, name)
	}
	if _, err := s.enforcer.RemoveFilteredGroupingPolicy(0, subject); err != nil {
		return fmt.Errorf("clear operator roles failed: %w", err)
	}
	for _, name := range names {
		if _, err := s.enforcer.AddGroupingPolicy(subject, name); err != nil {
			return fmt.Errorf("assign operator role failed: %w", err)
		}
	}
	return nil
}

// GetOperatorRoles 运维人员直接绑定的角色
func (s *Service) GetOperatorRoles(operator string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	subject, err := operatorSubject(operator)
	if err != nil {
		return nil, err
	}
	roles, err := s.enforcer.GetRolesForUser(subject)
	if err != nil {
		return nil, fmt.Errorf("get operator roles failed: %w", err)
	}
	sort.Strings(roles)
	return roles, nil
}

// OperatorPermissions 运维人员经角色继承后可用的全部授权
func (s *Service) OperatorPermissions(operator string) ([]Permission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	subject, err := operatorSubject(operator)
	if err != nil {
		return nil, err
	}
	roles, err := s.enforcer.GetImplicitRolesForUser(subject)
	if err != nil {
		return nil, fmt.Errorf("resolve operator roles failed: %w", err)
	}
	sort.Strings(roles)
	out := make([]Permission, 0)
	for _, role := range roles {
		perms, err := s.RolePermissions(role)
		if err != nil {
			return nil, err
		}
		out = append(out, perms...)
	}
	return out, nil
}
