package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/authz"
	"github.com/payment-orchestrator/internal/config"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/service"
)

const usage = `用法:
  opsctl token -operator <name> [-ttl 12h]     签发运维令牌
  opsctl grant -operator <name> -roles a,b     覆盖设置操作员角色
  opsctl roles -operator <name>                查看操作员角色`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(cfg, os.Args[2:])
	case "grant":
		err = runGrant(cfg, os.Args[2:])
	case "roles":
		err = runRoles(cfg, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "opsctl:", err)
		os.Exit(1)
	}
}

func runToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	operator := fs.String("operator", "", "操作员名称")
	ttl := fs.Duration("ttl", cfg.Ops.TokenTTL(), "令牌有效期")
	_ = fs.Parse(args)

	token, expiresAt, err := service.GenerateOpsToken(cfg.Ops.JWTSecret, *operator, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintln(os.Stderr, "expires_at:", expiresAt.Format(time.RFC3339))
	return nil
}

func runGrant(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	operator := fs.String("operator", "", "操作员名称")
	roles := fs.String("roles", "", "逗号分隔的角色列表，如 auditor,operator")
	_ = fs.Parse(args)

	authzService, err := openAuthz(cfg)
	if err != nil {
		return err
	}
	list := splitRoles(*roles)
	if err := authzService.SetOperatorRoles(*operator, list); err != nil {
		return err
	}
	logger.Infow("opsctl_roles_granted", "operator", *operator, "roles", list)
	return nil
}

func runRoles(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("roles", flag.ExitOnError)
	operator := fs.String("operator", "", "操作员名称")
	_ = fs.Parse(args)

	authzService, err := openAuthz(cfg)
	if err != nil {
		return err
	}
	roles, err := authzService.GetOperatorRoles(*operator)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(roles, ","))
	return nil
}

func openAuthz(cfg *config.Config) (*authz.Service, error) {
	dbCfg := cfg.Database
	dbCfg.Pool = config.DatabasePoolConfig{MaxOpenConns: 2, MaxIdleConns: 1}
	if err := models.InitDB(dbCfg); err != nil {
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}
	authzService, err := authz.NewService(models.DB)
	if err != nil {
		return nil, err
	}
	if err := authzService.BootstrapBuiltinRoles(); err != nil {
		return nil, err
	}
	return authzService, nil
}

func splitRoles(raw string) []string {
	var roles []string
	for _, part := range strings.Split(raw, ",") {
		if role := strings.TrimSpace(part); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
