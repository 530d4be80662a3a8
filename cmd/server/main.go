package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/payment-orchestrator/internal/app"
	"github.com/payment-orchestrator/internal/config"
	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiDim   = "\033[2m"
	ansiCyan  = "\033[36m"
)

func main() {
	// 解析命令行参数
	var mode string
	flag.StringVar(&mode, "mode", app.ModeAll, "启动模式: all (默认), api, worker")
	flag.Parse()

	printStartupBanner(mode)

	// 加载配置
	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	defer logger.Sync()
	stdLog := logger.StdLogger()

	if cfg.Ops.Enabled && cfg.Ops.WeakSecret() {
		if cfg.Server.Mode == "release" {
			stdLog.Fatalf("ops.jwt_secret 过弱或仍为默认值，release 模式拒绝启动")
		}
		stdLog.Printf("警告: ops.jwt_secret 过弱或仍为默认值，上线前必须更换")
	}

	// 初始化数据库
	if err := models.InitDB(cfg.Database); err != nil {
		stdLog.Fatalf("数据库初始化失败: %v", err)
	}
	if err := models.Migrate(nil); err != nil {
		stdLog.Fatalf("数据库迁移失败: %v", err)
	}

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := app.Run(app.Options{
		Config:  cfg,
		Logger:  logger.S(),
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		Mode:    mode,
	}); err != nil {
		stdLog.Fatalf("服务运行失败: %v", err)
	}
}

func printStartupBanner(mode string) {
	fmt.Println(ansiCyan + ansiBold + constants.ServiceName + " " + constants.ServiceVersion + ansiReset)
	fmt.Println(ansiDim + "mode=" + mode + "  api=/api/v2  legacy=/api/v1  webhooks=/webhooks/:provider" + ansiReset)
	fmt.Println(ansiDim + "--------------------------------------------------------------" + ansiReset)
}
