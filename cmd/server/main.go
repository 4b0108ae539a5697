package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"controlhub/internal/app"
	"controlhub/internal/config"
	"controlhub/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// 读取配置文件（默认 ./config.yml），命令行参数可覆盖数据库与监听配置
	var (
		cfgFile = flag.String("config", "", "config file (default ./config.yml)")
		dsn     = flag.String("dsn", "", "postgres DSN, overrides database.*")
		host    = flag.String("host", "", "listen host")
		port    = flag.Int("port", 0, "listen port")
	)
	flag.Parse()

	if err := config.InitViper(*cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Load()
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(ctx, cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		appLogger.Warnf("init tracing: %v", err)
	}

	db, err := app.OpenDatabase(cfg, appLogger)
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	a, err := app.New(ctx, cfg, appLogger, db)
	if err != nil {
		appLogger.Fatalf("Failed to initialize: %v", err)
	}

	if err := a.Run(ctx, fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)); err != nil {
		appLogger.Fatalf("Server error: %v", err)
	}
	appLogger.Info("Server exited")
}
