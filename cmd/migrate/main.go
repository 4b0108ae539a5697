package main

import (
	"flag"
	"log"

	"controlhub/internal/app"
	"controlhub/internal/config"

	"github.com/sirupsen/logrus"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default ./config.yml)")
	dsn := flag.String("dsn", "", "postgres DSN, overrides database.*")
	flag.Parse()

	// 加载配置
	if err := config.InitViper(*cfgFile); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.Load()
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	// 连接数据库
	db, err := app.OpenDatabase(cfg, logrus.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := app.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 批量操作按 owner + 状态过滤
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automations_owner_status ON automations(owner_id, last_run_status)")

	// 审计日志按调用方时间倒序查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_audit_logs_user_created ON audit_logs(user_id, created_at DESC)")

	log.Println("Indexes created successfully!")
}
