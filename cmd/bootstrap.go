package main

import (
	"fmt"
	"io"
	"lookup-gateway/config"
	"lookup-gateway/core"
	"lookup-gateway/models"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// app 一次命令执行期间持有的全部资源
type app struct {
	cfg     config.Config
	log     *logrus.Logger
	db      *gorm.DB
	gateway *core.Gateway
	rotator *core.LogRotator
}

// bootstrap 读取配置、初始化日志和数据库并组装 Gateway
// reg 为 nil 时不注册指标 (CLI 一次性命令)
func bootstrap(reg prometheus.Registerer, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return bootstrapWith(cfg, reg, stderr)
}

func bootstrapWith(cfg config.Config, reg prometheus.Registerer, stderr io.Writer) (*app, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	log, rotator, err := setupLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, log: log, rotator: rotator}

	rt.db, err = initDatabase(cfg, log)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.gateway, err = core.NewGateway(cfg, rt.db, reg, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// setupLogger JSON 格式的 logrus；配置了 LOG_FILE 时写入可轮转的文件
func setupLogger(cfg config.Config, stderr io.Writer) (*logrus.Logger, *core.LogRotator, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(stderr)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		return log, nil, nil
	}
	rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxSizeMB)
	if err != nil {
		return nil, nil, err
	}
	log.SetOutput(io.MultiWriter(stderr, rotator))
	return log, rotator, nil
}

// initDatabase 初始化数据库
func initDatabase(cfg config.Config, log *logrus.Logger) (*gorm.DB, error) {
	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(cfg.DatabaseFile), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	rootKey, err := models.InitializeDefaultData(db, cfg.AdminBootstrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize default data: %w", err)
	}
	if rootKey != "" {
		// 只在第一次启动时出现
		fmt.Fprintf(os.Stderr, "Initial admin key: %s\n", rootKey)
	}

	log.Debugf("Database initialized at %s", cfg.DatabaseFile)
	return db, nil
}

// Close 刷新审计日志并关闭数据库和日志文件
func (r *app) Close() {
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.db != nil {
		if sqlDB, err := r.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if r.rotator != nil {
		r.log.SetOutput(os.Stderr)
		r.rotator.Close()
	}
}
