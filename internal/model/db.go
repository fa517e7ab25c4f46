package model

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"skyflip/internal/config"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBOptions 数据库连接选项
type DBOptions struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// DefaultDBOptions 返回默认数据库选项
func DefaultDBOptions() DBOptions {
	return DBOptions{
		MaxIdleConns:    10,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
		LogLevel:        "warn",
	}
}

// GormConfig 根据日志级别构造 gorm 配置
func GormConfig(level string) *gorm.Config {
	var logLevel logger.LogLevel
	switch level {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "info":
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// InitDB 初始化数据库连接
func InitDB(cfg *config.MySQLConfig, log *slog.Logger, opts ...DBOptions) (*gorm.DB, error) {
	opt := DefaultDBOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN), GormConfig(opt.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(opt.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opt.ConnMaxLifetime)

	log.Info("database connected",
		slog.String("dsn", maskDSN(cfg.DSN)),
		slog.Int("max_idle_conns", opt.MaxIdleConns),
		slog.Int("max_open_conns", opt.MaxOpenConns),
	)

	return db, nil
}

// maskDSN 遮盖 DSN 中的密码: user:password@... -> user:***@...
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	colon := strings.Index(dsn[:at], ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:colon+1] + "***" + dsn[at:]
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

// AllModels 返回所有模型列表（用于迁移等操作）
func AllModels() []any {
	return []any{
		&Listing{},
		&PriceAggregate{},
		&AggregationWindow{},
		&ExposureCounter{},
		&FlipOpportunity{},
	}
}
