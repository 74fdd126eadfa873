/**
 * 基础设施层:MySQL连接
 * @description: 基于GORM的MySQL连接构建，含连接池参数与启动探活
 */
package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"helmsman/internal/config"
)

// gormLogLevels 配置字符串到GORM日志级别的映射，未知值落到warn
var gormLogLevels = map[string]gormLogger.LogLevel{
	"silent": gormLogger.Silent,
	"error":  gormLogger.Error,
	"warn":   gormLogger.Warn,
	"info":   gormLogger.Info,
}

// buildDSN 拼接MySQL连接串
func buildDSN(cfg *config.MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.Charset, cfg.ParseTime, cfg.Loc)
}

// NewMySQLConnection 创建MySQL数据库连接
// 连接池参数全部来自配置，探活失败视为启动失败
func NewMySQLConnection(cfg *config.MySQLConfig) (*gorm.DB, error) {
	logLevel, ok := gormLogLevels[cfg.LogLevel]
	if !ok {
		logLevel = gormLogger.Warn
	}

	db, err := gorm.Open(mysql.Open(buildDSN(cfg)), &gorm.Config{
		Logger: gormLogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return db, nil
}
