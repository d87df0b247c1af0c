// Package db opens the relational store behind users, relations, channels
// and audit entries.
package db

import (
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pongchat/server/config"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	ModeSQLite       = "sqlite"
	ModeSQLiteMemory = "sqlite_memory"
	ModeMySQL        = "mysql"
	ModePostgres     = "postgres"
)

// Open returns a *gorm.DB for cfg.Mode. Queries are logged through log when
// it is non-nil.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	dialector, single, err := dialect(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewLogger(log, DefaultSlowThreshold),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", cfg.Mode, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if single {
		// SQLite has one writer, and a memory database lives only as long
		// as its last connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		return db, nil
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	sqlDB.SetMaxIdleConns(cfg.MaxIdle)
	sqlDB.SetConnMaxLifetime(cfg.MaxLife)
	return db, nil
}

// dialect picks the gorm dialector of cfg.Mode. single reports a backend
// that must be held to one connection.
func dialect(cfg config.DatabaseConfig) (d gorm.Dialector, single bool, err error) {
	switch cfg.Mode {
	case ModeSQLite:
		return sqlite.Open(cfg.SQLitePath + "?_foreign_keys=on&_busy_timeout=5000"), true, nil
	case ModeSQLiteMemory:
		name := cfg.SQLitePath
		if name == "" {
			name = "memdb"
		}
		return sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name)), true, nil
	case ModeMySQL:
		dsn, err := mysqlDSN(cfg.MySQLDSN)
		if err != nil {
			return nil, false, err
		}
		return mysql.Open(dsn), false, nil
	case ModePostgres:
		return postgres.New(postgres.Config{DSN: cfg.PostgresDSN, PreferSimpleProtocol: false}), false, nil
	default:
		return nil, false, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}

// mysqlDSN normalizes dsn so DATETIME columns scan into time.Time in UTC.
func mysqlDSN(dsn string) (string, error) {
	c, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("db: mysql dsn: %w", err)
	}
	c.ParseTime = true
	c.Loc = time.UTC
	return c.FormatDSN(), nil
}
